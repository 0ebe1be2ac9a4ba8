package wiresocket

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/keys"
)

const (
	routerWriteWait  = 10 * time.Second
	routerPongWait   = 60 * time.Second
	routerPingPeriod = (routerPongWait * 9) / 10
	routerSendQueue  = 64
	handshakeTimeout = 10 * time.Second
)

var routerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AuthorizeFunc decides whether a remote public key may complete the
// handshake. A nil AuthorizeFunc means every peer is accepted, which is the
// agent-facing listener's contract; the client-facing listener always
// supplies one.
type AuthorizeFunc func(remote keys.PublicKey) bool

// RouterSocket is a ROUTER-like server socket: it accepts many inbound
// WebSocket connections, assigns each a PeerID on accept, and exposes
// frame-level send/recv keyed by that PeerID. Modeled on the one-goroutine-
// per-connection read/write pump pair the upstream dashboard hub uses for
// browser and agent clients alike.
type RouterSocket struct {
	log          zerolog.Logger
	localPublic  keys.PublicKey
	localSecret  keys.SecretKey
	authorize    AuthorizeFunc
	onRecv       RecvHandler
	onDisconnect func(PeerID)

	mu    sync.RWMutex
	conns map[PeerID]*routerConn
}

type routerConn struct {
	id     PeerID
	connID string // uuid correlation id, log-only
	conn   *websocket.Conn
	seal   *sealer
	send   chan [][]byte

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewRouterSocket constructs a RouterSocket bound to the given local
// keypair. Pass a non-nil authorize to require handshake-time public-key
// authorization (the client-facing listener's contract).
func NewRouterSocket(log zerolog.Logger, localPublic keys.PublicKey, localSecret keys.SecretKey, authorize AuthorizeFunc, onRecv RecvHandler, onDisconnect func(PeerID)) *RouterSocket {
	return &RouterSocket{
		log:          log.With().Str("component", "router_socket").Logger(),
		localPublic:  localPublic,
		localSecret:  localSecret,
		authorize:    authorize,
		onRecv:       onRecv,
		onDisconnect: onDisconnect,
		conns:        make(map[PeerID]*routerConn),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the handshake.
// Register this as the handler for the agent or client endpoint.
func (r *RouterSocket) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := routerUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	remotePublic, seal, err := r.serverHandshake(conn)
	if err != nil {
		r.log.Debug().Err(err).Msg("handshake failed, closing")
		_ = conn.Close()
		return
	}

	if r.authorize != nil && !r.authorize(remotePublic) {
		r.log.Warn().Msg("rejecting unauthorized peer")
		_ = conn.Close()
		return
	}

	id := newPeerID()
	rc := &routerConn{
		id:     id,
		connID: uuid.NewString(),
		conn:   conn,
		seal:   seal,
		send:   make(chan [][]byte, routerSendQueue),
	}

	r.mu.Lock()
	r.conns[id] = rc
	r.mu.Unlock()

	connLog := r.log.With().Str("conn_id", rc.connID).Logger()
	connLog.Debug().Msg("peer accepted")

	go r.writePump(rc, connLog)
	r.readPump(rc, connLog)
}

func (r *RouterSocket) serverHandshake(conn *websocket.Conn) (keys.PublicKey, *sealer, error) {
	_ = conn.SetReadDeadline(timeNow().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return keys.PublicKey{}, nil, fmt.Errorf("read remote public key: %w", err)
	}
	var remotePublic keys.PublicKey
	if len(data) != 32 {
		return keys.PublicKey{}, nil, fmt.Errorf("malformed public key, want 32 bytes got %d", len(data))
	}
	copy(remotePublic[:], data)

	if err := conn.WriteMessage(websocket.BinaryMessage, r.localPublic[:]); err != nil {
		return keys.PublicKey{}, nil, fmt.Errorf("send local public key: %w", err)
	}

	return remotePublic, newSealer(r.localSecret, remotePublic), nil
}

func newPeerID() PeerID {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return PeerID(hex.EncodeToString(raw[:]))
}

func (r *RouterSocket) readPump(rc *routerConn, connLog zerolog.Logger) {
	defer r.removeConn(rc, connLog)

	rc.conn.SetReadLimit(512 * 1024)
	_ = rc.conn.SetReadDeadline(timeNow().Add(routerPongWait))
	rc.conn.SetPongHandler(func(string) error {
		_ = rc.conn.SetReadDeadline(timeNow().Add(routerPongWait))
		return nil
	})

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		plaintext, err := rc.seal.open(data)
		if err != nil {
			connLog.Info().Err(err).Msg("dropping unreadable message")
			continue
		}
		frames, err := unpackFrames(plaintext)
		if err != nil {
			connLog.Info().Err(err).Msg("dropping malformed envelope")
			continue
		}
		r.onRecv(frames, rc.id)
	}
}

func (r *RouterSocket) writePump(rc *routerConn, connLog zerolog.Logger) {
	ticker := time.NewTicker(routerPingPeriod)
	defer func() {
		ticker.Stop()
		_ = rc.conn.Close()
	}()

	for {
		select {
		case frames, ok := <-rc.send:
			_ = rc.conn.SetWriteDeadline(timeNow().Add(routerWriteWait))
			if !ok {
				_ = rc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			blob, err := rc.seal.seal(packFrames(frames))
			if err != nil {
				connLog.Warn().Err(err).Msg("seal failed, dropping send")
				continue
			}
			if err := rc.conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
				return
			}
		case <-ticker.C:
			_ = rc.conn.SetWriteDeadline(timeNow().Add(routerWriteWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *RouterSocket) removeConn(rc *routerConn, connLog zerolog.Logger) {
	r.mu.Lock()
	if r.conns[rc.id] == rc {
		delete(r.conns, rc.id)
	}
	r.mu.Unlock()
	rc.safeClose()
	connLog.Debug().Msg("peer connection closed")
	if r.onDisconnect != nil {
		r.onDisconnect(rc.id)
	}
}

func (rc *routerConn) safeClose() {
	rc.closeOnce.Do(func() {
		rc.closed.Store(true)
		close(rc.send)
	})
}

// Send queues frames for PeerID peer. It never blocks: a full queue yields
// StatusWouldBlock and the caller treats this the same as a dropped metric.
func (r *RouterSocket) Send(peer PeerID, frames [][]byte) SendStatus {
	r.mu.RLock()
	rc, ok := r.conns[peer]
	r.mu.RUnlock()
	if !ok {
		return StatusError
	}
	if rc.closed.Load() {
		return StatusError
	}

	defer func() { recover() }() // races with safeClose closing rc.send

	select {
	case rc.send <- frames:
		return StatusOK
	default:
		return StatusWouldBlock
	}
}

// Peers returns a snapshot of currently-connected PeerIDs.
func (r *RouterSocket) Peers() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// timeNow is a seam so tests could swap in a fixed clock if WebSocket
// deadlines ever need to be driven by a fake clock; production always uses
// wall time since these are I/O deadlines, not protocol state.
func timeNow() time.Time { return time.Now() }
