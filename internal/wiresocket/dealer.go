package wiresocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/keys"
)

const (
	dealerWriteWait        = 10 * time.Second
	dealerPongWait         = 60 * time.Second
	dealerPingPeriod       = (dealerPongWait * 9) / 10
	dealerSendQueue        = 64
	dealerHandshakeTimeout = 10 * time.Second
)

// DealerSocket is a DEALER-like client socket: it dials exactly one remote
// and exchanges frames with no peer-id framing in either direction, mirroring
// the reconnect-loop shape of the upstream agent's WebSocket client, but
// split so Connect returns as soon as the handshake succeeds — the caller's
// FSM needs to send its opening frame itself, not have it sent for it.
type DealerSocket struct {
	log         zerolog.Logger
	url         string
	localPublic keys.PublicKey
	localSecret keys.SecretKey
	remote      keys.PublicKey
	onRecv      RecvHandler

	mu   sync.Mutex
	conn *websocket.Conn
	send chan [][]byte
	dead chan struct{} // closed when the current connection drops
}

// NewDealerSocket constructs a DealerSocket for url, authenticating with
// localSecret and trusting remote as the far end's long-term public key.
func NewDealerSocket(log zerolog.Logger, url string, localPublic keys.PublicKey, localSecret keys.SecretKey, remote keys.PublicKey, onRecv RecvHandler) *DealerSocket {
	return &DealerSocket{
		log:         log.With().Str("component", "dealer_socket").Logger(),
		url:         url,
		localPublic: localPublic,
		localSecret: localSecret,
		remote:      remote,
		onRecv:      onRecv,
	}
}

// Connect dials the remote, runs the handshake, and starts the read/write
// pumps in the background. It returns once the connection is ready to send
// on. Callers detect the connection dropping via Done().
func (d *DealerSocket) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dealerHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("dealer: dial %s: %w", d.url, err)
	}

	seal, err := d.clientHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("dealer: handshake: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.send = make(chan [][]byte, dealerSendQueue)
	d.dead = make(chan struct{})
	dead := d.dead
	sendCh := d.send
	d.mu.Unlock()

	go d.writePump(conn, seal, sendCh, dead)
	go d.readPump(conn, seal, dead)
	return nil
}

// Done returns a channel closed when the current connection drops. It is
// nil if Connect has never succeeded.
func (d *DealerSocket) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dead
}

func (d *DealerSocket) clientHandshake(conn *websocket.Conn) (*sealer, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(dealerHandshakeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, d.localPublic[:]); err != nil {
		return nil, fmt.Errorf("send local public key: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dealerHandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read remote public key: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if len(data) != 32 {
		return nil, fmt.Errorf("malformed remote public key, want 32 bytes got %d", len(data))
	}
	var got keys.PublicKey
	copy(got[:], data)
	if got != d.remote {
		return nil, fmt.Errorf("remote public key mismatch")
	}
	return newSealer(d.localSecret, d.remote), nil
}

func (d *DealerSocket) readPump(conn *websocket.Conn, seal *sealer, dead chan struct{}) {
	defer d.teardown(conn, dead)

	conn.SetReadLimit(512 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(dealerPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(dealerPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		plaintext, err := seal.open(data)
		if err != nil {
			d.log.Info().Err(err).Msg("dropping unreadable message")
			continue
		}
		frames, err := unpackFrames(plaintext)
		if err != nil {
			d.log.Info().Err(err).Msg("dropping malformed envelope")
			continue
		}
		d.onRecv(frames, "")
	}
}

func (d *DealerSocket) writePump(conn *websocket.Conn, seal *sealer, send chan [][]byte, dead chan struct{}) {
	ticker := time.NewTicker(dealerPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-dead:
			return
		case frames := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(dealerWriteWait))
			blob, err := seal.seal(packFrames(frames))
			if err != nil {
				d.log.Warn().Err(err).Msg("seal failed, dropping send")
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(dealerWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *DealerSocket) teardown(conn *websocket.Conn, dead chan struct{}) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()

	select {
	case <-dead:
	default:
		close(dead)
	}
}

// Send queues frames for delivery. It never blocks: a full queue yields
// StatusWouldBlock and a missing or dropped connection yields StatusError.
// A dropped connection has also closed Done(), which is the signal the
// agent FSM reconnects on.
func (d *DealerSocket) Send(frames [][]byte) SendStatus {
	d.mu.Lock()
	connected := d.conn != nil
	sendCh := d.send
	d.mu.Unlock()
	if !connected {
		return StatusError
	}

	select {
	case sendCh <- frames:
		return StatusOK
	default:
		return StatusWouldBlock
	}
}

// Close tears down the current connection, if any.
func (d *DealerSocket) Close() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
