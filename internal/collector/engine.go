package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// Sweep cadences and windows, fixed protocol constants (not configuration).
const (
	AgentSweepInterval  = 15 * time.Second
	StaleAgentWindow    = 30 * time.Second
	ClientSweepInterval = 5 * time.Second
	StaleClientWindow   = 30 * time.Second
	PingIdleWindow      = 20 * time.Second

	panicRecoveryDelay = 100 * time.Millisecond
	inboxSize          = 256
)

// socket is the subset of *wiresocket.RouterSocket the engine depends on,
// narrowed for substitution in tests.
type socket interface {
	Send(peer wiresocket.PeerID, frames [][]byte) wiresocket.SendStatus
}

type peerFrames struct {
	peer   wiresocket.PeerID
	frames [][]byte
}

// Engine owns both registries exclusively and is the only goroutine that
// ever mutates them, mirroring the upstream dashboard Hub's single-owner
// channel-fed loop.
type Engine struct {
	log   zerolog.Logger
	clock clockwork.Clock

	agentSocket  socket
	clientSocket socket

	agents  *AgentRegistry
	clients *ClientRegistry

	agentRecv        chan peerFrames
	agentDisconnect  chan wiresocket.PeerID
	clientRecv       chan peerFrames
	clientDisconnect chan wiresocket.PeerID
}

// NewEngine builds an Engine. agentSocket and clientSocket are the two
// RouterSockets bound to the agent and client endpoints respectively.
func NewEngine(log zerolog.Logger, clock clockwork.Clock, agentSocket, clientSocket socket) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		log:              log.With().Str("component", "collector_engine").Logger(),
		clock:            clock,
		agentSocket:      agentSocket,
		clientSocket:     clientSocket,
		agents:           NewAgentRegistry(),
		clients:          NewClientRegistry(),
		agentRecv:        make(chan peerFrames, inboxSize),
		agentDisconnect:  make(chan wiresocket.PeerID, inboxSize),
		clientRecv:       make(chan peerFrames, inboxSize),
		clientDisconnect: make(chan wiresocket.PeerID, inboxSize),
	}
}

// OnAgentRecv is wired as the agent RouterSocket's RecvHandler.
func (e *Engine) OnAgentRecv(frames [][]byte, peer wiresocket.PeerID) {
	select {
	case e.agentRecv <- peerFrames{peer, frames}:
	default:
		e.log.Warn().Msg("agent inbox full, dropping frame")
	}
}

// OnAgentDisconnect is wired as the agent RouterSocket's onDisconnect hook.
func (e *Engine) OnAgentDisconnect(peer wiresocket.PeerID) {
	select {
	case e.agentDisconnect <- peer:
	default:
	}
}

// OnClientRecv is wired as the client RouterSocket's RecvHandler.
func (e *Engine) OnClientRecv(frames [][]byte, peer wiresocket.PeerID) {
	select {
	case e.clientRecv <- peerFrames{peer, frames}:
	default:
		e.log.Warn().Msg("client inbox full, dropping frame")
	}
}

// OnClientDisconnect is wired as the client RouterSocket's onDisconnect hook.
func (e *Engine) OnClientDisconnect(peer wiresocket.PeerID) {
	select {
	case e.clientDisconnect <- peer:
	default:
	}
}

// Run drives the engine until ctx is cancelled, recovering from and
// restarting after any panic in the processing loop.
func (e *Engine) Run(ctx context.Context) {
	for {
		if err := e.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return
			}
			e.log.Error().Err(err).Msg("engine loop crashed, restarting")
			time.Sleep(panicRecoveryDelay)
			continue
		}
		return
	}
}

func (e *Engine) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector engine panic: %v\n%s", r, debug.Stack())
		}
	}()

	agentSweep := e.clock.NewTicker(AgentSweepInterval)
	defer agentSweep.Stop()
	clientSweep := e.clock.NewTicker(ClientSweepInterval)
	defer clientSweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pf := <-e.agentRecv:
			e.handleAgentFrame(pf.peer, pf.frames)

		case peer := <-e.agentDisconnect:
			e.agents.Evict(peer)

		case pf := <-e.clientRecv:
			e.handleClientFrame(pf.peer, pf.frames)

		case peer := <-e.clientDisconnect:
			e.clients.Evict(peer)

		case <-agentSweep.Chan():
			e.sweepAgents()

		case <-clientSweep.Chan():
			e.sweepClients()
		}
	}
}

func (e *Engine) handleAgentFrame(peer wiresocket.PeerID, frames [][]byte) {
	now := e.clock.Now()
	e.agents.Touch(peer, now)

	msg, err := protocol.Decode(frames)
	if err != nil {
		e.log.Info().Err(err).Msg("dropping malformed agent frame")
		return
	}

	switch m := msg.(type) {
	case protocol.Control:
		if m.Kind == protocol.KindHello {
			e.sendToAgent(peer, protocol.Control{Kind: protocol.KindModel})
		}

	case protocol.Metrics:
		e.agents.Reconcile(m.Hostname, peer)

		if m.Kind == protocol.KindGridModel {
			e.agents.SetModel(m.Hostname, m)
		} else if m.Kind == protocol.KindGridMetrics && !e.agents.HasModel(m.Hostname) {
			e.sendToAgent(peer, protocol.Control{Kind: protocol.KindModel})
		}

		e.relay(m)
	}
}

func (e *Engine) handleClientFrame(peer wiresocket.PeerID, frames [][]byte) {
	now := e.clock.Now()
	e.clients.Touch(peer, now)

	msg, err := protocol.Decode(frames)
	if err != nil {
		e.log.Info().Err(err).Msg("dropping malformed client frame")
		return
	}

	ctrl, ok := msg.(protocol.Control)
	if !ok || ctrl.Kind != protocol.KindHello {
		return
	}

	for _, model := range e.agents.ModelSnapshot() {
		e.sendToClient(peer, model)
	}
	e.clients.MarkSent(peer, now)
}

// relay is invoked synchronously from the agent receive path so one frame
// reaches every registered client before the next frame is processed.
func (e *Engine) relay(m protocol.Metrics) {
	frames, err := protocol.Encode(m)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode metrics for relay")
		return
	}
	now := e.clock.Now()
	for _, peer := range e.clients.Peers() {
		e.clientSocket.Send(peer, frames)
		e.clients.MarkSent(peer, now)
	}
}

func (e *Engine) sweepAgents() {
	now := e.clock.Now()
	var stale []wiresocket.PeerID
	for _, ps := range e.agents.Peers() {
		if now.Sub(ps.LastSeen) > StaleAgentWindow {
			stale = append(stale, ps.Peer)
		} else {
			e.sendToAgent(ps.Peer, protocol.Control{Kind: protocol.KindPing})
		}
	}
	for _, peer := range stale {
		e.agents.Evict(peer)
	}
}

func (e *Engine) sweepClients() {
	now := e.clock.Now()
	var stale []wiresocket.PeerID
	for _, c := range e.clients.SweepSnapshot() {
		if now.Sub(c.LastSeen) > StaleClientWindow {
			stale = append(stale, c.Peer)
			continue
		}
		if !c.HaveSent || now.Sub(c.LastSent) > PingIdleWindow {
			e.sendToClient(c.Peer, protocol.Control{Kind: protocol.KindPing})
			e.clients.MarkSent(c.Peer, now)
		}
	}
	for _, peer := range stale {
		e.clients.Evict(peer)
	}
}

func (e *Engine) sendToAgent(peer wiresocket.PeerID, msg protocol.Message) {
	frames, err := protocol.Encode(msg)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode message to agent")
		return
	}
	e.agentSocket.Send(peer, frames)
}

func (e *Engine) sendToClient(peer wiresocket.PeerID, msg protocol.Message) {
	frames, err := protocol.Encode(msg)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode message to client")
		return
	}
	e.clientSocket.Send(peer, frames)
}
