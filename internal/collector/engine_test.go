package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent map[wiresocket.PeerID][]protocol.Message
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{sent: make(map[wiresocket.PeerID][]protocol.Message)}
}

func (s *fakeSocket) Send(peer wiresocket.PeerID, frames [][]byte) wiresocket.SendStatus {
	msg, err := protocol.Decode(frames)
	if err != nil {
		return wiresocket.StatusError
	}
	s.mu.Lock()
	s.sent[peer] = append(s.sent[peer], msg)
	s.mu.Unlock()
	return wiresocket.StatusOK
}

func (s *fakeSocket) messagesTo(peer wiresocket.PeerID) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.sent[peer]))
	copy(out, s.sent[peer])
	return out
}

func (s *fakeSocket) countKind(peer wiresocket.PeerID, kind string) int {
	n := 0
	for _, m := range s.messagesTo(peer) {
		if metrics, ok := m.(protocol.Metrics); ok && metrics.Kind == kind {
			n++
		}
		if ctrl, ok := m.(protocol.Control); ok && ctrl.Kind == kind {
			n++
		}
	}
	return n
}

func newTestEngine() (*Engine, *fakeSocket, *fakeSocket, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	agentSock := newFakeSocket()
	clientSock := newFakeSocket()
	e := NewEngine(zerolog.Nop(), clock, agentSock, clientSock)
	return e, agentSock, clientSock, clock
}

func runEngine(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	return cancel
}

func drain(e *Engine) {
	// give the engine loop a moment to process queued sends between
	// synchronous test steps.
	time.Sleep(20 * time.Millisecond)
}

func encodeOrFatal(t *testing.T, msg protocol.Message) [][]byte {
	t.Helper()
	frames, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frames
}

// TestColdStartRecovery covers P6: a metrics frame for an unmodeled host
// triggers exactly one model re-request, and the frame still relays.
func TestColdStartRecovery(t *testing.T) {
	e, agentSock, clientSock, _ := newTestEngine()
	cancel := runEngine(t, e)
	defer cancel()

	grid := protocol.NewMetricGrid()
	e.OnClientRecv(encodeOrFatal(t, protocol.Control{Kind: protocol.KindHello}), "client-1")
	drain(e)

	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridMetrics}), "agent-1")
	drain(e)

	if got := agentSock.countKind("agent-1", protocol.KindModel); got != 1 {
		t.Fatalf("expected exactly one model re-request, got %d", got)
	}
	if got := clientSock.countKind("client-1", protocol.KindGridMetrics); got != 1 {
		t.Fatalf("expected the metrics frame to still relay, got %d deliveries", got)
	}
}

// TestSilentReconnect covers P5: a new peer claiming the same hostname
// evicts the old peer's identity and takes over hostname_to_peer.
func TestSilentReconnect(t *testing.T) {
	e, _, _, clock := newTestEngine()
	cancel := runEngine(t, e)
	defer cancel()

	grid := protocol.NewMetricGrid()
	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridModel}), "peer-old")
	drain(e)
	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridMetrics}), "peer-new")
	drain(e)

	_ = clock.Now()

	peers := e.agents.Peers()
	var sawOld, sawNew bool
	for _, p := range peers {
		if p.Peer == "peer-old" {
			sawOld = true
		}
		if p.Peer == "peer-new" {
			sawNew = true
		}
	}
	if sawOld {
		t.Fatalf("old peer identity should have been evicted on reconnect")
	}
	if !sawNew {
		t.Fatalf("new peer identity should be present")
	}
	if e.agents.hostnameToPeer["host-a"] != "peer-new" {
		t.Fatalf("hostname_to_peer should point at the new peer")
	}
}

// TestAgentLivenessSweep covers P1: an agent silent for more than
// StaleAgentWindow is evicted after one sweep; a live one survives.
func TestAgentLivenessSweep(t *testing.T) {
	e, agentSock, _, clock := newTestEngine()
	cancel := runEngine(t, e)
	defer cancel()

	grid := protocol.NewMetricGrid()
	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridModel}), "agent-1")
	drain(e)

	clock.Advance(AgentSweepInterval)
	drain(e)
	if got := agentSock.countKind("agent-1", protocol.KindPing); got == 0 {
		t.Fatalf("expected a ping on the first sweep for a live agent")
	}

	clock.Advance(StaleAgentWindow + time.Second)
	drain(e)

	for _, p := range e.agents.Peers() {
		if p.Peer == "agent-1" {
			t.Fatalf("stale agent should have been evicted")
		}
	}
	if e.agents.HasModel("host-a") {
		t.Fatalf("model cache entry should be dropped alongside the stale agent")
	}
}

// TestModelBootstrapOnHello covers P4: a client that says hello after the
// model cache is populated gets exactly one model frame per cached
// hostname, and none of those are live "metrics" frames.
func TestModelBootstrapOnHello(t *testing.T) {
	e, _, clientSock, _ := newTestEngine()
	cancel := runEngine(t, e)
	defer cancel()

	grid := protocol.NewMetricGrid()
	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridModel}), "agent-1")
	drain(e)

	e.OnClientRecv(encodeOrFatal(t, protocol.Control{Kind: protocol.KindHello}), "client-1")
	drain(e)

	if got := clientSock.countKind("client-1", protocol.KindGridModel); got != 1 {
		t.Fatalf("expected exactly one model frame on hello, got %d", got)
	}
	if got := clientSock.countKind("client-1", protocol.KindGridMetrics); got != 0 {
		t.Fatalf("expected no live metrics frames from a bare hello, got %d", got)
	}
}

// TestFanOutCompleteness covers P3: every client registered at dispatch
// time receives the metrics frame.
func TestFanOutCompleteness(t *testing.T) {
	e, _, clientSock, _ := newTestEngine()
	cancel := runEngine(t, e)
	defer cancel()

	e.OnClientRecv(encodeOrFatal(t, protocol.Control{Kind: protocol.KindHello}), "client-1")
	e.OnClientRecv(encodeOrFatal(t, protocol.Control{Kind: protocol.KindHello}), "client-2")
	drain(e)

	grid := protocol.NewMetricGrid()
	e.OnAgentRecv(encodeOrFatal(t, protocol.Metrics{Hostname: "host-a", Grid: grid, Kind: protocol.KindGridMetrics}), "agent-1")
	drain(e)

	if got := clientSock.countKind("client-1", protocol.KindGridMetrics); got != 1 {
		t.Fatalf("client-1 expected 1 metrics delivery, got %d", got)
	}
	if got := clientSock.countKind("client-2", protocol.KindGridMetrics); got != 1 {
		t.Fatalf("client-2 expected 1 metrics delivery, got %d", got)
	}
}
