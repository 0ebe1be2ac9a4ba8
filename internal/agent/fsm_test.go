package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/keys"
	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/sampling"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// fakeDealer is an in-memory stand-in for *wiresocket.DealerSocket: Connect
// always succeeds, Send records frames instead of touching a network, and
// the test drives message delivery directly through onRecv.
type fakeDealer struct {
	mu     sync.Mutex
	sent   []protocol.Message
	done   chan struct{}
	onRecv wiresocket.RecvHandler
}

func newFakeDealer(onRecv wiresocket.RecvHandler) *fakeDealer {
	return &fakeDealer{done: make(chan struct{}), onRecv: onRecv}
}

func (f *fakeDealer) Connect(ctx context.Context) error { return nil }

func (f *fakeDealer) Send(frames [][]byte) wiresocket.SendStatus {
	msg, err := protocol.Decode(frames)
	if err != nil {
		return wiresocket.StatusError
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return wiresocket.StatusOK
}

func (f *fakeDealer) Done() <-chan struct{} { return f.done }
func (f *fakeDealer) Close()                {}

func (f *fakeDealer) deliver(msg protocol.Message) {
	frames, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	f.onRecv(frames, "")
}

func (f *fakeDealer) sentCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if metrics, ok := m.(protocol.Metrics); ok && metrics.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSampler struct{}

func (fakeSampler) GetSamples(kind string) ([]sampling.Sample, error) {
	return []sampling.Sample{{MetricKey: "sys.uptime", Value: 1, Timestamp: 1}}, nil
}

func newTestFSM(t *testing.T, clock clockwork.Clock) (*FSM, *fakeDealer) {
	t.Helper()
	var dealerRef *fakeDealer
	cfg := Config{
		Log:     zerolog.Nop(),
		Clock:   clock,
		Sampler: fakeSampler{},
		Host:    sampling.Host{Hostname: "test-host"},
		DialerFactory: func(onRecv wiresocket.RecvHandler) (dealer, error) {
			dealerRef = newFakeDealer(onRecv)
			return dealerRef, nil
		},
	}
	f := New(cfg)
	// KeyProvider/collector URL are only touched by the default dial path;
	// DialerFactory bypasses both, so a zero-value Config is fine here.
	return f, nil /* filled in once Run starts, see waitForDealer */
}

func waitForDealer(t *testing.T, f *FSM) *fakeDealer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fd, ok := f.conn.(*fakeDealer); ok {
			return fd
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for FSM to connect")
	return nil
}

// TestDebounce covers the property that repeated Control{"model"} messages
// inside the debounce window produce at most one model push.
func TestDebounce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f, _ := newTestFSM(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	fd := waitForDealer(t, f)

	fd.deliver(protocol.Control{Kind: protocol.KindModel})
	fd.deliver(protocol.Control{Kind: protocol.KindModel})
	fd.deliver(protocol.Control{Kind: protocol.KindModel})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fd.sentCount(protocol.KindGridModel) == 0 {
		time.Sleep(time.Millisecond)
	}

	if got := fd.sentCount(protocol.KindGridModel); got != 1 {
		t.Fatalf("expected exactly 1 model push inside the debounce window, got %d", got)
	}
}

// TestStreamingStartsAfterFirstModel checks the push timer only starts once
// the agent has answered at least one model request.
func TestStreamingStartsAfterFirstModel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f, _ := newTestFSM(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	fd := waitForDealer(t, f)

	clock.Advance(PushInterval * 3)
	time.Sleep(20 * time.Millisecond)
	if got := fd.sentCount(protocol.KindGridMetrics); got != 0 {
		t.Fatalf("expected no metrics push before any model request, got %d", got)
	}

	fd.deliver(protocol.Control{Kind: protocol.KindModel})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fd.sentCount(protocol.KindGridModel) == 0 {
		time.Sleep(time.Millisecond)
	}

	clock.Advance(PushInterval)
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fd.sentCount(protocol.KindGridMetrics) == 0 {
		time.Sleep(time.Millisecond)
	}
	if got := fd.sentCount(protocol.KindGridMetrics); got == 0 {
		t.Fatalf("expected at least one metrics push after model bootstrap + one tick")
	}
}
