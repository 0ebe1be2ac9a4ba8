// Package agent implements the per-host connection state machine: dial the
// Collector, hand over samples on request, keep pushing on a steady cadence,
// and reconnect the moment the link looks stale.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/danielrobbins/hostbeacon/internal/keys"
	"github.com/danielrobbins/hostbeacon/internal/protocol"
	"github.com/danielrobbins/hostbeacon/internal/sampling"
	"github.com/danielrobbins/hostbeacon/internal/wiresocket"
)

// State is one node of the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingModelRequest
	StateStreaming
	StateStaleDetected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingModelRequest:
		return "awaiting_model_request"
	case StateStreaming:
		return "streaming"
	case StateStaleDetected:
		return "stale_detected"
	default:
		return "unknown"
	}
}

// Tunable cadence constants. These are protocol constants, not
// configuration: every Agent in the fleet runs the same values.
const (
	PushInterval         = 5 * time.Second
	LivenessInterval     = 30 * time.Second
	StaleWindow          = 30 * time.Second
	ModelRequestDebounce = 5 * time.Second
)

// Config bundles an FSM's collaborators.
type Config struct {
	Log           zerolog.Logger
	Clock         clockwork.Clock
	CollectorURL  string
	KeyProvider   keys.Provider
	Sampler       sampling.Sampler
	Host          sampling.Host
	DialerFactory func(onRecv wiresocket.RecvHandler) (dealer, error)
}

// dealer is the subset of *wiresocket.DealerSocket the FSM depends on,
// narrowed so tests can substitute an in-memory pair.
type dealer interface {
	Connect(ctx context.Context) error
	Send(frames [][]byte) wiresocket.SendStatus
	Done() <-chan struct{}
	Close()
}

// FSM drives one agent's connection lifecycle until ctx is cancelled.
type FSM struct {
	cfg    Config
	log    zerolog.Logger
	clock  clockwork.Clock
	recvCh chan [][]byte

	conn dealer

	lastCollectorMsgAt   time.Time
	haveLastCollectorMsg bool
	lastModelRequestAt   time.Time
	haveLastModelRequest bool
	pushTicker           clockwork.Ticker
	livenessTicker       clockwork.Ticker
}

// New builds an FSM from cfg. If cfg.Clock is nil, the real wall clock is
// used.
func New(cfg Config) *FSM {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FSM{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "agent_fsm").Logger(),
		clock:  clock,
		recvCh: make(chan [][]byte, 64),
	}
}

// Run drives the state machine until ctx is cancelled.
func (f *FSM) Run(ctx context.Context) error {
	state := StateDisconnected
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 1 * time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state {
		case StateDisconnected:
			state = StateConnecting

		case StateConnecting:
			if err := f.connect(ctx); err != nil {
				f.log.Warn().Err(err).Msg("connect failed, retrying")
				wait := retry.NextBackOff()
				select {
				case <-f.clock.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			retry.Reset()
			state = StateAwaitingModelRequest

		case StateAwaitingModelRequest, StateStreaming:
			next, err := f.runConnected(ctx, state)
			if err != nil {
				return err
			}
			state = next

		case StateStaleDetected:
			f.teardown()
			state = StateDisconnected
		}
	}
}

func (f *FSM) connect(ctx context.Context) error {
	onRecv := func(frames [][]byte, _ wiresocket.PeerID) {
		select {
		case f.recvCh <- frames:
		default:
			f.log.Warn().Msg("receive queue full, dropping frame")
		}
	}

	var conn dealer
	var err error
	if f.cfg.DialerFactory != nil {
		conn, err = f.cfg.DialerFactory(onRecv)
		if err != nil {
			return err
		}
	} else {
		localPub, localSec, err := f.cfg.KeyProvider.LoadLocalKeypair(keys.RoleAgent)
		if err != nil {
			return fmt.Errorf("load local keypair: %w", err)
		}
		collectorPub, err := f.cfg.KeyProvider.LoadRemotePublic(keys.RoleCollector)
		if err != nil {
			return fmt.Errorf("load collector public key: %w", err)
		}
		conn = wiresocket.NewDealerSocket(f.log, f.cfg.CollectorURL, localPub, localSec, collectorPub, onRecv)
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	f.conn = conn

	f.haveLastCollectorMsg = false
	f.haveLastModelRequest = false

	if st := conn.Send(mustEncode(protocol.Control{Kind: protocol.KindHello})); st != wiresocket.StatusOK {
		f.log.Warn().Msg("failed to send initial hello")
	}

	f.livenessTicker = f.clock.NewTicker(LivenessInterval)
	return nil
}

// runConnected handles one AwaitingModelRequest/Streaming iteration: a
// single select covering the receive queue, both timers, and the transport
// dropping out from under us.
func (f *FSM) runConnected(ctx context.Context, state State) (State, error) {
	var pushChan <-chan time.Time
	if f.pushTicker != nil {
		pushChan = f.pushTicker.Chan()
	}

	select {
	case <-ctx.Done():
		return state, ctx.Err()

	case <-f.conn.Done():
		return StateStaleDetected, nil

	case frames := <-f.recvCh:
		f.lastCollectorMsgAt = f.clock.Now()
		f.haveLastCollectorMsg = true

		msg, err := protocol.Decode(frames)
		if err != nil {
			f.log.Info().Err(err).Msg("dropping malformed frame")
			return state, nil
		}
		return f.handleMessage(state, msg), nil

	case <-f.livenessTicker.Chan():
		if !f.haveLastCollectorMsg || f.clock.Since(f.lastCollectorMsgAt) > StaleWindow {
			return StateStaleDetected, nil
		}
		return state, nil

	case <-pushChan:
		if state == StateStreaming {
			f.pushModel(protocol.KindGridMetrics)
		}
		return state, nil
	}
}

func (f *FSM) handleMessage(state State, msg protocol.Message) State {
	ctrl, ok := msg.(protocol.Control)
	if !ok {
		return state
	}
	if ctrl.Kind != protocol.KindModel {
		return state
	}

	if f.haveLastModelRequest && f.clock.Since(f.lastModelRequestAt) < ModelRequestDebounce {
		return state
	}

	f.lastModelRequestAt = f.clock.Now()
	f.haveLastModelRequest = true
	f.pushModel(protocol.KindGridModel)

	if f.pushTicker == nil {
		f.pushTicker = f.clock.NewTicker(PushInterval)
	}
	return StateStreaming
}

func (f *FSM) pushModel(kind string) {
	samples, err := f.cfg.Sampler.GetSamples(kind)
	if err != nil {
		f.log.Warn().Err(err).Str("kind", kind).Msg("sampling failed")
		return
	}
	grid := sampling.BuildGrid(f.cfg.Host.Hostname, samples)
	metrics := protocol.Metrics{Hostname: f.cfg.Host.Hostname, Grid: grid, Kind: kind}

	frames, err := protocol.Encode(metrics)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to encode metrics, dropping push")
		return
	}
	if st := f.conn.Send(frames); st != wiresocket.StatusOK {
		f.log.Debug().Str("status", sendStatusString(st)).Msg("push not delivered")
	}
}

func (f *FSM) teardown() {
	if f.pushTicker != nil {
		f.pushTicker.Stop()
		f.pushTicker = nil
	}
	if f.livenessTicker != nil {
		f.livenessTicker.Stop()
		f.livenessTicker = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func mustEncode(msg protocol.Message) [][]byte {
	frames, err := protocol.Encode(msg)
	if err != nil {
		panic(fmt.Sprintf("agent: encoding a Control message should never fail: %v", err))
	}
	return frames
}

func sendStatusString(st wiresocket.SendStatus) string {
	switch st {
	case wiresocket.StatusOK:
		return "ok"
	case wiresocket.StatusWouldBlock:
		return "would_block"
	default:
		return "error"
	}
}
