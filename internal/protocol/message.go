// Package protocol defines the four framed message shapes exchanged between
// Agent, Collector, and Client, and the codec that turns them into the raw
// byte frames carried by internal/wiresocket.
package protocol

import "errors"

// Frame 0 tags, one per wire variant.
const (
	tagControl       = "CTRL"
	tagMetrics       = "METR"
	tagClientMetrics = "CMET"
)

// Control message kinds (frame 1 of a Control message).
const (
	KindHello = "hello"
	KindModel = "model"
	KindPing  = "ping"
)

// Metrics "kind" flags (frame 3 of a Metrics message).
const (
	KindGridModel   = "model"
	KindGridMetrics = "metrics"
)

// Errors returned by Decode. Every one of them means "discard the frame,
// keep the connection" — none is fatal.
var (
	ErrUnknownTag  = errors.New("protocol: unrecognized frame tag")
	ErrBadArity    = errors.New("protocol: wrong number of frames for tag")
	ErrBadUTF8     = errors.New("protocol: frame is not valid UTF-8")
	ErrBadJSON     = errors.New("protocol: frame is not valid JSON")
	ErrBadGridKind = errors.New("protocol: metrics kind must be model or metrics")
)

// Message is the tagged-variant envelope exchanged between Agent, Collector,
// and Client. Exactly three concrete variants exist today; Decode returns
// ErrUnknownTag for anything else instead of failing the connection, leaving
// room for a future variant to be added without breaking old peers.
type Message interface {
	// frames returns the wire representation, frame 0 (the tag) included.
	frames() ([][]byte, error)
}

// Control carries a bare liveness/handshake signal: "hello", "model", or
// "ping". Unrecognized kinds still decode successfully: the Agent and
// Collector connection loops treat any unrecognized Control as pure
// liveness, so the kind string itself is never validated against a closed
// set here.
type Control struct {
	Kind string
}

func (c Control) frames() ([][]byte, error) {
	return [][]byte{[]byte(tagControl), []byte(c.Kind)}, nil
}

// Metrics carries one host's MetricGrid, tagged as "model" (slow-changing
// attributes) or "metrics" (fast-changing samples).
type Metrics struct {
	Hostname string
	Grid     MetricGrid
	Kind     string
}

func (m Metrics) frames() ([][]byte, error) {
	if m.Kind != KindGridModel && m.Kind != KindGridMetrics {
		return nil, ErrBadGridKind
	}
	gridJSON, err := m.Grid.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return [][]byte{[]byte(tagMetrics), []byte(m.Hostname), gridJSON, []byte(m.Kind)}, nil
}

// ClientMetrics is the reserved aggregate form: a single frame carrying
// every host's grid keyed by hostname, with its wire encoding ready to go,
// but never emitted by the Collector today — a placeholder for a future
// bulk-snapshot reply.
type ClientMetrics struct {
	Payload map[string]MetricGrid
}

func (c ClientMetrics) frames() ([][]byte, error) {
	data, err := marshalPayload(c.Payload)
	if err != nil {
		return nil, err
	}
	return [][]byte{[]byte(tagClientMetrics), data}, nil
}
