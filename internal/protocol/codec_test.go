package protocol

import (
	"reflect"
	"testing"
)

// TestRoundTrip checks decode(encode(m)) == m for every message variant.
func TestRoundTrip(t *testing.T) {
	grid := NewMetricGrid()
	grid.MetricNames = []string{"sys.uptime", "mem.free"}
	grid.PerHostRows["例え.example"] = []*MetricRow{
		{Value: 12.5, Timestamp: 1000},
		nil,
	}

	cases := []struct {
		name string
		msg  Message
	}{
		{"control-hello", Control{Kind: KindHello}},
		{"control-ping", Control{Kind: KindPing}},
		{"control-unknown-kind", Control{Kind: "future-kind"}},
		{"metrics-model", Metrics{Hostname: "例え.example", Grid: grid, Kind: KindGridModel}},
		{"metrics-metrics", Metrics{Hostname: "host-a", Grid: NewMetricGrid(), Kind: KindGridMetrics}},
		{"client-metrics", ClientMetrics{Payload: map[string]MetricGrid{"host-a": grid}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frames, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := Decode(frames)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, tc.msg) {
				t.Fatalf("round-trip mismatch:\n got: %#v\nwant: %#v", decoded, tc.msg)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name   string
		frames [][]byte
		want   error
	}{
		{"empty", [][]byte{}, ErrBadArity},
		{"unknown-tag", [][]byte{[]byte("NOPE"), []byte("x")}, ErrUnknownTag},
		{"control-wrong-arity", [][]byte{[]byte("CTRL")}, ErrBadArity},
		{"control-extra-frame", [][]byte{[]byte("CTRL"), []byte("hello"), []byte("extra")}, ErrBadArity},
		{"metrics-wrong-arity", [][]byte{[]byte("METR"), []byte("h")}, ErrBadArity},
		{"metrics-bad-json", [][]byte{[]byte("METR"), []byte("h"), []byte("{not json"), []byte("model")}, ErrBadJSON},
		{"metrics-bad-kind", [][]byte{[]byte("METR"), []byte("h"), []byte("{}"), []byte("bogus")}, ErrBadGridKind},
		{"cmet-bad-json", [][]byte{[]byte("CMET"), []byte("not json")}, ErrBadJSON},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frames)
			if err != tc.want {
				t.Fatalf("got err %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeRejectsBadGridKind(t *testing.T) {
	_, err := Encode(Metrics{Hostname: "h", Grid: NewMetricGrid(), Kind: "bogus"})
	if err != ErrBadGridKind {
		t.Fatalf("got %v, want ErrBadGridKind", err)
	}
}
