package protocol

import "unicode/utf8"

// Encode turns a Message into its ordered wire frames.
func Encode(m Message) ([][]byte, error) {
	return m.frames()
}

// Decode turns wire frames back into a Message. It never tears down the
// connection: every failure mode returns one of the Err* sentinels declared
// in message.go so
// the caller can log the frame and discard it.
func Decode(frames [][]byte) (Message, error) {
	if len(frames) == 0 {
		return nil, ErrBadArity
	}
	switch string(frames[0]) {
	case tagControl:
		if len(frames) != 2 {
			return nil, ErrBadArity
		}
		if !utf8.Valid(frames[1]) {
			return nil, ErrBadUTF8
		}
		return Control{Kind: string(frames[1])}, nil

	case tagMetrics:
		if len(frames) != 4 {
			return nil, ErrBadArity
		}
		if !utf8.Valid(frames[1]) || !utf8.Valid(frames[3]) {
			return nil, ErrBadUTF8
		}
		kind := string(frames[3])
		if kind != KindGridModel && kind != KindGridMetrics {
			return nil, ErrBadGridKind
		}
		var grid MetricGrid
		if err := grid.UnmarshalJSON(frames[2]); err != nil {
			return nil, ErrBadJSON
		}
		return Metrics{Hostname: string(frames[1]), Grid: grid, Kind: kind}, nil

	case tagClientMetrics:
		if len(frames) != 2 {
			return nil, ErrBadArity
		}
		payload, err := unmarshalPayload(frames[1])
		if err != nil {
			return nil, ErrBadJSON
		}
		return ClientMetrics{Payload: payload}, nil

	default:
		return nil, ErrUnknownTag
	}
}
