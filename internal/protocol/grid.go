package protocol

import "encoding/json"

// MetricRow is one (value, timestamp) sample. A nil *MetricRow means this
// host has no sample for the metric name at the same position in MetricNames.
type MetricRow struct {
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// MetricGrid is the opaque structured payload carried inside a Metrics
// message: an ordered list of metric names, and for each host an ordered
// list of rows (or null) aligned to that same name order. The core never
// inspects the contents, only the hostname/kind flags that travel alongside
// it on the wire.
type MetricGrid struct {
	MetricNames []string               `json:"metric_names"`
	PerHostRows map[string][]*MetricRow `json:"per_host_rows"`
}

// NewMetricGrid returns an empty grid ready for samples to be added.
func NewMetricGrid() MetricGrid {
	return MetricGrid{PerHostRows: make(map[string][]*MetricRow)}
}

func (g MetricGrid) MarshalJSON() ([]byte, error) {
	type alias MetricGrid
	return json.Marshal(alias(g))
}

func (g *MetricGrid) UnmarshalJSON(data []byte) error {
	type alias MetricGrid
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = MetricGrid(a)
	if g.PerHostRows == nil {
		g.PerHostRows = make(map[string][]*MetricRow)
	}
	return nil
}

func marshalPayload(payload map[string]MetricGrid) ([]byte, error) {
	return json.Marshal(payload)
}

func unmarshalPayload(data []byte) (map[string]MetricGrid, error) {
	var payload map[string]MetricGrid
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
