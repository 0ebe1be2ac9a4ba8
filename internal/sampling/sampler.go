package sampling

import "github.com/danielrobbins/hostbeacon/internal/protocol"

// Sample is one metric reading, ready to be folded into a MetricGrid.
type Sample struct {
	MetricKey string
	Value     float64
	Timestamp float64
}

// Sampler produces samples of either kind: protocol.KindGridModel for
// slow-changing attributes (sent once per connection and on explicit
// re-request) or protocol.KindGridMetrics for the recurring push.
type Sampler interface {
	GetSamples(kind string) ([]Sample, error)
}

// BuildGrid folds samples into the wire grid shape: an ordered metric-name
// list and, for this single host, one row per name in that same order.
func BuildGrid(hostname string, samples []Sample) protocol.MetricGrid {
	grid := protocol.NewMetricGrid()
	names := make([]string, 0, len(samples))
	rows := make([]*protocol.MetricRow, 0, len(samples))
	for _, s := range samples {
		names = append(names, s.MetricKey)
		rows = append(rows, &protocol.MetricRow{Value: s.Value, Timestamp: s.Timestamp})
	}
	grid.MetricNames = names
	grid.PerHostRows[hostname] = rows
	return grid
}
