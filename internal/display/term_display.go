package display

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/danielrobbins/hostbeacon/internal/protocol"
)

// TermDisplay renders messages to a terminal, colorizing hostnames and
// flagging missing samples the way an operator scanning a live feed needs.
type TermDisplay struct {
	out io.Writer

	hostColor *color.Color
	gapColor  *color.Color
	ctrlColor *color.Color
}

// NewTermDisplay returns a TermDisplay writing to out.
func NewTermDisplay(out io.Writer) *TermDisplay {
	return &TermDisplay{
		out:       out,
		hostColor: color.New(color.FgCyan, color.Bold),
		gapColor:  color.New(color.FgRed),
		ctrlColor: color.New(color.FgYellow),
	}
}

func (d *TermDisplay) Show(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Control:
		d.ctrlColor.Fprintf(d.out, "[control] %s\n", m.Kind)

	case protocol.Metrics:
		d.showGrid(m.Hostname, m.Kind, m.Grid)

	case protocol.ClientMetrics:
		hosts := make([]string, 0, len(m.Payload))
		for h := range m.Payload {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			d.showGrid(h, "snapshot", m.Payload[h])
		}
	}
}

func (d *TermDisplay) showGrid(hostname, kind string, grid protocol.MetricGrid) {
	d.hostColor.Fprintf(d.out, "%s", hostname)
	fmt.Fprintf(d.out, " (%s):", kind)

	rows := grid.PerHostRows[hostname]
	for i, name := range grid.MetricNames {
		if i >= len(rows) || rows[i] == nil {
			d.gapColor.Fprintf(d.out, " %s=-", name)
			continue
		}
		fmt.Fprintf(d.out, " %s=%s", name, formatValue(name, rows[i].Value))
	}
	fmt.Fprintln(d.out)
}

// formatValue renders mem.* readings (kilobytes, per the sampler) as
// human-readable sizes; everything else prints as a bare number.
func formatValue(metricName string, value float64) string {
	if strings.HasPrefix(metricName, "mem.") {
		return humanize.Bytes(uint64(value) * 1024)
	}
	return fmt.Sprintf("%g", value)
}
