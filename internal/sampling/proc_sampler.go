package sampling

import (
	"strconv"
	"strings"

	"github.com/danielrobbins/hostbeacon/internal/protocol"
)

// subCollector mirrors the small collector hierarchy the original Python
// metrics module used: each one knows how to turn a Host's raw /proc
// contents into a handful of named samples, split between recurring
// "metrics" and slow-changing "attributes" (folded here into the model
// kind).
type subCollector interface {
	samples(h Host, kind string) []Sample
}

// ProcSampler is the default Sampler: it reads /proc/uptime and
// /proc/meminfo, the same two sources the original UptimeCollector and
// MeminfoCollector used.
type ProcSampler struct {
	host       Host
	collectors []subCollector
}

// NewProcSampler returns a ProcSampler bound to host.
func NewProcSampler(host Host) *ProcSampler {
	return &ProcSampler{
		host:       host,
		collectors: []subCollector{uptimeCollector{}, meminfoCollector{}},
	}
}

func (p *ProcSampler) GetSamples(kind string) ([]Sample, error) {
	if kind != protocol.KindGridModel && kind != protocol.KindGridMetrics {
		return nil, nil
	}
	var out []Sample
	for _, c := range p.collectors {
		out = append(out, c.samples(p.host, kind)...)
	}
	return out, nil
}

type uptimeCollector struct{}

func (uptimeCollector) samples(h Host, kind string) []Sample {
	if kind != protocol.KindGridMetrics {
		return nil
	}
	data, ok := h.ReadFile("/proc/uptime")
	if !ok {
		return nil
	}
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return nil
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	return []Sample{{MetricKey: "sys.uptime", Value: value, Timestamp: h.Now()}}
}

// meminfoMetricKeys maps a /proc/meminfo field name to (wire key, is-model).
var meminfoMetricKeys = map[string]struct {
	key     string
	isModel bool
}{
	"MemFree":      {"mem.free", false},
	"MemAvailable": {"mem.avail", false},
	"Buffers":      {"mem.buffers", false},
	"Cached":       {"mem.cached", false},
	"Dirty":        {"mem.dirty", false},
	"Writeback":    {"mem.writeback", false},
	"SwapFree":     {"mem.swap.free", false},
	"MemTotal":     {"mem.total", true},
	"SwapTotal":    {"mem.swap.total", true},
}

type meminfoCollector struct{}

func (meminfoCollector) samples(h Host, kind string) []Sample {
	data, ok := h.ReadFile("/proc/meminfo")
	if !ok {
		return nil
	}
	ts := h.Now()
	wantModel := kind == protocol.KindGridModel

	var out []Sample
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[0], ":")
		def, known := meminfoMetricKeys[name]
		if !known || def.isModel != wantModel {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		out = append(out, Sample{MetricKey: def.key, Value: value, Timestamp: ts})
	}
	return out
}
