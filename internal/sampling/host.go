// Package sampling collects local host samples for the Agent to push, and
// defines Host and Sampler as the abstract collaborators the core FSM talks
// to: what gets sampled and how is swappable, the push cadence and framing
// around it is not.
package sampling

import (
	"os"
	"strings"
	"time"
)

// Host identifies the machine being sampled and provides the handful of
// system-file reads every Sampler needs.
type Host struct {
	Hostname string
}

// NewHost resolves the local hostname, stripping any domain suffix the way
// the upstream metrics collector did (it preferred the FQDN but fell back to
// the bare name; this keeps only the leftmost label either way).
func NewHost() (Host, error) {
	name, err := os.Hostname()
	if err != nil {
		return Host{}, err
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return Host{Hostname: name}, nil
}

// Now returns the current time as a Unix-epoch float, matching the
// timestamp representation MetricRow carries on the wire.
func (Host) Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ReadFile returns the contents of path, or "" if it cannot be read. Sample
// collectors use this for /proc reads that may legitimately be absent on a
// given kernel.
func (Host) ReadFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
