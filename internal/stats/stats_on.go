//go:build statistics

package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects Fields and, under this build, mirrors numeric ones
// into a Prometheus gauge vector, one gauge per field name, each time
// Snapshot runs. It mirrors only fields registered with Add;
// internal/cpu registers cycles, blocks_compiled and cache_generation.
type Registry struct {
	fields []Field
	gauges *prometheus.GaugeVec
}

// New returns a Registry and registers its gauge vector with the default
// Prometheus registry.
func New() *Registry {
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "allegrex",
		Subsystem: "cpu",
		Name:      "field",
		Help:      "Named CPU counters exposed by internal/stats.",
	}, []string{"name"})
	prometheus.MustRegister(gauges)
	return &Registry{gauges: gauges}
}

// Add registers a field for later Snapshot/Print calls.
func (r *Registry) Add(f Field) {
	r.fields = append(r.fields, f)
}

// Snapshot reads every field once and mirrors numeric results into the
// Prometheus gauge vector, returning the same values as a map for
// PrintStatistics.
func (r *Registry) Snapshot() map[string]any {
	out := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		v := f.Read()
		out[f.Name] = v
		if n, ok := toFloat(v); ok {
			r.gauges.WithLabelValues(f.Name).Set(n)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Print writes a human-readable dump of every field to stdout, matching
// the source's PrintStatistics behavior.
func (r *Registry) Print() {
	for name, v := range r.Snapshot() {
		fmt.Printf("%-32s %v\n", name, v)
	}
}
