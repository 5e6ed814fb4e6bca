// Package stats exposes CPU counters through an explicit descriptor
// table, gated behind the statistics build tag. Under !statistics the
// whole registry compiles down to a no-op, matching the source project's
// #ifdef STATISTICS knob (spec.md section 6, "compile-time conditional,
// not runtime-configurable").
package stats

// Field is one named, lazily-read statistic. Read is called on demand
// (by Snapshot, which Print and PrintStatistics use), never on every
// instruction; a Prometheus scrape sees the values of the last Snapshot.
type Field struct {
	Name string
	Read func() any
}
