// Package trace records each compiled block's guest entry point and host
// machine code to a compressed trace file, gated behind the trace build
// tag as described in spec.md section 6. Under !trace it is a
// zero-cost no-op writer.
package trace

// Sink accepts trace events. internal/codegen holds one unconditionally
// and internal/cpu closes it; whether it does anything depends on the
// trace build tag.
type Sink interface {
	// BlockCompiled records a freshly compiled block's guest entry
	// point and host machine code for later disassembly.
	BlockCompiled(entry uint32, hostCode []byte)
	// Close flushes and closes the underlying trace file, if any.
	Close() error
}
