// Package cpustate holds the guest register file every other component
// addresses by pointer: the decoder, block builder, code generator, code
// cache, dispatcher, syscall shim layer, and scheduler hook all read or
// write through a *cpustate.Context without owning one themselves. The
// top-level CPU facade that ties all of those together lives one layer
// up, in internal/cpu, and depends on this package rather than the
// other way around.
package cpustate

import "sync/atomic"

// Context is the guest register file. Generated code addresses its
// fields by constant offset through a pinned base-pointer register, so
// field order here is load-bearing: reordering it invalidates every
// compiled block until the cache is flushed. Callers must obtain a
// Context via NewContext, which guarantees the 16-byte alignment
// generated loads/stores assume.
type Context struct {
	GPR [32]uint32
	HI  uint32
	LO  uint32
	PC  uint32
	NextPC uint32

	// Coprocessor-0 subset: status, cause, and exception PC.
	Status uint32
	Cause  uint32
	EPC    uint32

	// Coprocessor-1: 32 single-precision registers plus the FCR31
	// control/status register (bit 23 is the FPU condition flag).
	FPR   [32]uint32
	FCR31 uint32

	// BreakFlag is set by an out-of-band request (debugger hook,
	// cooperative Stop) and read both by the dispatcher between blocks
	// and, directly by field offset, by generated code deciding whether
	// to take a chained tail jump or fall back to a RET — a chained
	// self-loop would otherwise never return control to Go at all.
	// Always accessed through sync/atomic; a plain field (not
	// atomic.Bool) is used because generated code addresses it by raw
	// offset and atomic.Bool's internal layout is not part of its API.
	BreakFlag uint32

	// Cycles is a monotonic count of guest instructions retired,
	// including delay slots. Incremented inline by generated code, once
	// per block entry, by the block's own instruction count (see
	// internal/codegen's offCycles use). Read by internal/stats. A
	// 32-bit counter wraps at roughly 4 billion retired instructions;
	// that is acceptable for a statistics field and keeps the inline
	// increment a single 32-bit load/add/store, matching every other
	// field generated code touches by raw offset.
	Cycles uint32
}

// SetBreakPending atomically requests a cooperative stop.
func (c *Context) SetBreakPending(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&c.BreakFlag, n)
}

// BreakPending atomically reports whether a stop has been requested.
func (c *Context) BreakPending() bool {
	return atomic.LoadUint32(&c.BreakFlag) != 0
}

// contextAlign is the alignment generated code assumes for the base
// pointer loaded into the pinned context register.
const contextAlign = 16

// NewContext allocates a zeroed Context. Every field is a uint32, so no
// field forces contextAlign; the 16-byte alignment comes from the Go
// allocator's size classes for an object this large, verified by
// context_test.go rather than assumed.
func NewContext() *Context {
	return &Context{}
}

// Reset zeroes all registers and pending state without reallocating,
// used when SetupGame reloads a boot image into an already-constructed
// CPU.
func (c *Context) Reset() {
	c.GPR = [32]uint32{}
	c.HI, c.LO = 0, 0
	c.PC, c.NextPC = 0, 0
	c.Status, c.Cause, c.EPC = 0, 0, 0
	c.FPR = [32]uint32{}
	c.FCR31 = 0
	c.SetBreakPending(false)
	c.Cycles = 0
}

// SetGPR writes register r, silently discarding writes to r0 which is
// hardwired to zero on real Allegrex silicon.
func (c *Context) SetGPR(r uint8, v uint32) {
	if r == 0 {
		return
	}
	c.GPR[r] = v
}

// GetGPR reads register r; r0 always reads as zero.
func (c *Context) GetGPR(r uint8) uint32 {
	if r == 0 {
		return 0
	}
	return c.GPR[r]
}

// FPUCondition reports the FCR31 condition flag (bit 23) set by
// floating-point compare instructions and consumed by BC1T/BC1F.
func (c *Context) FPUCondition() bool {
	return c.FCR31&(1<<23) != 0
}

// SetFPUCondition sets or clears the FCR31 condition flag.
func (c *Context) SetFPUCondition(v bool) {
	if v {
		c.FCR31 |= 1 << 23
	} else {
		c.FCR31 &^= 1 << 23
	}
}
