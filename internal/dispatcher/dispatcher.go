// Package dispatcher runs compiled blocks against a cpustate.Context,
// bouncing into JIT-generated machine code and interpreting the exit
// reason it returns, as described in spec.md section 4.7.
package dispatcher

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pspultra/allegrex/internal/block"
	"github.com/pspultra/allegrex/internal/cache"
	"github.com/pspultra/allegrex/internal/codegen"
	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/pspultra/allegrex/pkg/log"
)

// generalExceptionVector is the address the dispatcher redirects ctx.PC to
// when it delivers a guest-visible exception (TRAP or RESERVED), matching
// the fixed MIPS general exception vector for a coprocessor-0 Status.BEV
// of zero (bootstrap vectors unmapped, the normal running state past boot).
const generalExceptionVector uint32 = 0x80000180

// State is the dispatcher's coarse run state, observed by Stop and by
// callers deciding whether it is safe to tear down the CPU.
type State uint32

const (
	Idle State = iota
	Running
	Breaking
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Breaking:
		return "Breaking"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Compiler builds and lowers a block starting at a guest entry PC. It is
// satisfied by pairing a *block.Builder with a *codegen.Generator; kept
// as an interface here so dispatcher tests can substitute a stub that
// never touches execmem.
type Compiler interface {
	Compile(entry uint32) (*block.Block, *cache.Compiled, error)
	TrampolineEntry() uintptr
}

// Pipeline is the production Compiler: build the block, lower it, hand
// both back for the Cache to own.
type Pipeline struct {
	Builder *block.Builder
	Fetch   block.WordFetcher
	Gen     *codegen.Generator
}

func (p *Pipeline) Compile(entry uint32) (*block.Block, *cache.Compiled, error) {
	b, err := p.Builder.Build(p.Fetch, entry)
	if err != nil {
		return nil, nil, err
	}
	native, err := p.Gen.Compile(b)
	if err != nil {
		return nil, nil, err
	}
	return b, native, nil
}

func (p *Pipeline) TrampolineEntry() uintptr { return p.Gen.TrampolineEntry() }

// Dispatcher looks up or compiles the block at the guest PC and bounces
// into its host entry point, interpreting the exit reason the compiled
// code returns in RAX. Not safe for concurrent ExecuteBlock calls, and
// neither this package nor internal/scheduler serializes them.
type Dispatcher struct {
	ctx      atomic.Pointer[cpustate.Context]
	cache    *cache.Cache
	compiler Compiler
	state    atomic.Uint32
}

// New builds a Dispatcher over the given context, code cache, and block
// compiler.
func New(ctx *cpustate.Context, c *cache.Cache, compiler Compiler) *Dispatcher {
	d := &Dispatcher{cache: c, compiler: compiler}
	d.ctx.Store(ctx)
	d.state.Store(uint32(Idle))
	return d
}

// State reports the dispatcher's current run state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// SetContext swaps the cpustate.Context ExecuteBlock and Run operate on.
// Safe to call from any goroutine: the dispatcher only re-reads its
// context pointer between blocks, so a swap made mid-block takes effect
// starting with the block that follows, matching the scheduler hook's
// SwitchContext described in spec.md section 4.8.
func (d *Dispatcher) SetContext(ctx *cpustate.Context) {
	d.ctx.Store(ctx)
}

// Context returns the cpustate.Context currently in effect.
func (d *Dispatcher) Context() *cpustate.Context { return d.ctx.Load() }

// Stop requests that the run loop return at the next block boundary.
// Idempotent: calling it more than once, or from any goroutine, only
// ever moves the state forward toward Stopped. It never touches guest
// memory or the context's register file, only the cooperative flag the
// dispatcher polls between blocks (spec.md scenario S6).
func (d *Dispatcher) Stop() {
	d.ctx.Load().SetBreakPending(true)
	for {
		cur := State(d.state.Load())
		if cur == Stopped {
			return
		}
		if d.state.CompareAndSwap(uint32(cur), uint32(Breaking)) {
			return
		}
	}
}

// resolve returns the compiled entry for pc, building and inserting it
// into the cache on a miss.
func (d *Dispatcher) resolve(pc uint32) (*cache.Compiled, error) {
	if _, native, ok := d.cache.Get(pc); ok {
		return native, nil
	}
	b, native, err := d.compiler.Compile(pc)
	if err != nil {
		log.Cache.Error().Uint32("pc", pc).Err(err).Msg("compile failed")
		return nil, err
	}
	d.cache.Insert(b, native)
	log.Cache.Debug().Uint32("pc", pc).Int("instructions", len(b.Instructions)).Msg("block compiled and inserted")
	return native, nil
}

// ExecuteBlock runs the compiled block starting at ctx.PC, plus any
// blocks it reaches through patched chain jumps, returning the exit
// reason the last of them reported. A CHAIN exit means the block
// updated ctx.PC to its (possibly runtime-resolved) successor and the
// caller should call ExecuteBlock again; every other reason is
// terminal for this call.
func (d *Dispatcher) ExecuteBlock() (codegen.ExitReason, error) {
	d.state.Store(uint32(Running))
	ctx := d.ctx.Load()

	native, err := d.resolve(ctx.PC)
	if err != nil {
		d.state.Store(uint32(Idle))
		return 0, err
	}

	// Pin this goroutine to its current OS thread for the bounce:
	// SetGuestRounding below changes that thread's MXCSR to match the
	// guest's FCR31, and a goroutine migration between the set and the
	// restore would leave the wrong thread in guest rounding mode and put
	// back the wrong thread's original value.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	savedRounding := codegen.SetGuestRounding(ctx.FCR31)

	// The trampoline (not the block itself) receives the context pointer
	// from the ABI; it loads R15 once and then jumps into native.Entry.
	// If native.Entry chains into further blocks via a patched tail JMP,
	// this single call runs all of them and only returns when one
	// finally executes a RET (spec.md scenario S5).
	r1, _, errno := purego.SyscallN(d.compiler.TrampolineEntry(), uintptr(unsafe.Pointer(ctx)), native.Entry)
	codegen.RestoreRounding(savedRounding)
	if errno != 0 {
		d.state.Store(uint32(Idle))
		return 0, fmt.Errorf("dispatcher: bounce trampoline: %w", errno)
	}
	reason := codegen.ExitReason(r1)

	if reason == codegen.ReasonTrap || reason == codegen.ReasonReservedOp {
		// Cause/EPC were already staged by whichever codegen thunk or
		// inline trap site detected the fault; deliver the exception by
		// redirecting execution to the guest's own handler (spec.md
		// section 4.7). BreakRequested is not a guest exception (a
		// cooperative host-initiated stop, handled below) and never takes
		// this path.
		log.Dynarec.Debug().Uint32("cause", ctx.Cause).Uint32("epc", ctx.EPC).Msg("guest exception delivered")
		ctx.PC = generalExceptionVector
	}

	if reason != codegen.ReasonChain {
		d.state.Store(uint32(Idle))
	} else if ctx.BreakPending() {
		d.state.Store(uint32(Stopped))
	} else {
		d.state.Store(uint32(Idle))
	}
	log.Dynarec.Debug().Uint32("pc", ctx.PC).Str("reason", reason.String()).Msg("block executed")
	return reason, nil
}

// Run drives ExecuteBlock in a loop until a non-CHAIN exit reason is
// returned, an error occurs, or BreakPending is observed between
// blocks. It never inspects BreakPending mid-block: the trampoline
// always runs one whole compiled block to completion first, bounding
// Stop's response time to one block length (spec.md scenario S6).
func (d *Dispatcher) Run() (codegen.ExitReason, error) {
	for {
		reason, err := d.ExecuteBlock()
		if err != nil {
			return 0, err
		}
		if reason != codegen.ReasonChain {
			return reason, nil
		}
		if ctx := d.ctx.Load(); ctx.BreakPending() {
			d.state.Store(uint32(Stopped))
			log.Dynarec.Info().Uint32("pc", ctx.PC).Msg("cooperative stop honored between chained blocks")
			return codegen.ReasonChain, cpuerr.New(cpuerr.BreakRequested, ctx.PC, "")
		}
	}
}
