// Package codegen lowers a decoded block.Block into host machine code,
// implementing the two-tier strategy from spec.md section 4.4: simple
// ALU operations are emitted inline against the pinned context pointer,
// everything else becomes a call into a Go thunk reached through
// github.com/ebitengine/purego's native-callback bridge.
package codegen

import (
	"fmt"
	"unsafe"

	"github.com/pspultra/allegrex/internal/block"
	"github.com/pspultra/allegrex/internal/cache"
	"github.com/pspultra/allegrex/internal/codegen/amd64"
	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/decoder"
	"github.com/pspultra/allegrex/internal/execmem"
	"github.com/pspultra/allegrex/internal/memmap"
	syscallshim "github.com/pspultra/allegrex/internal/syscall"
	"github.com/pspultra/allegrex/internal/trace"
)

var ctxZero cpustate.Context

var (
	offGPR0      = int32(unsafe.Offsetof(ctxZero.GPR))
	offHI        = int32(unsafe.Offsetof(ctxZero.HI))
	offLO        = int32(unsafe.Offsetof(ctxZero.LO))
	offPC        = int32(unsafe.Offsetof(ctxZero.PC))
	offEPC       = int32(unsafe.Offsetof(ctxZero.EPC))
	offCause     = int32(unsafe.Offsetof(ctxZero.Cause))
	offBreakFlag = int32(unsafe.Offsetof(ctxZero.BreakFlag))
	offCycles    = int32(unsafe.Offsetof(ctxZero.Cycles))
)

func offGPR(r uint8) int32 { return offGPR0 + int32(r)*4 }

// arenaChunkBytes and arenaMaxBytes size the shared execmem.Arena every
// production Generator draws block code from: 64KB chunks (comfortably
// larger than any single compiled block) up to 16MB total, past which
// Compile starts returning cpuerr.CacheExhausted rather than growing the
// arena without bound.
const (
	arenaChunkBytes = 64 * 1024
	arenaMaxBytes   = 16 * 1024 * 1024
)

// Generator compiles blocks for one CPU instance. It owns the host
// thunks that every out-of-line call site in every compiled block
// shares, draws code space for every block from a shared execmem.Arena,
// and owns the single Trampoline every dispatcher bounce enters
// through.
type Generator struct {
	hosts      *hostTable
	trace      trace.Sink
	trampoline *Trampoline
	arena      *execmem.Arena
}

// NewGenerator builds a Generator wired against the given guest memory
// map and syscall table; both are shared, mutable collaborators that
// out-of-line thunks call back into. Block code is packed into a
// production-sized shared arena; see NewGeneratorWithArena to supply a
// smaller one, e.g. in a test that wants to exercise exhaustion.
func NewGenerator(mem *memmap.Map, syscalls *syscallshim.Table, tr trace.Sink) (*Generator, error) {
	return NewGeneratorWithArena(mem, syscalls, tr, execmem.NewArena(arenaChunkBytes, arenaMaxBytes))
}

// NewGeneratorWithArena is NewGenerator with an explicit execmem.Arena,
// letting callers size the executable-memory budget themselves.
func NewGeneratorWithArena(mem *memmap.Map, syscalls *syscallshim.Table, tr trace.Sink, arena *execmem.Arena) (*Generator, error) {
	if tr == nil {
		tr, _ = trace.OpenFile("")
	}
	tramp, err := newTrampoline()
	if err != nil {
		return nil, fmt.Errorf("codegen: build trampoline: %w", err)
	}
	return &Generator{hosts: newHostTable(mem, syscalls), trace: tr, trampoline: tramp, arena: arena}, nil
}

// TrampolineEntry is the single fixed address the dispatcher bounces
// into for every block execution: purego.SyscallN(TrampolineEntry(),
// ctxPtr, blockEntry).
func (g *Generator) TrampolineEntry() uintptr { return g.trampoline.entry }

// Compile lowers b into host machine code and returns the resulting
// cache.Compiled artifact. Code is packed into the
// Generator's shared execmem.Arena rather than a dedicated slab per
// block, so many small blocks share one page instead of each claiming
// its own.
func (g *Generator) Compile(b *block.Block) (*cache.Compiled, error) {
	asm := &amd64.Assembler{}

	// R15 already holds the context pointer on entry to every block, set
	// once by the shared Trampoline rather than reloaded from RDI here.
	// A chained tail JMP into another block's entry (below) relies on
	// this — RDI is not guaranteed to still hold the context pointer
	// after a block has run host calls that use RDI as their own
	// argument register.
	//
	// The only prologue every block gets is a retired-instruction count:
	// bump ctx.Cycles by this block's own instruction count (including
	// its delay slot) once per entry. A chained tail JMP into the next
	// block runs that block's own prologue in turn, so the count stays
	// correct across an entire chained run, not just the first hop a
	// dispatcher call observes.
	asm.MovLoad32(amd64.RAX, amd64.CtxReg, offCycles)
	asm.AluImm32(amd64.AluAdd, amd64.RAX, uint32(len(b.Instructions)))
	asm.MovStore32(amd64.CtxReg, offCycles, amd64.RAX)

	for i, ins := range b.Instructions {
		isLast := i == len(b.Instructions)-1
		if isLast && ins.Op == decoder.OpBREAK {
			emitImmediateExit(asm, ins.PC, uint32(ExitBreakRequested))
			continue
		}
		if isLast && ins.Has(decoder.IsReserved) {
			emitImmediateTrap(asm, ins.PC, causeReservedInstr, uint32(ExitReservedOp))
			continue
		}
		// A thunk that can trap records ctx.PC as EPC, so ctx.PC is brought
		// up to this instruction's own address first. A delay-slot
		// instruction is left alone: its branch or jump thunk has already
		// written the branch destination to ctx.PC.
		if i == 0 || !b.Instructions[i-1].Has(decoder.HasDelaySlot) {
			switch ins.Op {
			case decoder.OpLB, decoder.OpLBU, decoder.OpLH, decoder.OpLHU, decoder.OpLW, decoder.OpLWL, decoder.OpLWR,
				decoder.OpSB, decoder.OpSH, decoder.OpSW, decoder.OpSWL, decoder.OpSWR,
				decoder.OpADD, decoder.OpADDI, decoder.OpSUB, decoder.OpSYSCALL:
				emitPCUpdate(asm, ins.PC)
			}
		}
		g.lower(asm, ins)
	}

	var chainOffset, chainInstrEnd int
	haveChainSite := false

	switch b.Exit.Kind {
	case block.ExitFallthrough:
		emitImmediateExit(asm, b.EndPC(), uint32(ExitChain))
	case block.ExitBranch:
		// The branch thunk resolved ctx.PC to whichever side was taken
		// before the delay slot ran; a conditional branch has two
		// possible successors, so it is not chained by this generator.
		asm.MovImm32(amd64.RAX, uint32(ExitChain))
		asm.Ret()
	case block.ExitJump:
		if b.Exit.Register {
			// JR/JALR: target is only known at runtime.
			asm.MovImm32(amd64.RAX, uint32(ExitChain))
			asm.Ret()
		} else {
			// J/JAL: single static successor, chainable. Before taking
			// the chained path, check BreakFlag: an unconditional jump
			// whose target chains straight back to this block's own
			// entry (a tight native loop) would otherwise never return
			// control to the dispatcher, and Stop could never take
			// effect (spec.md scenario S6). If a stop is pending, return
			// now instead — ctx.PC was already set to the jump target by
			// the OpJ/OpJAL lowering above, so this is a safe, correct
			// place to resume from on the next ExecuteBlock call.
			asm.MovLoad32(amd64.RAX, amd64.CtxReg, offBreakFlag)
			asm.TestRegReg32(amd64.RAX, amd64.RAX)
			asm.Jz8(6) // BreakFlag == 0: skip the immediate-return path below
			asm.MovImm32(amd64.RAX, uint32(ExitChain))
			asm.Ret()

			// The reserved JMP initially displaces by 0 (falls straight
			// through to the RET fallback immediately below it) until
			// cache.Insert patches it to jump directly at the compiled
			// successor, bypassing both the RET and the dispatcher
			// entirely. R15 is left untouched by this block, so the
			// successor's own code can address ctx through it exactly as
			// if it had been entered from the Trampoline.
			off := asm.JmpRel32()
			asm.MovImm32(amd64.RAX, uint32(ExitChain))
			asm.Ret()
			chainOffset, chainInstrEnd = off, off+4
			haveChainSite = true
		}
	case block.ExitSyscall, block.ExitBreak:
		// The terminal instruction's own lowering already returned.
	}

	code := asm.Bytes()
	slab, off, err := g.arena.Alloc(code)
	if err != nil {
		return nil, fmt.Errorf("codegen: allocate arena space: %w", err)
	}
	g.trace.BlockCompiled(b.Entry, code)

	compiled := &cache.Compiled{Entry: slab.EntryAt(off), Slab: slab}
	if haveChainSite {
		compiled.Chain = &cache.ChainSite{
			Offset:   off + uintptr(chainOffset),
			InstrEnd: off + uintptr(chainInstrEnd),
			TargetPC: b.Exit.Taken,
		}
	}
	return compiled, nil
}

// emitImmediateExit stores pc into ctx.PC and returns reason without any
// host call, used for terminal instructions with no side effects to run
// (BREAK, an unrecognized encoding).
func emitImmediateExit(asm *amd64.Assembler, pc uint32, reason uint32) {
	asm.MovImm32(amd64.RAX, pc)
	asm.MovStore32(amd64.CtxReg, offPC, amd64.RAX)
	asm.MovImm32(amd64.RAX, reason)
	asm.Ret()
}

// emitImmediateTrap is emitImmediateExit plus the coprocessor-0 state a
// guest exception handler needs: EPC set to the faulting instruction's own
// address and Cause set to the given ExcCode, both written before the
// dispatcher (internal/dispatcher) redirects ctx.PC to the exception
// vector. Used for the one trap the decoder itself can raise (an
// unrecognized encoding); host-call thunks that trap (bad address,
// arithmetic overflow) set Cause/EPC the same way from Go, at the point
// they detect the fault.
func emitImmediateTrap(asm *amd64.Assembler, pc uint32, cause uint32, reason uint32) {
	asm.MovImm32(amd64.RAX, pc)
	asm.MovStore32(amd64.CtxReg, offPC, amd64.RAX)
	asm.MovStore32(amd64.CtxReg, offEPC, amd64.RAX)
	asm.MovImm32(amd64.RAX, cause)
	asm.MovStore32(amd64.CtxReg, offCause, amd64.RAX)
	asm.MovImm32(amd64.RAX, reason)
	asm.Ret()
}

// emitHostCall lowers a call into one of the shared out-of-line thunks:
// load the pinned context pointer into RDI, the raw instruction word
// into ESI, call, then propagate any non-CHAIN exit reason immediately.
func emitHostCall(asm *amd64.Assembler, site hostCallSite, word uint32) {
	asm.MovRegReg64(amd64.RDI, amd64.CtxReg)
	asm.MovImm32(amd64.RSI, word)
	asm.Movabs(amd64.RAX, uint64(site.ptr))
	asm.CallReg(amd64.RAX)
	asm.TestRegReg32(amd64.RAX, amd64.RAX)
	asm.Jz8(1) // skip the RET when EAX == ExitChain (0)
	asm.Ret()
}

// emitPCUpdate stores pc into ctx.PC ahead of a host call whose thunk
// re-decodes the raw instruction word using ctx.PC to reconstruct a
// PC-relative or absolute target (branches and J/JAL), or records ctx.PC
// as EPC when it traps (loads, stores, ADD/ADDI/SUB, SYSCALL). Without this, a
// branch or jump that is not the first instruction in its block would
// have its thunk redecode against whatever PC an earlier inline
// instruction left in ctx, not its own address.
func emitPCUpdate(asm *amd64.Assembler, pc uint32) {
	asm.MovImm32(amd64.RAX, pc)
	asm.MovStore32(amd64.CtxReg, offPC, amd64.RAX)
}

func storeGPR(asm *amd64.Assembler, reg uint8, src amd64.Reg) {
	if reg == 0 {
		return // r0 is hardwired zero; writes are discarded
	}
	asm.MovStore32(amd64.CtxReg, offGPR(reg), src)
}

func (g *Generator) lower(asm *amd64.Assembler, ins decoder.Instruction) {
	switch ins.Op {
	case decoder.OpNop:
		// no-op: nothing to emit
	case decoder.OpADDU, decoder.OpSUBU, decoder.OpAND, decoder.OpOR, decoder.OpXOR, decoder.OpNOR:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.MovLoad32(amd64.RCX, amd64.CtxReg, offGPR(ins.RT))
		switch ins.Op {
		case decoder.OpADDU:
			asm.Alu32(amd64.AluAdd, amd64.RAX, amd64.RCX)
		case decoder.OpSUBU:
			asm.Alu32(amd64.AluSub, amd64.RAX, amd64.RCX)
		case decoder.OpAND:
			asm.Alu32(amd64.AluAnd, amd64.RAX, amd64.RCX)
		case decoder.OpOR:
			asm.Alu32(amd64.AluOr, amd64.RAX, amd64.RCX)
		case decoder.OpXOR:
			asm.Alu32(amd64.AluXor, amd64.RAX, amd64.RCX)
		case decoder.OpNOR:
			asm.Alu32(amd64.AluOr, amd64.RAX, amd64.RCX)
			asm.Not32(amd64.RAX)
		}
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpSLT, decoder.OpSLTU:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.MovLoad32(amd64.RCX, amd64.CtxReg, offGPR(ins.RT))
		asm.Alu32(amd64.AluCmp, amd64.RAX, amd64.RCX)
		asm.SetLess(amd64.RAX, ins.Op == decoder.OpSLT)
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpADDIU:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.AluImm32(amd64.AluAdd, amd64.RAX, ins.Imm32)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpANDI:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.AluImm32(amd64.AluAnd, amd64.RAX, ins.Imm32)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpORI:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.AluImm32(amd64.AluOr, amd64.RAX, ins.Imm32)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpXORI:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.AluImm32(amd64.AluXor, amd64.RAX, ins.Imm32)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpSLTI, decoder.OpSLTIU:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.MovImm32(amd64.RCX, ins.Imm32)
		asm.Alu32(amd64.AluCmp, amd64.RAX, amd64.RCX)
		asm.SetLess(amd64.RAX, ins.Op == decoder.OpSLTI)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpLUI:
		asm.MovImm32(amd64.RAX, ins.Imm32)
		storeGPR(asm, ins.RT, amd64.RAX)
	case decoder.OpSLL, decoder.OpSRL, decoder.OpSRA:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RT))
		asm.ShiftImm8(shiftKindOf(ins.Op), amd64.RAX, ins.Shamt)
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpSLLV, decoder.OpSRLV, decoder.OpSRAV:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RT))
		asm.MovLoad32(amd64.RCX, amd64.CtxReg, offGPR(ins.RS))
		asm.ShiftCL(shiftKindOfVariable(ins.Op), amd64.RAX)
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpMFHI:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offHI)
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpMFLO:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offLO)
		storeGPR(asm, ins.RD, amd64.RAX)
	case decoder.OpMTHI:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.MovStore32(amd64.CtxReg, offHI, amd64.RAX)
	case decoder.OpMTLO:
		asm.MovLoad32(amd64.RAX, amd64.CtxReg, offGPR(ins.RS))
		asm.MovStore32(amd64.CtxReg, offLO, amd64.RAX)

	case decoder.OpLB, decoder.OpLBU, decoder.OpLH, decoder.OpLHU, decoder.OpLW, decoder.OpLWL, decoder.OpLWR:
		emitHostCall(asm, g.hosts.memLoad, ins.Word)
	case decoder.OpSB, decoder.OpSH, decoder.OpSW, decoder.OpSWL, decoder.OpSWR:
		emitHostCall(asm, g.hosts.memStore, ins.Word)
	case decoder.OpMULT, decoder.OpMULTU, decoder.OpDIV, decoder.OpDIVU:
		emitHostCall(asm, g.hosts.multDiv, ins.Word)
	case decoder.OpADD:
		emitHostCall(asm, g.hosts.trapAdd, ins.Word)
	case decoder.OpADDI:
		emitHostCall(asm, g.hosts.trapAdd, ins.Word)
	case decoder.OpSUB:
		emitHostCall(asm, g.hosts.trapSub, ins.Word)
	case decoder.OpMFC0, decoder.OpMTC0, decoder.OpMFC1, decoder.OpMTC1,
		decoder.OpCFC1, decoder.OpCTC1, decoder.OpERET:
		emitHostCall(asm, g.hosts.cop, ins.Word)
	case decoder.OpADD_S, decoder.OpSUB_S, decoder.OpMUL_S, decoder.OpDIV_S,
		decoder.OpCVT_W_S, decoder.OpCVT_S_W,
		decoder.OpC_EQ_S, decoder.OpC_LT_S, decoder.OpC_LE_S:
		emitHostCall(asm, g.hosts.fpu, ins.Word)
	case decoder.OpSYSCALL:
		emitHostCall(asm, g.hosts.syscall, ins.Word)

	case decoder.OpBEQ, decoder.OpBNE, decoder.OpBLEZ, decoder.OpBGTZ,
		decoder.OpBLTZ, decoder.OpBGEZ, decoder.OpBLTZAL, decoder.OpBGEZAL:
		emitPCUpdate(asm, ins.PC)
		emitHostCall(asm, g.hosts.branch, ins.Word)
	case decoder.OpJ, decoder.OpJAL, decoder.OpJR, decoder.OpJALR:
		emitPCUpdate(asm, ins.PC)
		emitHostCall(asm, g.hosts.jump, ins.Word)
	case decoder.OpBC1T, decoder.OpBC1F:
		emitPCUpdate(asm, ins.PC)
		emitHostCall(asm, g.hosts.fpBranch, ins.Word)

	default:
		// Reserved or otherwise unlowerable: handled by the caller when
		// it is the block's terminal instruction; mid-block it can only
		// arise from a corrupt Instructions slice.
	}
}

func shiftKindOf(op decoder.Op) amd64.ShiftKind {
	switch op {
	case decoder.OpSLL:
		return amd64.ShiftLeft
	case decoder.OpSRA:
		return amd64.ShiftRightArith
	default:
		return amd64.ShiftRightLogical
	}
}

func shiftKindOfVariable(op decoder.Op) amd64.ShiftKind {
	switch op {
	case decoder.OpSLLV:
		return amd64.ShiftLeft
	case decoder.OpSRAV:
		return amd64.ShiftRightArith
	default:
		return amd64.ShiftRightLogical
	}
}

// Trampoline is the single small piece of hand-emitted code every
// dispatcher bounce enters through: it loads the context pointer handed
// in RDI (the calling convention purego.SyscallN's stub follows) into
// the pinned R15 exactly once, then transfers control into the target
// block's entry (RSI) with JMP rather than CALL, so the stack depth the
// block's own RET unwinds to is the one the original SyscallN call
// established. No compiled block ever reloads R15 from RDI itself,
// which is what makes a tail JMP from one chained block directly into
// another's entry safe: R15 is never touched in between.
type Trampoline struct {
	slab  *execmem.Slab
	entry uintptr
}

func newTrampoline() (*Trampoline, error) {
	asm := &amd64.Assembler{}
	asm.MovRegReg64(amd64.CtxReg, amd64.RDI)
	asm.JmpReg(amd64.RSI)

	code := asm.Bytes()
	slab, err := execmem.New(len(code))
	if err != nil {
		return nil, err
	}
	off, err := slab.Write(code)
	if err != nil {
		return nil, err
	}
	if err := slab.Seal(); err != nil {
		return nil, err
	}
	return &Trampoline{slab: slab, entry: slab.EntryAt(off)}, nil
}
