package codegen

import (
	"math"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/decoder"
	"github.com/pspultra/allegrex/internal/memmap"
	"github.com/pspultra/allegrex/internal/safemath"
	syscallshim "github.com/pspultra/allegrex/internal/syscall"
)

// hostFn is the signature every out-of-line thunk presents to generated
// code: the context pointer plus the decoded instruction's static
// fields, packed as uintptrs the way purego.NewCallback requires for a
// function called from raw machine code. It returns the exit reason the
// block epilogue should propagate, or ExitChain (0) if execution should
// fall through to the next inline instruction.
type hostFn func(ctxPtr uintptr, word uint32) uintptr

// hostCallSite is a materialized native-callable pointer for one
// instruction's out-of-line handler, produced once per Generator and
// reused across every block (the handler itself is stateless; only the
// instruction word passed at call time varies).
type hostCallSite struct {
	fn  hostFn
	ptr uintptr
}

func newHostCallSite(fn hostFn) hostCallSite {
	return hostCallSite{fn: fn, ptr: purego.NewCallback(fn)}
}

// hostTable materializes exactly one native-callable thunk per
// out-of-line operation family, grounded on the two-tier lowering in
// spec.md section 4.4: memory access, multiply/divide, overflow-trapping
// add/sub, coprocessor moves, and syscalls all become ordinary function
// calls into these thunks instead of inlined code.
type hostTable struct {
	memLoad, memStore   hostCallSite
	multDiv             hostCallSite
	trapAdd, trapSub    hostCallSite
	cop                 hostCallSite
	fpu, fpBranch       hostCallSite
	syscall             hostCallSite
	branch, jump        hostCallSite
	mem                 *memmap.Map
	syscalls            *syscallshim.Table
}

// ExitReason is the value a compiled block's epilogue returns in RAX,
// interpreted by internal/dispatcher after the bounce trampoline
// returns.
type ExitReason uintptr

// Exit reason codes returned in RAX by a compiled block's epilogue.
const (
	ReasonChain          ExitReason = 0
	ReasonSyscallDone    ExitReason = 1
	ReasonTrap           ExitReason = 2
	ReasonReservedOp     ExitReason = 3
	ReasonBreakRequested ExitReason = 4

	// Untyped uintptr aliases for the codegen package's own emission
	// sites, which pass reason values straight to amd64.Assembler.MovImm32.
	ExitChain          uintptr = uintptr(ReasonChain)
	ExitSyscallDone    uintptr = uintptr(ReasonSyscallDone)
	ExitTrap           uintptr = uintptr(ReasonTrap)
	ExitReservedOp     uintptr = uintptr(ReasonReservedOp)
	ExitBreakRequested uintptr = uintptr(ReasonBreakRequested)
)

func (r ExitReason) String() string {
	switch r {
	case ReasonChain:
		return "Chain"
	case ReasonSyscallDone:
		return "SyscallDone"
	case ReasonTrap:
		return "Trap"
	case ReasonReservedOp:
		return "ReservedOp"
	case ReasonBreakRequested:
		return "BreakRequested"
	default:
		return "Unknown"
	}
}

func ctxFromPtr(ptr uintptr) *cpustate.Context {
	return (*cpustate.Context)(unsafe.Pointer(ptr)) //nolint:govet // ptr crosses the native ABI boundary, not a Go-managed pointer round trip
}

func newHostTable(mem *memmap.Map, syscalls *syscallshim.Table) *hostTable {
	t := &hostTable{mem: mem, syscalls: syscalls}
	t.memLoad = newHostCallSite(t.doMemLoad)
	t.memStore = newHostCallSite(t.doMemStore)
	t.multDiv = newHostCallSite(t.doMultDiv)
	t.trapAdd = newHostCallSite(t.doTrapAdd)
	t.trapSub = newHostCallSite(t.doTrapSub)
	t.cop = newHostCallSite(t.doCop)
	t.fpu = newHostCallSite(t.doFPU)
	t.fpBranch = newHostCallSite(t.doFPBranch)
	t.syscall = newHostCallSite(t.doSyscall)
	t.branch = newHostCallSite(t.doBranch)
	t.jump = newHostCallSite(t.doJump)
	return t
}

// The word passed to each thunk is the raw instruction word; thunks
// re-decode it rather than carrying a second channel for operand
// fields, keeping the native call site to a two-argument (ctx, word)
// shape regardless of instruction family.

func (t *hostTable) doMemLoad(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	addr := ctx.GetGPR(ins.RS) + ins.Imm32
	var v uint32
	var err error
	switch ins.Op {
	case decoder.OpLB:
		var b uint8
		b, err = t.mem.ReadU8(addr)
		v = uint32(int32(int8(b)))
	case decoder.OpLBU:
		var b uint8
		b, err = t.mem.ReadU8(addr)
		v = uint32(b)
	case decoder.OpLH:
		var h uint16
		h, err = t.mem.ReadU16(addr)
		v = uint32(int32(int16(h)))
	case decoder.OpLHU:
		var h uint16
		h, err = t.mem.ReadU16(addr)
		v = uint32(h)
	case decoder.OpLW:
		v, err = t.mem.ReadU32(addr)
	case decoder.OpLWL:
		v, err = t.mem.ReadU32Left(addr, ctx.GetGPR(ins.RT))
	case decoder.OpLWR:
		v, err = t.mem.ReadU32Right(addr, ctx.GetGPR(ins.RT))
	}
	if err != nil {
		ctx.Cause = causeAddressErrorLoad
		ctx.EPC = ctx.PC
		return ExitTrap
	}
	ctx.SetGPR(ins.RT, v)
	return ExitChain
}

func (t *hostTable) doMemStore(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	addr := ctx.GetGPR(ins.RS) + ins.Imm32
	rt := ctx.GetGPR(ins.RT)
	var err error
	switch ins.Op {
	case decoder.OpSB:
		err = t.mem.WriteU8(addr, uint8(rt))
	case decoder.OpSH:
		err = t.mem.WriteU16(addr, uint16(rt))
	case decoder.OpSW:
		err = t.mem.WriteU32(addr, rt)
	case decoder.OpSWL:
		err = t.mem.WriteU32Left(addr, rt)
	case decoder.OpSWR:
		err = t.mem.WriteU32Right(addr, rt)
	}
	if err != nil {
		ctx.Cause = causeAddressErrorStore
		ctx.EPC = ctx.PC
		return ExitTrap
	}
	return ExitChain
}

func (t *hostTable) doMultDiv(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	rs, rt := ctx.GetGPR(ins.RS), ctx.GetGPR(ins.RT)
	switch ins.Op {
	case decoder.OpMULT:
		prod := int64(int32(rs)) * int64(int32(rt))
		ctx.LO, ctx.HI = uint32(prod), uint32(prod>>32)
	case decoder.OpMULTU:
		prod := uint64(rs) * uint64(rt)
		ctx.LO, ctx.HI = uint32(prod), uint32(prod>>32)
	case decoder.OpDIV:
		if rt != 0 {
			ctx.LO = uint32(int32(rs) / int32(rt))
			ctx.HI = uint32(int32(rs) % int32(rt))
		}
	case decoder.OpDIVU:
		if rt != 0 {
			ctx.LO = rs / rt
			ctx.HI = rs % rt
		}
	}
	return ExitChain
}

func (t *hostTable) doTrapAdd(ctxPtr uintptr, word uint32) uintptr {
	return t.trapArith(ctxPtr, word, true)
}

func (t *hostTable) doTrapSub(ctxPtr uintptr, word uint32) uintptr {
	return t.trapArith(ctxPtr, word, false)
}

func (t *hostTable) trapArith(ctxPtr uintptr, word uint32, add bool) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	rs := int32(ctx.GetGPR(ins.RS))
	var b int32
	var overflow bool
	var result int32
	if ins.Op == decoder.OpADDI {
		b = int32(ins.Imm32)
	} else {
		b = int32(ctx.GetGPR(ins.RT))
	}
	if add {
		result, overflow = safemath.AddOverflows32(rs, b)
	} else {
		result, overflow = safemath.SubOverflows32(rs, b)
	}
	if overflow {
		ctx.Cause = causeOverflow
		ctx.EPC = ctx.PC
		return ExitTrap
	}
	if ins.Op == decoder.OpADDI {
		ctx.SetGPR(ins.RT, uint32(result))
	} else {
		ctx.SetGPR(ins.RD, uint32(result))
	}
	return ExitChain
}

// Cause register ExcCode values (shifted into place at bits 6:2), matching
// the MIPS-I coprocessor-0 exception codes a guest handler expects to find.
const (
	causeAddressErrorLoad  = 0x04 << 2 // AdEL
	causeAddressErrorStore = 0x05 << 2 // AdES
	causeSyscall           = 0x08 << 2 // Sys
	causeReservedInstr     = 0x0A << 2 // RI
	causeOverflow          = 0x0C << 2 // Ov
)

func (t *hostTable) doCop(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	switch ins.Op {
	case decoder.OpMFC0:
		ctx.SetGPR(ins.RT, cop0Read(ctx, ins.RD))
	case decoder.OpMTC0:
		cop0Write(ctx, ins.RD, ctx.GetGPR(ins.RT))
	case decoder.OpMFC1:
		ctx.SetGPR(ins.RT, ctx.FPR[ins.RD])
	case decoder.OpMTC1:
		ctx.FPR[ins.RD] = ctx.GetGPR(ins.RT)
	case decoder.OpCFC1:
		// Only FCR31 (control/status) is modeled; FCR0 (implementation and
		// revision) has no guest-observable state here and reads as zero.
		if ins.RD == 31 {
			ctx.SetGPR(ins.RT, ctx.FCR31)
		} else {
			ctx.SetGPR(ins.RT, 0)
		}
	case decoder.OpCTC1:
		if ins.RD == 31 {
			ctx.FCR31 = ctx.GetGPR(ins.RT)
		}
	case decoder.OpERET:
		ctx.PC = ctx.EPC
		return ExitChain
	}
	return ExitChain
}

// fcr31Round applies fn under the host rounding mode fcr31's RM field
// (bits 1:0) selects, restoring the prior mode before returning. Go's
// float32/float64 arithmetic compiles to SSE instructions that consult the
// host MXCSR at the hardware level, so this is enough to make ADD.S and
// friends round the way the guest coprocessor-1 would for the one op fn
// performs.
func fcr31Round(fcr31 uint32, fn func()) {
	saved := SetGuestRounding(fcr31)
	fn()
	RestoreRounding(saved)
}

func (t *hostTable) doFPU(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	// MIPS FPU operand convention: ft is RT, fs is RD, fd is Shamt (all
	// already extracted generically by decoder.Decode).
	switch ins.Op {
	case decoder.OpADD_S, decoder.OpSUB_S, decoder.OpMUL_S, decoder.OpDIV_S:
		fs := math.Float32frombits(ctx.FPR[ins.RD])
		ft := math.Float32frombits(ctx.FPR[ins.RT])
		var result float32
		fcr31Round(ctx.FCR31, func() {
			switch ins.Op {
			case decoder.OpADD_S:
				result = fs + ft
			case decoder.OpSUB_S:
				result = fs - ft
			case decoder.OpMUL_S:
				result = fs * ft
			case decoder.OpDIV_S:
				result = fs / ft
			}
		})
		ctx.FPR[ins.Shamt] = math.Float32bits(result)
	case decoder.OpCVT_W_S:
		fs := math.Float32frombits(ctx.FPR[ins.RD])
		var iv int32
		fcr31Round(ctx.FCR31, func() {
			switch ctx.FCR31 & 0x3 {
			case 1: // round toward zero
				iv = int32(fs)
			case 2: // round toward +infinity
				iv = int32(math.Ceil(float64(fs)))
			case 3: // round toward -infinity
				iv = int32(math.Floor(float64(fs)))
			default: // round to nearest, ties to even
				iv = int32(math.RoundToEven(float64(fs)))
			}
		})
		ctx.FPR[ins.Shamt] = uint32(iv)
	case decoder.OpCVT_S_W:
		iv := int32(ctx.FPR[ins.RD])
		var result float32
		fcr31Round(ctx.FCR31, func() { result = float32(iv) })
		ctx.FPR[ins.Shamt] = math.Float32bits(result)
	case decoder.OpC_EQ_S, decoder.OpC_LT_S, decoder.OpC_LE_S:
		fs := math.Float32frombits(ctx.FPR[ins.RD])
		ft := math.Float32frombits(ctx.FPR[ins.RT])
		var cond bool
		switch ins.Op {
		case decoder.OpC_EQ_S:
			cond = fs == ft
		case decoder.OpC_LT_S:
			cond = fs < ft
		case decoder.OpC_LE_S:
			cond = fs <= ft
		}
		ctx.SetFPUCondition(cond)
	}
	return ExitChain
}

// doFPBranch resolves BC1T/BC1F against the FCR31 condition flag the most
// recent C.cond.S compare set. See doBranch for why writing ctx.PC ahead of
// the delay slot's own lowering is safe.
func (t *hostTable) doFPBranch(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	fallthroughPC := ins.PC + 8
	taken := ctx.FPUCondition()
	if ins.Op == decoder.OpBC1F {
		taken = !taken
	}
	if taken {
		ctx.PC = ins.Target
	} else {
		ctx.PC = fallthroughPC
	}
	return ExitChain
}

func cop0Read(ctx *cpustate.Context, reg uint8) uint32 {
	switch reg {
	case 12:
		return ctx.Status
	case 13:
		return ctx.Cause
	case 14:
		return ctx.EPC
	default:
		return 0
	}
}

func cop0Write(ctx *cpustate.Context, reg uint8, v uint32) {
	switch reg {
	case 12:
		ctx.Status = v
	case 13:
		ctx.Cause = v
	case 14:
		ctx.EPC = v
	}
}

func (t *hostTable) doSyscall(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	sid := int32(ctx.GetGPR(2)) // conventional: syscall index staged in v0
	if err := t.syscalls.Invoke(sid, ctx); err != nil {
		ctx.Cause = causeSyscall
		ctx.EPC = ctx.PC
		return ExitTrap
	}
	return ExitSyscallDone
}

// doBranch resolves a conditional branch's target and writes it to
// ctx.PC. The branch and its delay slot are always compiled and run in
// program order (the delay slot's own lowering runs after this call
// returns), so it is safe to write ctx.PC here before the delay slot
// executes: no MIPS toolchain emits a delay-slot instruction that
// writes a register the branch's own condition already consumed.
func (t *hostTable) doBranch(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	rs := ctx.GetGPR(ins.RS)
	fallthroughPC := ins.PC + 8
	var taken bool
	switch ins.Op {
	case decoder.OpBEQ:
		taken = rs == ctx.GetGPR(ins.RT)
	case decoder.OpBNE:
		taken = rs != ctx.GetGPR(ins.RT)
	case decoder.OpBLEZ:
		taken = int32(rs) <= 0
	case decoder.OpBGTZ:
		taken = int32(rs) > 0
	case decoder.OpBLTZ, decoder.OpBLTZAL:
		taken = int32(rs) < 0
	case decoder.OpBGEZ, decoder.OpBGEZAL:
		taken = int32(rs) >= 0
	}
	if ins.Op == decoder.OpBLTZAL || ins.Op == decoder.OpBGEZAL {
		ctx.SetGPR(31, fallthroughPC) // linked unconditionally, whether or not the branch is taken
	}
	if taken {
		ctx.PC = ins.Target
	} else {
		ctx.PC = fallthroughPC
	}
	return ExitChain
}

// doJump resolves an unconditional jump or register-indirect jump's
// target and writes it (and, for the linking forms, the return address)
// to ctx before returning; see doBranch for why writing ctx.PC ahead of
// the delay slot's own lowering is safe.
func (t *hostTable) doJump(ctxPtr uintptr, word uint32) uintptr {
	ctx := ctxFromPtr(ctxPtr)
	ins := decoder.Decode(word, ctx.PC)
	switch ins.Op {
	case decoder.OpJ:
		ctx.PC = ins.Target
	case decoder.OpJAL:
		ctx.SetGPR(31, ins.PC+8)
		ctx.PC = ins.Target
	case decoder.OpJR:
		ctx.PC = ctx.GetGPR(ins.RS)
	case decoder.OpJALR:
		dest := ins.RD
		if dest == 0 {
			dest = 31
		}
		target := ctx.GetGPR(ins.RS)
		ctx.SetGPR(dest, ins.PC+8)
		ctx.PC = target
	}
	return ExitChain
}
