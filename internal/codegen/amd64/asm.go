// Package amd64 is the host code generation backend: a small
// byte-emitting assembler covering exactly the instruction forms the
// two-tier lowering in internal/codegen needs, including the forms
// internal/codegen builds its trampoline and host-call sequences from. There
// is no third-party x86 assembler in the retrieval pack (golang.org/x/arch
// only decodes), so this emits raw machine code directly, matching the
// project's general willingness to speak a foreign ABI by hand rather
// than pull in a heavyweight dependency for it.
package amd64

// Reg is an x86-64 general-purpose register encoding (0-15), matching
// the field values used in REX prefixes and ModRM bytes.
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// CtxReg is the pinned register holding the guest cpustate.Context pointer
// for the lifetime of a compiled block, matching spec.md's
// pinned-context-pointer allocation strategy. R15 is callee-saved under
// the SysV ABI, so a block never needs to reload it after a host call.
const CtxReg = R15

// Assembler accumulates emitted machine code bytes.
type Assembler struct {
	buf []byte
}

func (a *Assembler) Bytes() []byte { return a.buf }
func (a *Assembler) Len() int      { return len(a.buf) }

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func le32(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func rex(w bool, r, x, b Reg) byte {
	var wb, rb, xb, bb byte
	if w {
		wb = 1
	}
	if r >= 8 {
		rb = 1
	}
	if x >= 8 {
		xb = 1
	}
	if b >= 8 {
		bb = 1
	}
	return 0x40 | wb<<3 | rb<<2 | xb<<1 | bb
}

func modrm(mod, reg, rm Reg) byte {
	return byte(mod&3)<<6 | byte(reg&7)<<3 | byte(rm&7)
}

// MovLoad32 emits MOV dst32, [base+disp32].
func (a *Assembler) MovLoad32(dst, base Reg, disp int32) {
	a.emit(rex(false, dst, 0, base), 0x8B)
	a.emitModRMDisp32(dst, base, disp)
}

// MovStore32 emits MOV [base+disp32], src32.
func (a *Assembler) MovStore32(base Reg, disp int32, src Reg) {
	a.emit(rex(false, src, 0, base), 0x89)
	a.emitModRMDisp32(src, base, disp)
}

func (a *Assembler) emitModRMDisp32(regField, base Reg, disp int32) {
	a.emit(modrm(2, regField, base))
	if base&7 == 4 { // RSP/R12 need a SIB byte even with disp32
		a.emit(0x24)
	}
	d := le32(uint32(disp))
	a.emit(d[0], d[1], d[2], d[3])
}

// MovImm32 emits MOV dst32, imm32 (zero-extended into the 64-bit reg).
func (a *Assembler) MovImm32(dst Reg, imm uint32) {
	if dst >= 8 {
		a.emit(rex(false, 0, 0, dst))
	}
	a.emit(0xB8 + byte(dst&7))
	d := le32(imm)
	a.emit(d[0], d[1], d[2], d[3])
}

// MovRegReg32 emits MOV dst32, src32.
func (a *Assembler) MovRegReg32(dst, src Reg) {
	a.emit(rex(false, src, 0, dst), 0x89, modrm(3, src, dst))
}

// MovRegReg64 emits MOV dst64, src64, used to move the pinned context
// pointer into an argument register ahead of a host call.
func (a *Assembler) MovRegReg64(dst, src Reg) {
	a.emit(rex(true, src, 0, dst), 0x89, modrm(3, src, dst))
}

// TestRegReg32 emits TEST a32, b32, setting ZF when a&b == 0; used with
// two identical operands to test a register against zero.
func (a *Assembler) TestRegReg32(a2, b Reg) {
	a.emit(rex(false, b, 0, a2), 0x85, modrm(3, b, a2))
}

// Jz8 emits a short JZ with the given rel8 displacement.
func (a *Assembler) Jz8(rel int8) {
	a.emit(0x74, byte(rel))
}

// AluImm32 emits OP dst32, imm32 from the 0x81 immediate-group opcode.
func (a *Assembler) AluImm32(op AluOp, dst Reg, imm uint32) {
	var digit Reg
	switch op {
	case AluAdd:
		digit = 0
	case AluSub:
		digit = 5
	case AluAnd:
		digit = 4
	case AluOr:
		digit = 1
	case AluXor:
		digit = 6
	case AluCmp:
		digit = 7
	}
	a.emit(rex(false, 0, 0, dst), 0x81, modrm(3, digit, dst))
	d := le32(imm)
	a.emit(d[0], d[1], d[2], d[3])
}

// AluOp selects a two-operand register ALU instruction.
type AluOp uint8

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluCmp
)

var aluOpcode = map[AluOp]byte{
	AluAdd: 0x01,
	AluSub: 0x29,
	AluAnd: 0x21,
	AluOr:  0x09,
	AluXor: 0x31,
	AluCmp: 0x39,
}

// Alu32 emits OP dst32, src32 (dst is the r/m operand, src is reg).
func (a *Assembler) Alu32(op AluOp, dst, src Reg) {
	a.emit(rex(false, src, 0, dst), aluOpcode[op], modrm(3, src, dst))
}

// Not32 emits a bitwise NOT of dst; combined with an Or it lowers MIPS
// NOR (a NOR b == NOT(a OR b)).
func (a *Assembler) Not32(dst Reg) {
	a.emit(rex(false, 0, 0, dst), 0xF7, modrm(3, 2, dst))
}

// ShiftKind selects a shift/rotate group opcode extension.
type ShiftKind uint8

const (
	ShiftLeft ShiftKind = 4
	ShiftRightLogical ShiftKind = 5
	ShiftRightArith   ShiftKind = 7
)

// ShiftImm8 emits OP dst32, imm8 from the 0xC1 shift group.
func (a *Assembler) ShiftImm8(kind ShiftKind, dst Reg, imm8 uint8) {
	a.emit(rex(false, 0, 0, dst), 0xC1, modrm(3, Reg(kind), dst), imm8)
}

// ShiftCL emits OP dst32, CL from the 0xD3 shift group; the shift count
// must already be loaded into CL by the caller.
func (a *Assembler) ShiftCL(kind ShiftKind, dst Reg) {
	a.emit(rex(false, 0, 0, dst), 0xD3, modrm(3, Reg(kind), dst))
}

// SetLess emits the SETL (signed) or SETB (unsigned) plus MOVZX sequence
// that lowers MIPS SLT/SLTU into dst = (a < b) after Alu32(AluCmp, a, b)
// has already set the flags.
func (a *Assembler) SetLess(dst Reg, signed bool) {
	opcode := byte(0x92) // SETB
	if signed {
		opcode = 0x9C // SETL
	}
	// SETcc r/m8 (dst's low byte). REX needed whenever dst>=4 to address
	// the low byte without the legacy AH/CH/DH/BH aliasing.
	a.emit(rex(false, 0, 0, dst), 0x0F, opcode, modrm(3, 0, dst))
	// MOVZX dst32, dst8
	a.emit(rex(false, dst, 0, dst), 0x0F, 0xB6, modrm(3, dst, dst))
}

// Movabs emits MOV dst64, imm64.
func (a *Assembler) Movabs(dst Reg, imm64 uint64) {
	a.emit(rex(true, 0, 0, dst), 0xB8+byte(dst&7))
	d := le64(imm64)
	a.emit(d[:]...)
}

// CallReg emits CALL dst (near, indirect through a register).
func (a *Assembler) CallReg(dst Reg) {
	if dst >= 8 {
		a.emit(rex(false, 0, 0, dst))
	}
	a.emit(0xFF, modrm(3, 2, dst))
}

// Ret emits RET.
func (a *Assembler) Ret() { a.emit(0xC3) }

// JmpReg emits a near indirect JMP through dst (FF /4), used by the
// Trampoline to transfer into a compiled block's entry without a CALL,
// so the block's own RET returns straight to the trampoline's caller.
func (a *Assembler) JmpReg(dst Reg) {
	if dst >= 8 {
		a.emit(rex(false, 0, 0, dst))
	}
	a.emit(0xFF, modrm(3, 4, dst))
}

// JmpRel32 reserves and emits a near JMP rel32 with a placeholder
// displacement of 0, returning the buffer offset of the 4-byte
// displacement field so the caller (or a later patch) can fill it in
// once the target address is known.
func (a *Assembler) JmpRel32() (dispOffset int) {
	a.emit(0xE9, 0, 0, 0, 0)
	return len(a.buf) - 4
}

// PatchRel32 overwrites the 4-byte displacement at dispOffset (as
// returned by JmpRel32) so the jump lands at target, given the address
// immediately after the whole jump instruction (instrEndAddr, the byte
// following the opcode and its 4-byte displacement).
func PatchRel32(code []byte, dispOffset int, instrEndAddr, target uint64) {
	rel := int32(int64(target) - int64(instrEndAddr))
	d := le32(uint32(rel))
	copy(code[dispOffset:dispOffset+4], d[:])
}

// Nop emits a single-byte NOP. Block chaining does not use it: a chain
// site is a JmpRel32 reserved at full size up front.
func (a *Assembler) Nop() { a.emit(0x90) }
