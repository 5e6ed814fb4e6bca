package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func encodeR(opcode, rs, rt, rd, shamt, funct uint32) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | rd<<11 | shamt<<6 | funct
}

func encodeI(opcode, rs, rt, imm16 uint32) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | (imm16 & 0xFFFF)
}

func encodeJ(opcode, target26 uint32) uint32 {
	return opcode<<26 | (target26 & 0x03FFFFFF)
}

// TestDecodeADD verifies field extraction and the overflow-trap flag for a
// representative R-type arithmetic instruction (spec.md scenario S2 uses
// this exact opcode).
func TestDecodeADD(t *testing.T) {
	word := encodeR(opcSPECIAL, 8, 9, 1, 0, fnADD)
	ins := Decode(word, 0x08001000)
	assert.Equal(t, OpADD, ins.Op)
	assert.EqualValues(t, 8, ins.RS)
	assert.EqualValues(t, 9, ins.RT)
	assert.EqualValues(t, 1, ins.RD)
	assert.True(t, ins.Has(TrapsOnOverflow))
	assert.False(t, ins.Has(HasDelaySlot))
}

func TestDecodeADDUDoesNotTrap(t *testing.T) {
	word := encodeR(opcSPECIAL, 8, 9, 1, 0, fnADDU)
	ins := Decode(word, 0)
	assert.Equal(t, OpADDU, ins.Op)
	assert.False(t, ins.Has(TrapsOnOverflow))
}

func TestDecodeSLLZeroWordIsNop(t *testing.T) {
	ins := Decode(0x00000000, 0)
	assert.Equal(t, OpNop, ins.Op)
}

func TestDecodeAddiu(t *testing.T) {
	word := encodeI(opcADDIU, 4, 5, 0xFFFF) // imm = -1
	ins := Decode(word, 0)
	assert.Equal(t, OpADDIU, ins.Op)
	assert.Equal(t, uint32(0xFFFFFFFF), ins.Imm32)
}

func TestDecodeAndiZeroExtends(t *testing.T) {
	word := encodeI(opcANDI, 4, 5, 0xFFFF)
	ins := Decode(word, 0)
	assert.Equal(t, OpANDI, ins.Op)
	assert.Equal(t, uint32(0x0000FFFF), ins.Imm32, "ANDI must zero-extend, not sign-extend, its immediate")
}

func TestDecodeLUI(t *testing.T) {
	word := encodeI(opcLUI, 0, 5, 0xABCD)
	ins := Decode(word, 0)
	assert.Equal(t, OpLUI, ins.Op)
	assert.Equal(t, uint32(0xABCD0000), ins.Imm32)
}

func TestDecodeBEQTargetAndDelaySlot(t *testing.T) {
	pc := uint32(0x08001000)
	word := encodeI(opcBEQ, 4, 5, 0x0004) // +4 instructions
	ins := Decode(word, pc)
	assert.Equal(t, OpBEQ, ins.Op)
	assert.Equal(t, TargetPCRelative, ins.Kind)
	assert.Equal(t, pc+4+(4<<2), ins.Target)
	assert.True(t, ins.Has(HasDelaySlot))
	assert.True(t, ins.Has(IsControlTransfer))
}

func TestDecodeBEQNegativeOffset(t *testing.T) {
	pc := uint32(0x08001000)
	word := encodeI(opcBEQ, 4, 5, 0xFFFE) // -2 instructions: loop back
	ins := Decode(word, pc)
	assert.Equal(t, pc+4-(2<<2), ins.Target)
}

func TestDecodeJAbsoluteTarget(t *testing.T) {
	pc := uint32(0x08001004)
	word := encodeJ(opcJ, 0x00400100)
	ins := Decode(word, pc)
	assert.Equal(t, OpJ, ins.Op)
	assert.Equal(t, TargetAbsolute, ins.Kind)
	assert.Equal(t, ((pc+4)&0xF0000000)|(0x00400100<<2), ins.Target)
	assert.True(t, ins.Has(HasDelaySlot))
}

func TestDecodeJRRegisterTarget(t *testing.T) {
	word := encodeR(opcSPECIAL, 31, 0, 0, 0, fnJR)
	ins := Decode(word, 0)
	assert.Equal(t, OpJR, ins.Op)
	assert.Equal(t, TargetRegister, ins.Kind)
	assert.EqualValues(t, 31, ins.RS)
}

func TestDecodeSyscallAndBreakHaveNoDelaySlot(t *testing.T) {
	sys := Decode(encodeR(opcSPECIAL, 0, 0, 0, 0, fnSYSCALL), 0)
	assert.Equal(t, OpSYSCALL, sys.Op)
	assert.False(t, sys.Has(HasDelaySlot))
	assert.True(t, sys.Has(IsControlTransfer))

	brk := Decode(encodeR(opcSPECIAL, 0, 0, 0, 0, fnBREAK), 0)
	assert.Equal(t, OpBREAK, brk.Op)
	assert.False(t, brk.Has(HasDelaySlot))
}

func TestDecodeLoadStoreHaveMemoryEffect(t *testing.T) {
	for _, op := range []uint32{opcLB, opcLH, opcLW, opcLBU, opcLHU, opcSB, opcSH, opcSW, opcLWL, opcLWR, opcSWL, opcSWR} {
		word := encodeI(op, 4, 5, 8)
		ins := Decode(word, 0)
		assert.True(t, ins.Has(HasMemoryEffect), "opcode 0x%x must set HasMemoryEffect", op)
	}
}

func TestDecodeCop0MoveAndEret(t *testing.T) {
	mfc0 := Decode(encodeR(opcCOP0, cop0MF, 4, 12, 0, 0), 0)
	assert.Equal(t, OpMFC0, mfc0.Op)

	mtc0 := Decode(encodeR(opcCOP0, cop0MT, 4, 12, 0, 0), 0)
	assert.Equal(t, OpMTC0, mtc0.Op)

	eret := Decode(encodeR(opcCOP0, cop0CO, 0, 0, 0, fnERET), 0)
	assert.Equal(t, OpERET, eret.Op)
	assert.False(t, eret.Has(HasDelaySlot), "ERET takes effect immediately, no delay slot")
}

func TestDecodeReservedOpcode(t *testing.T) {
	// 0x3F is not assigned in the MIPS-I primary opcode map.
	ins := Decode(encodeI(0x3F, 0, 0, 0), 0)
	assert.Equal(t, OpReserved, ins.Op)
	assert.True(t, ins.Has(IsReserved))
}

func TestDecodeReservedSpecialFunct(t *testing.T) {
	// funct 0x3F is unassigned under SPECIAL.
	ins := Decode(encodeR(opcSPECIAL, 0, 0, 0, 0, 0x3F), 0)
	assert.Equal(t, OpReserved, ins.Op)
	assert.True(t, ins.Has(IsReserved))
}

func TestDecodeReservedRegimmRt(t *testing.T) {
	// REGIMM rt field 0x1F is unassigned.
	ins := Decode(encodeI(opcREGIMM, 4, 0x1F, 0), 0)
	assert.Equal(t, OpReserved, ins.Op)
	assert.True(t, ins.Has(IsReserved))
}

// TestDecodeRoundTripFieldPreservation exercises spec.md's decode∘encode
// identity property for a representative sample of every instruction
// family: re-encoding the decoded fields must reproduce the original word
// for every opcode in the closed set.
func TestDecodeRoundTripFieldPreservation(t *testing.T) {
	words := []uint32{
		encodeR(opcSPECIAL, 1, 2, 3, 0, fnADD),
		encodeR(opcSPECIAL, 1, 2, 3, 0, fnSUBU),
		encodeR(opcSPECIAL, 1, 2, 3, 0, fnAND),
		encodeR(opcSPECIAL, 1, 2, 3, 0, fnOR),
		encodeR(opcSPECIAL, 1, 2, 3, 0, fnSLT),
		encodeR(opcSPECIAL, 0, 2, 3, 5, fnSLL),
		encodeR(opcSPECIAL, 0, 2, 3, 5, fnSRA),
		encodeI(opcADDI, 4, 5, 100),
		encodeI(opcORI, 4, 5, 0xBEEF),
		encodeI(opcLW, 4, 5, 16),
		encodeI(opcSW, 4, 5, 16),
		encodeI(opcBEQ, 4, 5, 8),
		encodeJ(opcJAL, 0x1000),
	}
	for _, w := range words {
		ins := Decode(w, 0x08000000)
		require := assert.New(t)
		require.NotEqual(OpReserved, ins.Op, "word 0x%08X unexpectedly decoded as reserved", w)

		opcode := (w >> 26) & 0x3F
		switch opcode {
		case opcSPECIAL:
			got := encodeR(opcode, uint32(ins.RS), uint32(ins.RT), uint32(ins.RD), uint32(ins.Shamt), w&0x3F)
			require.Equal(w, got)
		case opcJ, opcJAL:
			got := encodeJ(opcode, (ins.Target>>2)&0x03FFFFFF)
			require.Equal(w, got)
		default:
			got := encodeI(opcode, uint32(ins.RS), uint32(ins.RT), ins.Imm32&0xFFFF)
			require.Equal(w, got)
		}
	}
}
