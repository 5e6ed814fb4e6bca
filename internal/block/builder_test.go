package block

import (
	"testing"

	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/pspultra/allegrex/internal/decoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordSlice map[uint32]uint32

func (w wordSlice) ReadU32(addr uint32) (uint32, error) {
	v, ok := w[addr]
	if !ok {
		return 0, cpuerr.New(cpuerr.BadAddress, addr, "no instruction at address")
	}
	return v, nil
}

func encodeR(opcode, rs, rt, rd, shamt, funct uint32) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | rd<<11 | shamt<<6 | funct
}

func encodeI(opcode, rs, rt, imm16 uint32) uint32 {
	return opcode<<26 | rs<<21 | rt<<16 | (imm16 & 0xFFFF)
}

const (
	opADDIU = 0x09
	opBEQ   = 0x04
	opSW    = 0x2B
	fnADDU  = 0x21
	fnSYSCALL = 0x0C
	fnJR    = 0x08
)

func TestBuilderStopsAtUnconditionalJumpPlusDelaySlot(t *testing.T) {
	words := wordSlice{
		0x1000: encodeI(opADDIU, 4, 5, 1),        // addiu r5, r4, 1
		0x1004: encodeR(0, 8, 0, 0, 0, fnJR),      // jr r8
		0x1008: encodeI(opADDIU, 6, 7, 2),        // delay slot: addiu r7, r6, 2
		0x100C: encodeI(opADDIU, 0, 0, 0),        // must not be fetched
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x1000)
	require.NoError(t, err)
	assert.Len(t, blk.Instructions, 3)
	assert.Equal(t, ExitJump, blk.Exit.Kind)
	assert.True(t, blk.Exit.Register)
}

func TestBuilderStopsAtBranchPlusDelaySlot(t *testing.T) {
	words := wordSlice{
		0x2000: encodeI(opBEQ, 4, 5, 2), // beq r4, r5, +2
		0x2004: encodeI(opADDIU, 0, 0, 0),
		0x2008: encodeI(opADDIU, 0, 0, 0), // must not be fetched
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x2000)
	require.NoError(t, err)
	assert.Len(t, blk.Instructions, 2)
	assert.Equal(t, ExitBranch, blk.Exit.Kind)
	assert.Equal(t, uint32(0x2000+4+(2<<2)), blk.Exit.Taken)
	assert.Equal(t, uint32(0x2008), blk.Exit.NotTaken)
}

func TestBuilderSyscallStopsImmediately(t *testing.T) {
	words := wordSlice{
		0x3000: encodeR(0, 0, 0, 0, 0, fnSYSCALL),
		0x3004: encodeI(opADDIU, 0, 0, 0), // must not be fetched
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x3000)
	require.NoError(t, err)
	assert.Len(t, blk.Instructions, 1)
	assert.Equal(t, ExitSyscall, blk.Exit.Kind)
}

func TestBuilderRespectsMaxLength(t *testing.T) {
	words := wordSlice{}
	pc := uint32(0x4000)
	for i := 0; i < 10; i++ {
		words[pc] = encodeI(opADDIU, 4, 4, 1)
		pc += 4
	}
	b := &Builder{MaxLength: 4}
	blk, err := b.Build(words, 0x4000)
	require.NoError(t, err)
	assert.Len(t, blk.Instructions, 4)
	assert.Equal(t, ExitFallthrough, blk.Exit.Kind)
}

func TestBuilderDefaultMaxLength(t *testing.T) {
	assert.Equal(t, 256, DefaultMaxLength)
}

func TestBuilderBranchInDelaySlotBecomesReserved(t *testing.T) {
	words := wordSlice{
		0x5000: encodeI(opBEQ, 4, 5, 4),
		0x5004: encodeI(opBEQ, 4, 5, 4), // illegal: branch in delay slot
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x5000)
	require.NoError(t, err)
	require.Len(t, blk.Instructions, 2)
	assert.True(t, blk.Instructions[1].Has(decoder.IsReserved))
	assert.Equal(t, decoder.OpReserved, blk.Instructions[1].Op)
}

func TestBuilderPropagatesFetchError(t *testing.T) {
	b := &Builder{}
	_, err := b.Build(wordSlice{}, 0x9000)
	require.Error(t, err)
}

func TestAnalyzeLuiConstant(t *testing.T) {
	words := wordSlice{
		0x6000: encodeI(0x0F, 0, 4, 0xABCD), // lui r4, 0xABCD
		0x6004: encodeI(opBEQ, 4, 4, 0),
		0x6008: encodeI(opADDIU, 0, 0, 0),
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x6000)
	require.NoError(t, err)
	require.True(t, blk.Analysis.ConstValid[0])
	assert.EqualValues(t, 4, blk.Analysis.ConstReg[0])
	assert.Equal(t, uint32(0xABCD0000), blk.Analysis.ConstVal[0])
}

func TestAnalyzeLivenessExcludesR0(t *testing.T) {
	words := wordSlice{
		0x7000: encodeI(opADDIU, 0, 0, 5), // addiu r0, r0, 5 -- write to r0 is a no-op
		0x7004: encodeR(0, 0, 0, 0, 0, fnSYSCALL),
	}
	b := &Builder{}
	blk, err := b.Build(words, 0x7000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), blk.Analysis.LiveOut[0]&1, "r0 must never be reported live")
}
