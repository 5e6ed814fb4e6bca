package cpustate

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestNewContextAlignment(t *testing.T) {
	c := NewContext()
	addr := uintptr(unsafe.Pointer(c))
	assert.Zero(t, addr%contextAlign, "context must be suitably aligned for offset-addressed generated code")
}

func TestR0AlwaysReadsZero(t *testing.T) {
	c := NewContext()
	c.SetGPR(0, 0xDEADBEEF)
	assert.Equal(t, uint32(0), c.GetGPR(0))
}

func TestSetGetGPRRoundTrip(t *testing.T) {
	c := NewContext()
	c.SetGPR(4, 0x12345678)
	assert.Equal(t, uint32(0x12345678), c.GetGPR(4))
}

func TestResetClearsState(t *testing.T) {
	c := NewContext()
	c.SetGPR(4, 1)
	c.HI, c.LO = 2, 3
	c.PC = 0x08000000
	c.Cycles = 100
	c.SetBreakPending(true)

	c.Reset()

	assert.Equal(t, uint32(0), c.GetGPR(4))
	assert.Equal(t, uint32(0), c.HI)
	assert.Equal(t, uint32(0), c.PC)
	assert.Equal(t, uint32(0), c.Cycles)
	assert.False(t, c.BreakPending())
}

func TestBreakPendingRoundTrip(t *testing.T) {
	c := NewContext()
	assert.False(t, c.BreakPending())
	c.SetBreakPending(true)
	assert.True(t, c.BreakPending())
	c.SetBreakPending(false)
	assert.False(t, c.BreakPending())
}

func TestFPUConditionFlag(t *testing.T) {
	c := NewContext()
	assert.False(t, c.FPUCondition())
	c.SetFPUCondition(true)
	assert.True(t, c.FPUCondition())
	assert.Equal(t, uint32(1<<23), c.FCR31)
	c.SetFPUCondition(false)
	assert.False(t, c.FPUCondition())
}
