package syscallshim

import (
	"testing"

	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS4RoundTrip mirrors spec.md scenario S4: a registered
// syscall's SID resolves back to the same descriptor, and invoking it
// runs the managed stub against the live context.
func TestScenarioS4RoundTrip(t *testing.T) {
	tbl := NewTable()
	var called bool
	sid, err := tbl.Register(0x1B4F2569, func(ctx *cpustate.Context) error {
		called = true
		ctx.SetGPR(2, 42) // conventional return-value register
		return nil
	}, Descriptor{Name: "sceKernelExitGame"})
	require.NoError(t, err)

	gotSID, err := tbl.Lookup(0x1B4F2569)
	require.NoError(t, err)
	assert.Equal(t, sid, gotSID)

	ctx := cpustate.NewContext()
	require.NoError(t, tbl.Invoke(sid, ctx))
	assert.True(t, called)
	assert.Equal(t, uint32(42), ctx.GetGPR(2))
}

func TestLookupUnknownNID(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Lookup(0xDEADBEEF)
	require.Error(t, err)
	var cerr *cpuerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cpuerr.UnknownSyscall, cerr.Kind)
}

func TestRegisterSameNIDTwiceReplacesStub(t *testing.T) {
	tbl := NewTable()
	sid1, err := tbl.Register(0x1, func(*cpustate.Context) error { return nil }, Descriptor{Name: "first"})
	require.NoError(t, err)
	sid2, err := tbl.Register(0x1, func(*cpustate.Context) error { return nil }, Descriptor{Name: "second"})
	require.NoError(t, err)
	assert.Equal(t, sid1, sid2)

	slot, ok := tbl.Slot(sid1)
	require.True(t, ok)
	assert.Equal(t, "second", slot.Descriptor.Name)
}

func TestRegisterNativeAttachesStubToSlot(t *testing.T) {
	tbl := NewTable()
	sid, err := tbl.Register(0x2, func(*cpustate.Context) error { return nil }, Descriptor{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, tbl.RegisterNative(sid, &NativeStub{Entry: 0xABCD}))

	slot, ok := tbl.Slot(sid)
	require.True(t, ok)
	require.NotNil(t, slot.Native)
	assert.Equal(t, uintptr(0xABCD), slot.Native.Entry)
}

func TestTableExhaustion(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < TableSize; i++ {
		_, err := tbl.Register(uint32(i)+1, func(*cpustate.Context) error { return nil }, Descriptor{})
		require.NoError(t, err)
	}
	_, err := tbl.Register(uint32(TableSize)+100, func(*cpustate.Context) error { return nil }, Descriptor{})
	assert.Error(t, err)
}
