package memmap

import (
	"testing"

	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap() *Map {
	m := New()
	m.AddRegion(&Region{Name: "ram", Base: 0x08000000, Size: 0x02000000, Host: make([]byte, 0x02000000), Flags: Readable | Writable | Executable})
	m.AddRegion(&Region{Name: "scratch", Base: 0x00010000, Size: 0x00004000, Host: make([]byte, 0x00004000), Flags: Readable | Writable})
	m.AddRegion(&Region{Name: "regs", Base: 0xBC000000, Size: 0x00010000, Host: make([]byte, 0x00010000), Flags: Readable | Writable | MMIO})
	return m
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.WriteU32(0x08000100, 0xDEADBEEF))
	v, err := m.ReadU32(0x08000100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
}

func TestBadAddress(t *testing.T) {
	m := newTestMap()
	_, err := m.ReadU32(0xFFFF0000)
	require.Error(t, err)
	var cerr *cpuerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cpuerr.BadAddress, cerr.Kind)
}

func TestWriteNotifiesObserver(t *testing.T) {
	m := newTestMap()
	var gotAddr uint32
	var gotLen int
	m.SetWriteObserver(func(addr uint32, length int) {
		gotAddr, gotLen = addr, length
	})
	require.NoError(t, m.WriteU16(0x08000200, 0x1234))
	assert.Equal(t, uint32(0x08000200), gotAddr)
	assert.Equal(t, 2, gotLen)
}

func TestFastPathEligibility(t *testing.T) {
	m := newTestMap()
	assert.True(t, m.SafeForFastPath(0x08000000))
	assert.True(t, m.SafeForFastPath(0x00010000))
	assert.False(t, m.SafeForFastPath(0xBC000000), "MMIO region must never be fast-pathed")
	assert.False(t, m.SafeForFastPath(0xFFFF0000), "unmapped address is not fast-pathable")
}

func TestUnalignedLoadMergeSemantics(t *testing.T) {
	m := newTestMap()
	require.NoError(t, m.WriteU32(0x08000000, 0x11223344))

	// At byte offset 0, LWL fully replaces rt with the aligned word.
	v, err := m.ReadU32Left(0x08000000, 0xAAAAAAAA)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), v)

	// At byte offset 0, LWR only merges the aligned word's top byte into
	// rt's lowest byte, leaving the rest of rt untouched.
	v, err = m.ReadU32Right(0x08000000, 0xAAAAAAAA)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAAAAAA11), v)

	// At byte offset 3, LWL only merges the aligned word's low byte into
	// rt's top byte.
	v, err = m.ReadU32Left(0x08000003, 0xAAAAAAAA)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x44AAAAAA), v)

	// At byte offset 3, LWR fully replaces rt with the aligned word.
	v, err = m.ReadU32Right(0x08000003, 0xAAAAAAAA)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), v)
}

func TestUnalignedStoreIsInverseOfLoad(t *testing.T) {
	m := newTestMap()
	// WriteU32Left at byte 0 fully replaces the aligned word, mirroring
	// ReadU32Left at byte 0.
	require.NoError(t, m.WriteU32(0x08000000, 0))
	require.NoError(t, m.WriteU32Left(0x08000000, 0x11223344))
	got, err := m.ReadU32(0x08000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), got)

	// WriteU32Right at byte 3 fully replaces the aligned word, mirroring
	// ReadU32Right at byte 3.
	require.NoError(t, m.WriteU32(0x08000000, 0))
	require.NoError(t, m.WriteU32Right(0x08000003, 0x11223344))
	got, err = m.ReadU32(0x08000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), got)
}
