package execmem

import (
	"errors"
	"testing"

	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabWriteAndSeal(t *testing.T) {
	slab, err := New(pageSize)
	require.NoError(t, err)
	defer slab.Release()

	code := []byte{0xC3} // ret
	off, err := slab.Write(code)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), off)

	require.NoError(t, slab.Seal())

	_, err = slab.Write([]byte{0x90})
	assert.Error(t, err, "writes after Seal must be rejected")
}

func TestSlabExhaustion(t *testing.T) {
	slab, err := New(pageSize)
	require.NoError(t, err)
	defer slab.Release()

	_, err = slab.Write(make([]byte, pageSize+1))
	assert.Error(t, err)
}

func TestSlabSizeRoundsUpToPage(t *testing.T) {
	slab, err := New(1)
	require.NoError(t, err)
	defer slab.Release()
	assert.Equal(t, uintptr(pageSize), slab.size)
}

func TestSlabAppendGrowsAfterSeal(t *testing.T) {
	slab, err := New(pageSize)
	require.NoError(t, err)
	defer slab.Release()

	off, err := slab.Write([]byte{0xC3})
	require.NoError(t, err)
	require.NoError(t, slab.Seal())

	off2, err := slab.Append([]byte{0x90, 0xC3})
	require.NoError(t, err)
	assert.Equal(t, off+1, off2, "Append continues from the cursor Write left off")
}

func TestArenaPacksMultipleBlocksIntoOneSlab(t *testing.T) {
	a := NewArena(pageSize, pageSize*4)

	slab1, off1, err := a.Alloc([]byte{0xC3})
	require.NoError(t, err)
	defer slab1.Release()

	slab2, off2, err := a.Alloc([]byte{0x90, 0xC3})
	require.NoError(t, err)

	assert.Same(t, slab1, slab2, "small blocks share one slab until it runs out of room")
	assert.Equal(t, off1+1, off2)
}

func TestArenaGrowsANewSlabOnceCurrentIsFull(t *testing.T) {
	a := NewArena(pageSize, pageSize*4)

	slab1, _, err := a.Alloc(make([]byte, pageSize))
	require.NoError(t, err)
	defer slab1.Release()

	slab2, off, err := a.Alloc([]byte{0xC3})
	require.NoError(t, err)
	defer slab2.Release()

	assert.NotSame(t, slab1, slab2)
	assert.Equal(t, uintptr(0), off)
}

func TestArenaExhaustionReportsCacheExhausted(t *testing.T) {
	a := NewArena(pageSize, pageSize)

	slab, _, err := a.Alloc(make([]byte, pageSize))
	require.NoError(t, err)
	defer slab.Release()

	_, _, err = a.Alloc([]byte{0xC3})
	require.Error(t, err)
	var cerr *cpuerr.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, cpuerr.CacheExhausted, cerr.Kind)
}

func TestArenaRejectsBlockLargerThanChunk(t *testing.T) {
	a := NewArena(pageSize, pageSize*4)
	_, _, err := a.Alloc(make([]byte, pageSize+1))
	assert.Error(t, err)
}
