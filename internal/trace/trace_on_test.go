//go:build trace

package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFileWritesRecoverableRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.zst")
	s, err := OpenFile(path)
	require.NoError(t, err)

	s.BlockCompiled(0x08001000, []byte{0x90, 0x90, 0xC3})
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)

	// header: 4-byte entry, 4-byte length, 32-byte blake2b-256 digest,
	// then the code bytes themselves.
	require.Len(t, out, 4+4+32+3)
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x08}, out[0:4], "entry stored little-endian")
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x00}, out[4:8], "length stored little-endian")
	assert.NotEqual(t, make([]byte, 32), out[8:40], "digest must not be all zero for non-empty code")
	assert.Equal(t, []byte{0x90, 0x90, 0xC3}, out[40:])
}

func TestDisassembleRendersKnownOpcode(t *testing.T) {
	var buf strings.Builder
	// 0xC3 is RET.
	require.NoError(t, Disassemble(&buf, 0x08001000, []byte{0xC3}))
	assert.Contains(t, buf.String(), "08001000")
}
