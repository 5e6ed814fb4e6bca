//go:build trace

package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/crypto/blake2b"
)

// fileSink writes zstd-compressed trace records to disk and can
// disassemble a block's host bytes with x86asm for human inspection.
type fileSink struct {
	f   *os.File
	enc *zstd.Encoder
}

// OpenFile creates (or truncates) a trace file at path and returns a
// Sink writing zstd-compressed records to it, mirroring the source's
// Tracer::OpenFile.
func OpenFile(path string) (Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: new zstd writer: %w", err)
	}
	return &fileSink{f: f, enc: enc}, nil
}

// BlockCompiled records entry, length, and a blake2b-256 digest of
// hostCode ahead of the code itself, so two trace files produced from
// the same guest image can be compared block-by-block for byte-for-byte
// codegen regressions without diffing the full (and much larger)
// disassembly.
func (s *fileSink) BlockCompiled(entry uint32, hostCode []byte) {
	digest := blake2b.Sum256(hostCode)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], entry)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(hostCode)))
	s.enc.Write(hdr[:])
	s.enc.Write(digest[:])
	s.enc.Write(hostCode)
}

func (s *fileSink) Close() error {
	if err := s.enc.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Disassemble renders code starting at guest address entry as a sequence
// of human-readable amd64 instructions, for on-demand inspection of a
// freshly compiled block rather than every block unconditionally.
func Disassemble(w io.Writer, entry uint32, code []byte) error {
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 64)
		if err != nil {
			fmt.Fprintf(w, "%08x: <bad opcode>\n", entry+uint32(pc))
			pc++
			continue
		}
		fmt.Fprintf(w, "%08x: %s\n", entry+uint32(pc), x86asm.GNUSyntax(inst, uint64(entry)+uint64(pc), nil))
		pc += inst.Len
	}
	return nil
}
