// Package execmem allocates page-aligned executable memory for
// JIT-compiled blocks. It calls into libc's mmap/mprotect/munmap through
// github.com/ebitengine/purego rather than cgo, following the same
// dynamic-library-call pattern the retrieval pack uses to reach native
// code without a cgo toolchain dependency (see the erasure-coding
// package's Dlopen/RegisterLibFunc usage).
package execmem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pspultra/allegrex/internal/cpuerr"
)

const pageSize = 4096

const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapPrivate   = 0x02
	mapAnonymous = 0x20
)

var (
	libcOnce sync.Once
	libcErr  error

	mmapFn func(addr uintptr, length uintptr, prot int32, flags int32, fd int32, offset int64) uintptr
	mprotectFn func(addr uintptr, length uintptr, prot int32) int32
	munmapFn   func(addr uintptr, length uintptr) int32
)

func loadLibc() error {
	libcOnce.Do(func() {
		lib, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libcErr = fmt.Errorf("execmem: dlopen libc: %w", err)
			return
		}
		purego.RegisterLibFunc(&mmapFn, lib, "mmap")
		purego.RegisterLibFunc(&mprotectFn, lib, "mprotect")
		purego.RegisterLibFunc(&munmapFn, lib, "munmap")
	})
	return libcErr
}

// Slab is a single mmap'd region backing zero or more compiled blocks.
// It becomes executable at Seal; Patch and Append each reopen it for
// writes and reseal it before returning, so it is never both writable
// and executable at the same time (W^X).
type Slab struct {
	base   uintptr
	size   uintptr
	cursor uintptr
	sealed bool
}

// New allocates a fresh RW slab of at least size bytes, rounded up to a
// whole number of pages.
func New(size int) (*Slab, error) {
	if err := loadLibc(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("execmem: invalid slab size %d", size)
	}
	rounded := (uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	ret := mmapFn(0, rounded, protRead|protWrite, mapPrivate|mapAnonymous, -1, 0)
	if int64(ret) == -1 {
		return nil, fmt.Errorf("execmem: mmap failed: %w", os.NewSyscallError("mmap", fmt.Errorf("mmap returned MAP_FAILED")))
	}
	return &Slab{base: ret, size: rounded}, nil
}

// Write copies code into the slab at the current cursor and returns the
// slab-relative offset it was written at. Write must not be called after
// Seal.
func (s *Slab) Write(code []byte) (uintptr, error) {
	if s.sealed {
		return 0, fmt.Errorf("execmem: write into sealed slab")
	}
	if s.cursor+uintptr(len(code)) > s.size {
		return 0, fmt.Errorf("execmem: slab exhausted")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(s.base+s.cursor)), len(code))
	copy(dst, code)
	off := s.cursor
	s.cursor += uintptr(len(code))
	return off, nil
}

// Remaining reports how many free bytes are left before the slab is
// exhausted.
func (s *Slab) Remaining() int { return int(s.size - s.cursor) }

// Seal flips the whole slab from RW to RX. After Seal, Write always
// fails; pointers returned by EntryAt remain valid and callable.
func (s *Slab) Seal() error {
	if s.sealed {
		return nil
	}
	if ret := mprotectFn(s.base, s.size, protRead|protExec); ret != 0 {
		return fmt.Errorf("execmem: mprotect RX failed")
	}
	s.sealed = true
	return nil
}

// EntryAt returns a callable pointer to slab-relative offset off. Valid
// only after Seal.
func (s *Slab) EntryAt(off uintptr) uintptr {
	return s.base + off
}

// Patch overwrites len(code) bytes at slab-relative offset off, briefly
// reopening the slab for writes and resealing it to RX before
// returning. Used by block chaining to rewrite a compiled block's exit
// jump so it targets a newly compiled successor, never leaving the slab
// writable and executable at the same time.
func (s *Slab) Patch(off uintptr, code []byte) error {
	if !s.sealed {
		return fmt.Errorf("execmem: patch on unsealed slab")
	}
	if ret := mprotectFn(s.base, s.size, protRead|protWrite); ret != 0 {
		return fmt.Errorf("execmem: mprotect RW failed")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(s.base+off)), len(code))
	copy(dst, code)
	if ret := mprotectFn(s.base, s.size, protRead|protExec); ret != 0 {
		return fmt.Errorf("execmem: mprotect RX failed after patch")
	}
	return nil
}

// Release unmaps the slab. It must not be called while any generated
// code from it is still reachable from the code cache.
func (s *Slab) Release() error {
	if ret := munmapFn(s.base, s.size); ret != 0 {
		return fmt.Errorf("execmem: munmap failed")
	}
	return nil
}

// Append writes code into a slab that has already been sealed
// executable, momentarily reopening it for writes and resealing before
// returning, exactly as Patch does for chain rewrites. This is how an
// Arena packs more than one block's code into the same slab: a slab is
// still never both writable and executable at once, it just makes that
// transition once per appended block instead of once ever.
func (s *Slab) Append(code []byte) (uintptr, error) {
	if !s.sealed {
		return 0, fmt.Errorf("execmem: append before seal")
	}
	if s.cursor+uintptr(len(code)) > s.size {
		return 0, fmt.Errorf("execmem: slab exhausted")
	}
	if ret := mprotectFn(s.base, s.size, protRead|protWrite); ret != 0 {
		return 0, fmt.Errorf("execmem: mprotect RW failed")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(s.base+s.cursor)), len(code))
	copy(dst, code)
	off := s.cursor
	s.cursor += uintptr(len(code))
	if ret := mprotectFn(s.base, s.size, protRead|protExec); ret != 0 {
		return 0, fmt.Errorf("execmem: mprotect RX failed after append")
	}
	return off, nil
}

// Arena hands out code space for many blocks out of a bounded sequence
// of chunkSize slabs, rather than mmap'ing a dedicated slab per block.
// This is what makes "the executable arena has no room left" a real,
// reachable condition instead of a per-block allocation that only fails
// if a single block's own code somehow exceeds a page: a guest program
// that keeps triggering recompilation (e.g. thrashing self-modifying
// code) eventually drives an Arena to its maxBytes cap, at which point
// Alloc reports cpuerr.CacheExhausted instead of growing without bound.
type Arena struct {
	mu        sync.Mutex
	chunkSize int
	maxBytes  int
	used      int
	cur       *Slab
}

// NewArena returns an Arena that grows in chunkSize-byte slabs up to a
// total of maxBytes of executable memory across all of them.
func NewArena(chunkSize, maxBytes int) *Arena {
	return &Arena{chunkSize: chunkSize, maxBytes: maxBytes}
}

// Alloc reserves space for code in the arena's current slab, sealing it
// and growing a fresh chunk first if there is no room left, and returns
// the slab the code now lives in along with the slab-relative offset it
// was written at.
func (a *Arena) Alloc(code []byte) (*Slab, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(code) > a.chunkSize {
		return nil, 0, fmt.Errorf("execmem: block of %d bytes exceeds arena chunk size %d", len(code), a.chunkSize)
	}
	if a.cur == nil || a.cur.Remaining() < len(code) {
		if a.used+a.chunkSize > a.maxBytes {
			return nil, 0, cpuerr.New(cpuerr.CacheExhausted, 0, fmt.Sprintf("execmem arena: %d byte cap reached", a.maxBytes))
		}
		slab, err := New(a.chunkSize)
		if err != nil {
			return nil, 0, err
		}
		if err := slab.Seal(); err != nil {
			return nil, 0, err
		}
		a.cur = slab
		a.used += a.chunkSize
	}
	off, err := a.cur.Append(code)
	if err != nil {
		return nil, 0, err
	}
	return a.cur, off, nil
}

// Used reports the total bytes currently reserved across all of the
// arena's slabs.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
