// Package memmap implements the guest memory map: a flat 32-bit guest
// address space backed by several host-owned regions (main RAM, scratchpad,
// video RAM, hardware registers), as described in spec.md section 4.1.
package memmap

import (
	"encoding/binary"
	"sort"

	"github.com/pspultra/allegrex/internal/cpuerr"
)

// Flags describes the permissions and nature of a Region.
type Flags uint8

const (
	Readable Flags = 1 << iota
	Writable
	Executable
	MMIO
)

// Region is one contiguous slice of the guest address space backed by host
// memory. An MMIO region is backed by its Host bytes like any other; no
// device callback is attached to it.
type Region struct {
	Name     string
	Base     uint32
	Size     uint32
	Host     []byte
	Flags    Flags
	topNibbl bool // participates in the O(1) top-nibble fast dispatch
}

func (r *Region) contains(addr uint32) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// WriteObserver is invoked after every write that lands inside a region,
// with the affected guest address range. The code cache uses this to
// drive coherent invalidation (spec.md section 4.1 / 4.6).
type WriteObserver func(addr uint32, length int)

// Map is the guest memory map. Regions are populated once during setup and
// are read-only thereafter (spec.md section 5); only region *contents*
// mutate during execution.
type Map struct {
	regions   []*Region
	fastTable [16]*Region // indexed by addr>>28, nil if that nibble has no unique owner
	observer  WriteObserver
}

// New creates an empty Map. Regions must be added with AddRegion before use.
func New() *Map {
	return &Map{}
}

// AddRegion registers a new backing region. Must be called only during
// setup, before the first guest instruction executes.
func (m *Map) AddRegion(r *Region) {
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	m.rebuildFastTable()
}

// SetWriteObserver installs the callback invoked on every guest write.
func (m *Map) SetWriteObserver(fn WriteObserver) {
	m.observer = fn
}

func (m *Map) rebuildFastTable() {
	for i := range m.fastTable {
		m.fastTable[i] = nil
	}
	for _, r := range m.regions {
		startNibble := r.Base >> 28
		endNibble := (r.Base + r.Size - 1) >> 28
		if startNibble != endNibble {
			// Spans more than one top nibble; not eligible for the fast path.
			continue
		}
		if m.fastTable[startNibble] != nil {
			// Two regions collide on the same nibble; neither is safe to
			// fast-path since we can't disambiguate on nibble alone.
			m.fastTable[startNibble] = nil
			continue
		}
		m.fastTable[startNibble] = r
		r.topNibbl = true
	}
}

func (m *Map) find(addr uint32) *Region {
	if r := m.fastTable[addr>>28]; r != nil && r.contains(addr) {
		return r
	}
	for _, r := range m.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Translate resolves a guest address to a host byte slice, or BadAddress if
// no region covers it.
func (m *Map) Translate(addr uint32) ([]byte, error) {
	r := m.find(addr)
	if r == nil {
		return nil, cpuerr.New(cpuerr.BadAddress, addr, "no region covers address")
	}
	off := addr - r.Base
	return r.Host[off:], nil
}

// SafeForFastPath reports whether addr falls in a region the code generator
// may access without a call to the slow-path translate/bounds-check
// (spec.md section 4.1: "regions declared safe").
func (m *Map) SafeForFastPath(addr uint32) bool {
	r := m.find(addr)
	return r != nil && r.topNibbl && r.Flags&MMIO == 0
}

func (m *Map) region(addr uint32, length int, need Flags) (*Region, uint32, error) {
	r := m.find(addr)
	if r == nil || addr+uint32(length) > r.Base+r.Size {
		return nil, 0, cpuerr.New(cpuerr.BadAddress, addr, "access out of bounds")
	}
	if r.Flags&need == 0 {
		return nil, 0, cpuerr.New(cpuerr.BadAddress, addr, "region lacks required permission")
	}
	return r, addr - r.Base, nil
}

func (m *Map) ReadU8(addr uint32) (uint8, error) {
	r, off, err := m.region(addr, 1, Readable)
	if err != nil {
		return 0, err
	}
	return r.Host[off], nil
}

func (m *Map) ReadU16(addr uint32) (uint16, error) {
	r, off, err := m.region(addr, 2, Readable)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.Host[off:]), nil
}

func (m *Map) ReadU32(addr uint32) (uint32, error) {
	r, off, err := m.region(addr, 4, Readable)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.Host[off:]), nil
}

func (m *Map) WriteU8(addr uint32, v uint8) error {
	r, off, err := m.region(addr, 1, Writable)
	if err != nil {
		return err
	}
	r.Host[off] = v
	m.notify(addr, 1)
	return nil
}

func (m *Map) WriteU16(addr uint32, v uint16) error {
	r, off, err := m.region(addr, 2, Writable)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.Host[off:], v)
	m.notify(addr, 2)
	return nil
}

func (m *Map) WriteU32(addr uint32, v uint32) error {
	r, off, err := m.region(addr, 4, Writable)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.Host[off:], v)
	m.notify(addr, 4)
	return nil
}

func (m *Map) notify(addr uint32, length int) {
	if m.observer != nil {
		m.observer(addr, length)
	}
}

// ReadU32Left and ReadU32Right implement the MIPS LWL/LWR merge semantics
// for a little-endian guest: an unaligned load produces the value the guest
// CPU would produce, not the host-native unaligned-load value (spec.md
// section 4.1). byte = addr&3 selects how much of the aligned word at
// addr&^3 is merged into which end of rt; the shift/mask pairing below
// matches the classic LWL/LWR mask tables used by little-endian MIPS
// interpreters: at byte 0, LWL replaces rt outright and LWR touches only
// its lowest byte; at byte 3, the roles invert.
func (m *Map) ReadU32Left(addr uint32, rt uint32) (uint32, error) {
	aligned := addr &^ 3
	word, err := m.ReadU32(aligned)
	if err != nil {
		return 0, err
	}
	shift := 8 * (addr & 3)
	mask := uint32(0xFFFFFFFF) << shift
	return (rt &^ mask) | (word << shift), nil
}

func (m *Map) ReadU32Right(addr uint32, rt uint32) (uint32, error) {
	aligned := addr &^ 3
	word, err := m.ReadU32(aligned)
	if err != nil {
		return 0, err
	}
	shift := 24 - 8*(addr&3)
	mask := uint32(0xFFFFFFFF) >> shift
	return (rt &^ mask) | (word >> shift), nil
}

// WriteU32Left and WriteU32Right are the store-side mirrors of
// ReadU32Left/ReadU32Right: each merges the complementary portion of rt into
// the addressed word, so that a subsequent aligned read observes exactly
// the bytes an unaligned SWL/SWR pair would have written on real hardware.
func (m *Map) WriteU32Left(addr uint32, rt uint32) error {
	aligned := addr &^ 3
	word, err := m.ReadU32(aligned)
	if err != nil {
		return err
	}
	shift := 8 * (addr & 3)
	memMask := uint32(0xFFFFFFFF) >> shift
	newWord := (word &^ memMask) | (rt >> shift)
	return m.WriteU32(aligned, newWord)
}

func (m *Map) WriteU32Right(addr uint32, rt uint32) error {
	aligned := addr &^ 3
	word, err := m.ReadU32(aligned)
	if err != nil {
		return err
	}
	shift := 24 - 8*(addr&3)
	memMask := uint32(0xFFFFFFFF) << shift
	newWord := (word &^ memMask) | (rt << shift)
	return m.WriteU32(aligned, newWord)
}
