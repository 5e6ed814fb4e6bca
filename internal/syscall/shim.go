// Package syscallshim implements the guest syscall table: the NID -> SID
// resolution and the managed/native stub slots described in spec.md
// section 4.5. It marshals no arguments itself; a managed stub reads
// them from the guest register file. It lives at import path .../internal/syscall but is named
// syscallshim to avoid colliding with the standard library's syscall
// package in files that need both.
package syscallshim

import (
	"fmt"

	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/cpuerr"
	"github.com/pspultra/allegrex/pkg/log"
)

// TableSize is the fixed number of syscall slots; SIDs are dense indices
// into them.
const TableSize = 1024

// ManagedStub is a plain Go closure that internal/codegen's syscall thunk
// invokes through Table.Invoke while the block holding the SYSCALL runs;
// it receives the live context and returns any host error that should
// abort execution.
type ManagedStub func(ctx *cpustate.Context) error

// NativeStub records the host address of a native marshalling stub for a
// slot. Nothing in this module produces one, and neither Invoke nor
// internal/codegen calls it: a SYSCALL always runs the managed stub.
type NativeStub struct {
	Entry uintptr
}

// Descriptor records a syscall's name, NID and argument kinds in its
// slot. Invoke logs the name; nothing in this module reads ArgSpec, and
// no per-syscall counters are kept.
type Descriptor struct {
	Name    string
	NID     uint32
	ArgSpec []ArgKind
}

// ArgKind classifies one syscall argument as a plain word, a guest
// pointer, or a float.
type ArgKind uint8

const (
	ArgWord ArgKind = iota
	ArgPointer
	ArgFloat
)

// Slot is one entry in the fixed syscall table.
type Slot struct {
	Descriptor Descriptor
	Managed    ManagedStub
	Native     *NativeStub
}

// Table is the fixed-size, single-writer-at-setup syscall table indexed
// by SID.
type Table struct {
	slots   [TableSize]Slot
	nidToID map[uint32]int32
	next    int32
}

// NewTable returns an empty syscall table.
func NewTable() *Table {
	return &Table{nidToID: make(map[uint32]int32)}
}

// Register assigns the next free SID to nid and installs fn as its
// managed stub, returning that SID. Compiled code does not embed it:
// internal/codegen's syscall thunk reads the SID from v0 at run time.
// Registering the same NID twice replaces its stub and returns the
// original SID.
func (t *Table) Register(nid uint32, fn ManagedStub, desc Descriptor) (int32, error) {
	if sid, ok := t.nidToID[nid]; ok {
		t.slots[sid].Managed = fn
		t.slots[sid].Descriptor = desc
		return sid, nil
	}
	if t.next >= TableSize {
		return 0, fmt.Errorf("syscallshim: table exhausted at %d entries", TableSize)
	}
	sid := t.next
	t.next++
	desc.NID = nid
	t.slots[sid] = Slot{Descriptor: desc, Managed: fn}
	t.nidToID[nid] = sid
	return sid, nil
}

// RegisterNative attaches a native stub to an already registered SID.
// The stub is only stored in the slot; Invoke and internal/codegen's
// syscall thunk run the managed stub whether or not one is attached.
func (t *Table) RegisterNative(sid int32, native *NativeStub) error {
	if sid < 0 || sid >= t.next {
		return fmt.Errorf("syscallshim: sid %d not registered", sid)
	}
	t.slots[sid].Native = native
	return nil
}

// Lookup resolves an NID to its SID, or reports UnknownSyscall.
func (t *Table) Lookup(nid uint32) (int32, error) {
	sid, ok := t.nidToID[nid]
	if !ok {
		return 0, cpuerr.New(cpuerr.UnknownSyscall, 0, fmt.Sprintf("unregistered syscall NID 0x%08X", nid))
	}
	return sid, nil
}

// Slot returns the slot for sid, or false if sid is out of range.
func (t *Table) Slot(sid int32) (Slot, bool) {
	if sid < 0 || sid >= t.next {
		return Slot{}, false
	}
	return t.slots[sid], true
}

// Invoke calls the managed stub for sid against ctx, marshalling
// nothing itself: the stub reads its arguments from ctx. Its caller in
// this module is internal/codegen's syscall thunk, which takes sid from
// v0.
func (t *Table) Invoke(sid int32, ctx *cpustate.Context) error {
	slot, ok := t.Slot(sid)
	if !ok || slot.Managed == nil {
		log.Syscall.Warn().Int32("sid", sid).Uint32("pc", ctx.PC).Msg("no managed stub for sid")
		return cpuerr.New(cpuerr.UnknownSyscall, ctx.PC, fmt.Sprintf("sid %d has no managed stub", sid))
	}
	log.Syscall.Debug().Int32("sid", sid).Str("name", slot.Descriptor.Name).Msg("managed syscall invoked")
	return slot.Managed(ctx)
}
