// Package cache maps guest entry addresses to compiled blocks and
// invalidates them when the underlying guest memory is overwritten
// (self-modifying code), as described in spec.md section 4.6.
package cache

import (
	"sync"

	"github.com/pspultra/allegrex/internal/block"
	"github.com/pspultra/allegrex/internal/codegen/amd64"
	"github.com/pspultra/allegrex/internal/execmem"
	"github.com/pspultra/allegrex/pkg/log"
)

// Compiled is the host-code artifact produced by the code generator for
// one Block. internal/cache does not know how to produce one; it only
// stores and invalidates them.
type Compiled struct {
	Entry uintptr // callable host address, valid until the owning Slab is released
	Slab  *execmem.Slab
	// Chain, when non-nil, marks where in Slab the block's static
	// J/JAL exit can be patched to a direct JMP once the
	// successor at TargetPC is itself compiled, bypassing a return to
	// the dispatcher (spec.md section 4.6/4.7 block chaining).
	Chain *ChainSite
}

// ChainSite is a single patchable exit site inside a compiled block.
type ChainSite struct {
	Offset      uintptr // slab-relative offset of the JmpRel32 displacement field
	InstrEnd    uintptr // slab-relative address immediately after the jmp opcode+disp, for rel32 math
	TargetPC    uint32
	Patched     bool
}

type entry struct {
	block      *block.Block
	native     *Compiled
	generation uint64
	pages      []uint32 // guest page numbers (addr >> pageShift) this block's bytes span
}

const pageShift = 12

// Cache maps guest PC to compiled blocks. Insert is single-writer (the
// dispatcher's one CPU thread); Get may be called concurrently with
// reads from the same thread only, matching the single-threaded
// execution model in spec.md section 5.
type Cache struct {
	mu         sync.RWMutex
	entries    map[uint32]*entry
	generation uint64
}

// New returns an empty Cache at generation 0.
func New() *Cache {
	return &Cache{entries: make(map[uint32]*entry)}
}

// Generation returns the current cache generation. It increments every
// time FlushAll or an intersecting InvalidateRange discards entries,
// letting the dispatcher detect that a block it holds a reference to has
// been superseded.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Get returns the compiled block at entry pc, or nil if absent.
func (c *Cache) Get(pc uint32) (*block.Block, *Compiled, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pc]
	if !ok {
		return nil, nil, false
	}
	return e.block, e.native, true
}

func pagesOf(b *block.Block) []uint32 {
	start := b.Entry >> pageShift
	end := b.EndPC() >> pageShift
	pages := make([]uint32, 0, end-start+1)
	for p := start; p <= end; p++ {
		pages = append(pages, p)
	}
	return pages
}

// Insert records a freshly compiled block, then reconciles chain sites in
// both directions: if the new block's own exit targets an already-cached
// block, its site is patched immediately; if any existing block's site
// was waiting on this entry, it is patched now too. Together these cover
// both straight-line chains and back-edges (a loop's final block jumping
// to an already-compiled header), which is how a chain of blocks forming
// a cycle ends up fully patched after its first traversal. Only the
// single dispatcher thread may call Insert.
func (c *Cache) Insert(b *block.Block, native *Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Generation = c.generation
	c.entries[b.Entry] = &entry{block: b, native: native, generation: c.generation, pages: pagesOf(b)}

	if site := native.Chain; site != nil && !site.Patched {
		if target, ok := c.entries[site.TargetPC]; ok {
			if err := patchChain(native, site, target.native.Entry); err == nil {
				site.Patched = true
			}
		}
	}

	for _, e := range c.entries {
		site := e.native.Chain
		if site == nil || site.Patched || site.TargetPC != b.Entry {
			continue
		}
		if err := patchChain(e.native, site, native.Entry); err == nil {
			site.Patched = true
		}
	}
}

// patchChain is overridden in tests that don't want to exercise real
// executable-memory patching; production code always calls
// (*execmem.Slab).Patch.
var patchChain = func(pred *Compiled, site *ChainSite, target uintptr) error {
	disp := make([]byte, 4)
	amd64.PatchRel32(disp, 0, uint64(pred.Slab.EntryAt(site.InstrEnd)), uint64(target))
	return pred.Slab.Patch(site.Offset, disp)
}

// InvalidateRange discards every cached block whose instruction bytes
// overlap [addr, addr+length), using a page-number intersection test
// rather than exact byte ranges: any write into a page a block spans
// invalidates that block, even if the write lands outside the block's
// exact byte extent. Called from the WriteObserver installed on
// internal/memmap.Map.
func (c *Cache) InvalidateRange(addr uint32, length int) {
	if length <= 0 {
		return
	}
	startPage := addr >> pageShift
	endPage := (addr + uint32(length) - 1) >> pageShift

	c.mu.Lock()
	defer c.mu.Unlock()
	var hit bool
	for pc, e := range c.entries {
		if intersects(e.pages, startPage, endPage) {
			delete(c.entries, pc)
			hit = true
		}
	}
	if hit {
		c.generation++
		log.Cache.Debug().Uint32("addr", addr).Int("length", length).Uint64("generation", c.generation).Msg("self-modifying write invalidated cached block(s)")
	}
}

func intersects(pages []uint32, start, end uint32) bool {
	for _, p := range pages {
		if p >= start && p <= end {
			return true
		}
	}
	return false
}

// FlushAll discards every cached block and bumps Generation
// unconditionally, used on a full cache reset (e.g. a new boot image via
// SetupGame).
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	discarded := len(c.entries)
	c.entries = make(map[uint32]*entry)
	c.generation++
	log.Cache.Info().Int("discarded", discarded).Uint64("generation", c.generation).Msg("cache flushed")
}

// Len reports the number of cached blocks, for statistics reporting.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
