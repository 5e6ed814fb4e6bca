// Package cpu is the top-level facade that assembles every other
// internal package into the CPU API described in spec.md section 6:
// one guest register file, one memory map, one code cache, one
// dispatcher, and the auxiliary goroutines a real embedder needs
// alongside them. Nothing under internal/ imports this package; it
// sits one layer above all of them and depends on internal/cpustate
// for the register-file type they share.
package cpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/pspultra/allegrex/internal/block"
	"github.com/pspultra/allegrex/internal/cache"
	"github.com/pspultra/allegrex/internal/codegen"
	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/dispatcher"
	"github.com/pspultra/allegrex/internal/inputstate"
	"github.com/pspultra/allegrex/internal/memmap"
	"github.com/pspultra/allegrex/internal/scheduler"
	"github.com/pspultra/allegrex/internal/stats"
	syscallshim "github.com/pspultra/allegrex/internal/syscall"
	"github.com/pspultra/allegrex/internal/trace"
	"github.com/pspultra/allegrex/pkg/log"
)

// Options configures a CPU at construction time. Zero values are
// sensible defaults: no trace file, no input polling, no delayed-thread
// wake timer.
type Options struct {
	// TracePath, if non-empty, opens a trace.Sink at that path (only
	// meaningful under the trace build tag; a no-op sink otherwise).
	TracePath string
	// InputSource, if set, is polled by the scheduler's input goroutine
	// every InputPollInterval.
	InputSource       scheduler.InputSource
	InputPollInterval time.Duration
	// ThreadWakeInterval, if non-zero, starts the scheduler's
	// delayed-thread wake timer at that granularity.
	ThreadWakeInterval time.Duration
}

// CPU ties together the guest register file, memory map, syscall table,
// code generator/cache/dispatcher, scheduler, statistics registry, and
// trace sink into the single object an embedder constructs once per
// emulated CPU core.
type CPU struct {
	mem      *memmap.Map
	ctx      *cpustate.Context
	syscalls *syscallshim.Table
	gen      *codegen.Generator
	cache    *cache.Cache
	pipeline *dispatcher.Pipeline
	disp     *dispatcher.Dispatcher
	sched    *scheduler.Scheduler
	stats    *stats.Registry
	tracer   trace.Sink

	exportsMu sync.RWMutex
	exports   map[uint32]uint32
}

// New assembles a CPU over an already-populated guest memory map. mem's
// regions must already be registered (AddRegion) before New is called;
// New installs its own WriteObserver on mem, so any observer the caller
// set previously is replaced.
func New(mem *memmap.Map, opts Options) (*CPU, error) {
	var tr trace.Sink
	if opts.TracePath != "" {
		var err error
		tr, err = trace.OpenFile(opts.TracePath)
		if err != nil {
			return nil, fmt.Errorf("cpu: open trace sink: %w", err)
		}
	}

	if tr == nil {
		// codegen.NewGenerator would fall back to the same no-op/default
		// sink internally if handed nil, but cpu.Cleanup needs its own
		// reference to close, so resolve it here instead.
		var err error
		tr, err = trace.OpenFile("")
		if err != nil {
			return nil, fmt.Errorf("cpu: open default trace sink: %w", err)
		}
	}

	ctx := cpustate.NewContext()
	syscalls := syscallshim.NewTable()
	gen, err := codegen.NewGenerator(mem, syscalls, tr)
	if err != nil {
		return nil, fmt.Errorf("cpu: build code generator: %w", err)
	}
	c := cache.New()

	pipeline := &dispatcher.Pipeline{
		Builder: &block.Builder{},
		Fetch:   mem,
		Gen:     gen,
	}
	disp := dispatcher.New(ctx, c, pipeline)
	sched := scheduler.New(disp, &inputstate.State{}, opts.InputSource, opts.InputPollInterval, opts.ThreadWakeInterval)

	cpu := &CPU{
		mem:      mem,
		ctx:      ctx,
		syscalls: syscalls,
		gen:      gen,
		cache:    c,
		pipeline: pipeline,
		disp:     disp,
		sched:    sched,
		stats:    stats.New(),
		tracer:   tr,
		exports:  make(map[uint32]uint32),
	}

	// Self-modifying writes must invalidate whatever the cache holds for
	// the overwritten pages, or a block compiled before the write would
	// go on running stale host code forever (spec.md scenario S3).
	mem.SetWriteObserver(func(addr uint32, length int) {
		c.InvalidateRange(addr, length)
	})

	cpu.stats.Add(stats.Field{Name: "cycles", Read: func() any { return cpu.ctx.Cycles }})
	cpu.stats.Add(stats.Field{Name: "blocks_compiled", Read: func() any { return c.Len() }})
	cpu.stats.Add(stats.Field{Name: "cache_generation", Read: func() any { return c.Generation() }})

	log.Root.Info().Msg("cpu core assembled")
	return cpu, nil
}

// RegisterSyscall installs a managed stub under nid and returns its SID.
// Compiled code does not embed the SID: the out-of-line syscall thunk
// reads it from v0 (GPR 2) when the SYSCALL executes.
func (c *CPU) RegisterSyscall(nid uint32, desc syscallshim.Descriptor, fn syscallshim.ManagedStub) (int32, error) {
	return c.syscalls.Register(nid, fn, desc)
}

// RegisterUserExports installs a batch of guest-callable export
// addresses, keyed by the game's own export ordinal or hashed symbol
// name (the caller's choice; the CPU core only stores the mapping).
// Single-writer discipline: intended to be called during SetupGame,
// before any goroutine is executing guest code, but is safe to call at
// any time since it only ever holds the lock for the copy.
func (c *CPU) RegisterUserExports(exports map[uint32]uint32) {
	c.exportsMu.Lock()
	defer c.exportsMu.Unlock()
	for k, v := range exports {
		c.exports[k] = v
	}
	log.Root.Debug().Int("count", len(exports)).Msg("user exports registered")
}

// LookupUserExport resolves an export id installed by RegisterUserExports.
func (c *CPU) LookupUserExport(id uint32) (uint32, bool) {
	c.exportsMu.RLock()
	defer c.exportsMu.RUnlock()
	addr, ok := c.exports[id]
	return addr, ok
}

// SetupGame resets the register file and flushes the code cache, then
// points execution at entry — the reset path a boot image load takes,
// whether it's the first game loaded into this CPU or a subsequent one
// reusing the same executable-memory budget.
func (c *CPU) SetupGame(entry uint32) error {
	c.ctx.Reset()
	c.ctx.PC = entry
	c.cache.FlushAll()
	log.Root.Info().Uint32("entry", entry).Msg("game set up")
	return nil
}

// ExecuteBlock runs one compiled block (or a chain of them; see
// dispatcher.ExecuteBlock) and returns why it stopped.
func (c *CPU) ExecuteBlock() (codegen.ExitReason, error) {
	return c.disp.ExecuteBlock()
}

// Start launches the scheduler's auxiliary goroutines (input polling,
// delayed-thread wake) alongside the caller's own dispatcher loop.
func (c *CPU) Start() {
	c.sched.Start()
}

// Stop requests a cooperative stop of both the dispatcher and every
// auxiliary goroutine the scheduler owns, then waits for the auxiliary
// goroutines to exit.
func (c *CPU) Stop() error {
	return c.sched.Stop()
}

// Cleanup releases resources that outlive a single run: the trace sink,
// if one is open. Call after the caller's own dispatcher loop has
// returned from a terminal ExecuteBlock/Run.
func (c *CPU) Cleanup() error {
	return c.tracer.Close()
}

// PrintStatistics dumps every registered stats.Field. A no-op unless
// built with the statistics build tag.
func (c *CPU) PrintStatistics() {
	c.stats.Print()
}

// Context exposes the live register file for callers that need direct
// access (a debugger frontend, a save-state writer). Not needed by
// SetupGame/ExecuteBlock/Stop themselves.
func (c *CPU) Context() *cpustate.Context { return c.ctx }
