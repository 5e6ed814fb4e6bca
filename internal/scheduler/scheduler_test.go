package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pspultra/allegrex/internal/block"
	"github.com/pspultra/allegrex/internal/cache"
	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/dispatcher"
	"github.com/pspultra/allegrex/internal/inputstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompiler struct{}

func (stubCompiler) Compile(entry uint32) (*block.Block, *cache.Compiled, error) {
	return &block.Block{Entry: entry}, &cache.Compiled{}, nil
}

func (stubCompiler) TrampolineEntry() uintptr { return 0 }

func TestSwitchContextRepointsDispatcher(t *testing.T) {
	first := cpustate.NewContext()
	first.PC = 0x08001000
	d := dispatcher.New(first, cache.New(), stubCompiler{})
	s := New(d, &inputstate.State{}, nil, 0, 0)

	second := cpustate.NewContext()
	second.PC = 0x08002000
	s.SwitchContext(second)

	assert.Same(t, second, d.Context())
}

func TestPollInputStoresSourceSnapshots(t *testing.T) {
	var calls atomic.Int32
	source := func() inputstate.Snapshot {
		calls.Add(1)
		return inputstate.Snapshot{Make: uint32(calls.Load())}
	}

	ctx := cpustate.NewContext()
	d := dispatcher.New(ctx, cache.New(), stubCompiler{})
	input := &inputstate.State{}
	s := New(d, input, source, time.Millisecond, 0)

	s.Start()
	require.Eventually(t, func() bool {
		return input.Load().Make > 0
	}, time.Second, time.Millisecond, "polling goroutine must publish at least one snapshot")

	require.NoError(t, s.Stop())
}

func TestStopIsIdempotentAndStopsDispatcher(t *testing.T) {
	ctx := cpustate.NewContext()
	d := dispatcher.New(ctx, cache.New(), stubCompiler{})
	s := New(d, &inputstate.State{}, nil, 0, time.Millisecond)

	s.Start()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "a second Stop must be a no-op, not a double-close panic")

	assert.True(t, ctx.BreakPending(), "Stop must also request the dispatcher's cooperative stop")
}

func TestStartWithoutSourceOrWakeNeverBlocksStop(t *testing.T) {
	ctx := cpustate.NewContext()
	d := dispatcher.New(ctx, cache.New(), stubCompiler{})
	s := New(d, &inputstate.State{}, nil, 0, 0)

	s.Start()
	require.NoError(t, s.Stop())
}
