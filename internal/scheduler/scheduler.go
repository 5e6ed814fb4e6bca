// Package scheduler runs the auxiliary host threads a guest CPU needs
// alongside its own dispatcher loop — input polling and a delayed-thread
// wake timer — and owns the single point where the active cpustate.Context
// the dispatcher operates on can be swapped out from under it between
// blocks, as described in spec.md section 4.8.
package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/pspultra/allegrex/internal/cpustate"
	"github.com/pspultra/allegrex/internal/dispatcher"
	"github.com/pspultra/allegrex/internal/inputstate"
	"github.com/pspultra/allegrex/pkg/log"
	"golang.org/x/sync/errgroup"
)

// InputSource polls whatever host input backend is wired in (a real
// pad, a network replay, a test double) and returns the current
// button-state snapshot. It is called on a fixed interval by the
// scheduler's polling goroutine, never by the dispatcher goroutine
// itself.
type InputSource func() inputstate.Snapshot

// Scheduler owns the dispatcher's active context pointer and the
// auxiliary goroutines that run alongside the single dispatcher
// goroutine. The auxiliary goroutines never touch the CPU context
// directly: they communicate only through the dispatcher's own
// cooperative break flag and the seqlock-guarded inputstate.State.
type Scheduler struct {
	d      *dispatcher.Dispatcher
	input  *inputstate.State
	source InputSource
	poll   time.Duration
	wake   time.Duration

	running atomic.Bool
	stop    chan struct{}
	g       errgroup.Group
}

// New builds a Scheduler over an existing Dispatcher and shared
// inputstate.State. poll is how often the input-polling goroutine calls
// source; wake is the delayed-thread wake timer's granularity. Either
// duration may be zero to disable that auxiliary goroutine.
func New(d *dispatcher.Dispatcher, input *inputstate.State, source InputSource, poll, wake time.Duration) *Scheduler {
	return &Scheduler{d: d, input: input, source: source, poll: poll, wake: wake}
}

// SwitchContext swaps the cpustate.Context the dispatcher operates on. Safe
// to call from any goroutine: the dispatcher only re-reads its context
// pointer between blocks, never mid-block, so a switch made concurrently
// with a running block takes effect starting with the block that
// follows.
func (s *Scheduler) SwitchContext(ctx *cpustate.Context) {
	s.d.SetContext(ctx)
	log.Sched.Debug().Uint32("pc", ctx.PC).Msg("context switched")
}

// Start launches the auxiliary goroutines under an errgroup. Idempotent:
// calling it again while already running is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})
	if s.source != nil && s.poll > 0 {
		s.g.Go(s.pollInput)
	}
	if s.wake > 0 {
		s.g.Go(s.wakeDelayedThreads)
	}
	log.Sched.Info().Msg("scheduler started")
}

func (s *Scheduler) pollInput() error {
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return nil
		case <-t.C:
			s.input.Store(s.source())
		}
	}
}

// wakeDelayedThreads mirrors the source's timer-driven wake of guest
// threads parked on a sleep/delay syscall: on this port it only ticks so
// far, since guest thread scheduling itself lives outside the dynarec
// core (spec.md section 1's HLE service bodies are external
// collaborators); the hook exists so a real thread manager has
// somewhere to plug in without touching the dispatcher goroutine.
func (s *Scheduler) wakeDelayedThreads() error {
	t := time.NewTicker(s.wake)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return nil
		case <-t.C:
			log.Sched.Debug().Msg("delayed-thread wake tick")
		}
	}
}

// Stop signals every auxiliary goroutine to exit, waits for them, then
// requests the dispatcher itself stop at its next block boundary.
// Idempotent.
func (s *Scheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		s.d.Stop() // no goroutines to wait for; the dispatcher still stops
		return nil
	}
	close(s.stop)
	err := s.g.Wait()
	s.d.Stop()
	log.Sched.Info().Msg("scheduler stopped")
	return err
}
