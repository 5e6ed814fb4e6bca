package inputstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	var s State
	s.Store(Snapshot{Make: 1, Break: 2, Press: 3, Release: 4})
	got := s.Load()
	assert.Equal(t, Snapshot{Make: 1, Break: 2, Press: 3, Release: 4}, got)
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	var s State
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); ; i++ {
			select {
			case <-stop:
				return
			default:
				s.Store(Snapshot{Make: i, Break: i, Press: i, Release: i})
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := s.Load()
		assert.Equal(t, snap.Make, snap.Break, "torn read: all four words must match the same generation")
		assert.Equal(t, snap.Make, snap.Press)
		assert.Equal(t, snap.Make, snap.Release)
	}
	close(stop)
	wg.Wait()
}
