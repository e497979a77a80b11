package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRingEvictsOldest(t *testing.T) {
	ring := NewStateRing(3)
	for i := 1; i <= 5; i++ {
		ring.Add(newHandlerState(fmt.Sprintf("req-%d", i), "TEST", "test"))
	}

	snap := ring.Snapshot()
	require.Len(t, snap, 3)

	// Newest first; the two oldest were evicted.
	assert.Equal(t, "req-5", snap[0].RequestID)
	assert.Equal(t, "req-4", snap[1].RequestID)
	assert.Equal(t, "req-3", snap[2].RequestID)

	_, ok := ring.Get("req-1")
	assert.False(t, ok)
	_, ok = ring.Get("req-4")
	assert.True(t, ok)
}

func TestStateRingPartialFill(t *testing.T) {
	ring := NewStateRing(10)
	ring.Add(newHandlerState("req-1", "TEST", "test"))
	ring.Add(newHandlerState("req-2", "TEST", "test"))

	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "req-2", snap[0].RequestID)
	assert.Equal(t, 2, ring.Len())
}

func TestStateRingConcurrentReadsAndWrites(t *testing.T) {
	ring := NewStateRing(64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ring.Add(newHandlerState(fmt.Sprintf("w%d-%d", w, i), "TEST", "test"))
				_ = ring.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 64, ring.Len())
}

func TestHandlerStateFinishOutcomes(t *testing.T) {
	s := newHandlerState("req-1", "TEST", "test")
	assert.Equal(t, PhaseCreated, s.Phase)

	s.setPhase(PhaseExecuting)
	s.finish(PhaseStopped, "", "")

	snap := s.Snapshot()
	assert.True(t, snap.Success)
	assert.True(t, snap.Phase.Terminal())
	assert.False(t, snap.CompletedAt.IsZero())

	failed := newHandlerState("req-2", "TEST", "test")
	failed.finish(PhaseFailed, "boom", "stack")
	snap = failed.Snapshot()
	assert.False(t, snap.Success)
	assert.Equal(t, "boom", snap.ErrorMessage)
	assert.Equal(t, "stack", snap.ExceptionStack)
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseStopped.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.True(t, PhaseTimedOut.Terminal())
	assert.False(t, PhaseExecuting.Terminal())
	assert.False(t, PhaseStreaming.Terminal())
}
