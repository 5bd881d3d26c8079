package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, stallAfter time.Duration) (*HealthTracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewHealthTracker([]string{"A", "B"}, time.Second, stallAfter, zaptest.NewLogger(t))
	h.now = clock.Now
	return h, clock
}

// TestHealthTrackerTransitions tests status changes driven by router traffic
func TestHealthTrackerTransitions(t *testing.T) {
	h, _ := newTestTracker(t, 0)

	assert.Equal(t, HealthUnknown, h.GetShardHealth("A").Status)
	assert.False(t, h.IsHealthy("A"))

	h.Heard("A")
	assert.True(t, h.IsHealthy("A"))

	h.Dispatched("A")
	h.Dispatched("A")
	assert.Equal(t, 2, h.GetShardHealth("A").Outstanding)

	h.Replied("A")
	got := h.GetShardHealth("A")
	assert.Equal(t, 1, got.Outstanding)
	assert.Equal(t, HealthHealthy, got.Status)

	h.Missed("A")
	got = h.GetShardHealth("A")
	assert.Equal(t, 0, got.Outstanding)
	assert.Equal(t, 1, got.ConsecutiveMisses)
	assert.Equal(t, HealthHealthy, got.Status)

	assert.Nil(t, h.GetShardHealth("C"))
	assert.Len(t, h.GetAllShardHealth(), 2)
}

// TestHealthTrackerMisses tests that repeated await timeouts mark a shard unresponsive
func TestHealthTrackerMisses(t *testing.T) {
	h, _ := newTestTracker(t, 0)

	called := make(chan string, 1)
	h.SetOnUnresponsive(func(id string) { called <- id })

	h.Heard("B")
	for i := 0; i < 3; i++ {
		h.Dispatched("B")
		h.Missed("B")
	}
	assert.Equal(t, HealthUnresponsive, h.GetShardHealth("B").Status)

	select {
	case id := <-called:
		assert.Equal(t, "B", id)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	// A later result restores the shard.
	h.Dispatched("B")
	h.Replied("B")
	got := h.GetShardHealth("B")
	assert.Equal(t, HealthHealthy, got.Status)
	assert.Equal(t, 0, got.ConsecutiveMisses)
}

// TestHealthTrackerSweep tests that an unanswered sub-query is flagged as a stall
func TestHealthTrackerSweep(t *testing.T) {
	h, clock := newTestTracker(t, 10*time.Second)
	h.Heard("A")
	h.Dispatched("A")

	clock.Advance(5 * time.Second)
	h.sweep()
	assert.Equal(t, HealthHealthy, h.GetShardHealth("A").Status)

	clock.Advance(6 * time.Second)
	h.sweep()
	assert.Equal(t, HealthUnresponsive, h.GetShardHealth("A").Status)

	// Idle shards are never flagged.
	assert.Equal(t, HealthUnknown, h.GetShardHealth("B").Status)
}

// TestHealthTrackerStart tests that Start returns on cancellation and when disabled
func TestHealthTrackerStart(t *testing.T) {
	disabled := NewHealthTracker([]string{"A"}, 0, 0, nil)
	disabled.Start(context.Background())

	h := NewHealthTracker([]string{"A"}, 10*time.Millisecond, time.Minute, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "Start did not return")
	}
}
