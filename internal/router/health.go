package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Shard health statuses.
const (
	HealthUnknown      = "unknown"
	HealthHealthy      = "healthy"
	HealthUnresponsive = "unresponsive"
)

// ShardHealth tracks the health status of a single shard.
// Thread-safe: Protected by HealthTracker's mutex when accessed.
type ShardHealth struct {
	LastHeard         time.Time `json:"last_heard"`         // Last roster or result from the shard
	LastDispatch      time.Time `json:"last_dispatch"`      // Last sub-query sent to the shard
	PendingSince      time.Time `json:"pending_since"`      // Start of the oldest unanswered sub-query
	ShardID           string    `json:"shard_id"`           // Shard identifier
	Status            string    `json:"status"`             // "unknown", "healthy" or "unresponsive"
	Outstanding       int       `json:"outstanding"`        // Sub-queries without a result yet
	ConsecutiveMisses int       `json:"consecutive_misses"` // Await timeouts in a row
}

// HealthTracker follows shard health from the router's own traffic. Shards
// are never polled: a roster or result marks a shard healthy, and a shard is
// marked unresponsive after maxMisses await timeouts in a row or when a
// sub-query stays unanswered for longer than the stall threshold.
//
// The stall check matters when the await timeout is disabled: the router then
// waits forever for a silent shard, and the tracker is the only place the
// stall becomes visible.
type HealthTracker struct {
	shards         map[string]*ShardHealth
	onUnresponsive func(shardID string)
	now            func() time.Time
	logger         *zap.Logger
	interval       time.Duration
	stallAfter     time.Duration
	mu             sync.RWMutex
	maxMisses      int
}

// NewHealthTracker creates a tracker for shardIDs. Every shard starts as
// "unknown". The sweep started by Start runs every interval and flags
// sub-queries older than stallAfter.
func NewHealthTracker(shardIDs []string, interval, stallAfter time.Duration, logger *zap.Logger) *HealthTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthTracker{
		shards:     make(map[string]*ShardHealth, len(shardIDs)),
		now:        time.Now,
		logger:     logger,
		interval:   interval,
		stallAfter: stallAfter,
		maxMisses:  3,
	}
	for _, id := range shardIDs {
		h.shards[id] = &ShardHealth{ShardID: id, Status: HealthUnknown}
	}
	return h
}

// SetOnUnresponsive sets the callback invoked when a shard becomes unresponsive.
func (h *HealthTracker) SetOnUnresponsive(callback func(shardID string)) {
	h.onUnresponsive = callback
}

// Start runs the stall sweep until ctx is canceled. It returns immediately
// when the interval or stall threshold is not positive.
func (h *HealthTracker) Start(ctx context.Context) {
	if h.interval <= 0 || h.stallAfter <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthTracker) sweep() {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.shards {
		if s.Outstanding == 0 || s.Status == HealthUnresponsive {
			continue
		}
		if now.Sub(s.PendingSince) >= h.stallAfter {
			h.logger.Warn("shard has not answered",
				zap.String("shard", s.ShardID),
				zap.Int("outstanding", s.Outstanding),
				zap.Duration("waiting", now.Sub(s.PendingSince)))
			h.markUnresponsive(s)
		}
	}
}

// Heard records a roster from shard id.
func (h *HealthTracker) Heard(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.shards[id]; ok {
		s.LastHeard = h.now()
		if s.Status == HealthUnknown {
			s.Status = HealthHealthy
		}
	}
}

// Dispatched records a sub-query sent to shard id.
func (h *HealthTracker) Dispatched(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.shards[id]
	if !ok {
		return
	}
	now := h.now()
	if s.Outstanding == 0 {
		s.PendingSince = now
	}
	s.Outstanding++
	s.LastDispatch = now
}

// Replied records a result from shard id.
func (h *HealthTracker) Replied(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.shards[id]
	if !ok {
		return
	}
	now := h.now()
	if s.Status == HealthUnresponsive {
		h.logger.Info("shard recovered", zap.String("shard", id))
	}
	s.Status = HealthHealthy
	s.LastHeard = now
	s.ConsecutiveMisses = 0
	if s.Outstanding > 0 {
		s.Outstanding--
	}
	s.PendingSince = now
}

// Missed records a sub-query to shard id that timed out.
func (h *HealthTracker) Missed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.shards[id]
	if !ok {
		return
	}
	if s.Outstanding > 0 {
		s.Outstanding--
	}
	s.ConsecutiveMisses++
	h.logger.Warn("shard missed a result",
		zap.String("shard", id),
		zap.Int("attempt", s.ConsecutiveMisses),
		zap.Int("max", h.maxMisses))

	if s.ConsecutiveMisses >= h.maxMisses {
		h.markUnresponsive(s)
	}
}

// markUnresponsive changes the status and fires the callback on transition.
// Callers hold the write lock.
func (h *HealthTracker) markUnresponsive(s *ShardHealth) {
	if s.Status == HealthUnresponsive {
		return
	}
	s.Status = HealthUnresponsive
	h.logger.Error("shard marked unresponsive", zap.String("shard", s.ShardID))
	if h.onUnresponsive != nil {
		// Call callback without holding the lock
		go h.onUnresponsive(s.ShardID)
	}
}

// GetShardHealth returns a copy of the health of shard id, or nil.
func (h *HealthTracker) GetShardHealth(id string) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.shards[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// GetAllShardHealth returns a copy of the health of every shard.
func (h *HealthTracker) GetAllShardHealth() map[string]*ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]*ShardHealth, len(h.shards))
	for id, s := range h.shards {
		cp := *s
		out[id] = &cp
	}
	return out
}

// IsHealthy returns whether shard id is currently healthy.
func (h *HealthTracker) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.shards[id]
	return ok && s.Status == HealthHealthy
}
