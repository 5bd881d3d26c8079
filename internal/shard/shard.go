package shard

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/interval"
	"github.com/dreamware/overlap/internal/storage"
)

// Shard owns the schedules of a fixed set of users and answers intersection
// queries over them. The schedule is immutable after load, so a Shard needs
// no locking beyond its atomic counters.
type Shard struct {
	ID     string        // Shard identifier, e.g. "A"
	Store  storage.Store // Loaded schedules
	stats  OperationStats
	logger *zap.Logger
}

// OperationStats tracks operation counts
type OperationStats struct {
	Queries      uint64 // Number of queries answered
	Lookups      uint64 // Number of usernames looked up
	Misses       uint64 // Lookups for users outside the roster
	EmptyResults uint64 // Queries whose intersection was empty
}

// ShardStats combines operation counts with storage statistics
type ShardStats struct {
	Ops     OperationStats
	Storage storage.StoreStats
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID        string `json:"id"`
	Users     int    `json:"users"`
	Intervals int    `json:"intervals"`
}

// New creates a shard serving the schedules in store.
func New(id string, store storage.Store, logger *zap.Logger) *Shard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shard{
		ID:     id,
		Store:  store,
		logger: logger.With(zap.String("shard", id)),
	}
}

// Announce returns the roster: every username this shard owns, in load order.
func (s *Shard) Announce() []string {
	return s.Store.Usernames()
}

// Query intersects the schedules of usernames. Duplicate names are harmless
// because intersection is idempotent. A name the shard does not own counts
// as a user who is never free; callers are expected to send only names from
// the roster.
func (s *Shard) Query(usernames []string) interval.Set {
	atomic.AddUint64(&s.stats.Queries, 1)
	s.logger.Info("received query", zap.Strings("usernames", usernames))

	sets := make([]interval.Set, 0, len(usernames))
	for _, name := range usernames {
		atomic.AddUint64(&s.stats.Lookups, 1)
		set, err := s.Store.Get(name)
		if errors.Is(err, storage.ErrUserNotFound) {
			atomic.AddUint64(&s.stats.Misses, 1)
			s.logger.Warn("username not in roster", zap.String("username", name))
		}
		sets = append(sets, set)
	}

	result := interval.Reduce(sets...)
	if len(result) == 0 {
		atomic.AddUint64(&s.stats.EmptyResults, 1)
	}
	s.logger.Info("computed result", zap.Stringer("result", result))
	return result
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Queries:      atomic.LoadUint64(&s.stats.Queries),
			Lookups:      atomic.LoadUint64(&s.stats.Lookups),
			Misses:       atomic.LoadUint64(&s.stats.Misses),
			EmptyResults: atomic.LoadUint64(&s.stats.EmptyResults),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	st := s.Store.Stats()
	return ShardInfo{
		ID:        s.ID,
		Users:     st.Users,
		Intervals: st.Intervals,
	}
}
