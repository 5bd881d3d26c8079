package router

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	// ErrFrozen is returned when a roster arrives after every shard registered.
	ErrFrozen = errors.New("registry frozen")

	// ErrUnknownShard is returned for rosters from shards that are not configured.
	ErrUnknownShard = errors.New("unknown shard")
)

// Registry holds the roster of every configured shard, serving as the
// authoritative source for username ownership during routing.
//
// Lifecycle:
//
//	┌──────────────┐  all rosters present  ┌──────────┐
//	│ REGISTERING  │ ────────────────────▶ │  FROZEN  │
//	│ Register()   │                       │ read-only│
//	└──────────────┘                       └──────────┘
//
// While registering, a repeated roster from the same shard replaces the
// previous one; nothing is merged. Once every configured shard has
// registered the registry freezes and later rosters are rejected with
// ErrFrozen.
//
// Concurrency Model:
//   - Register takes the write lock
//   - Partition and the accessors take the read lock
//   - Returned slices and maps are copies
type Registry struct {
	order   []string            // Shard IDs in configured order
	rosters map[string][]string // Shard ID to roster
	owner   map[string]string   // Username to first owning shard, built on freeze
	mu      sync.RWMutex
	frozen  bool
}

// NewRegistry creates a registry expecting a roster from each of shardIDs.
// The order of shardIDs decides ownership when two rosters claim the same
// username: the earlier shard wins.
func NewRegistry(shardIDs []string) *Registry {
	return &Registry{
		order:   slices.Clone(shardIDs),
		rosters: make(map[string][]string, len(shardIDs)),
	}
}

// Register records the roster of shard id and reports whether every shard
// has now registered. The registry freezes on the call that completes it.
func (r *Registry) Register(id string, roster []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return true, ErrFrozen
	}
	if !slices.Contains(r.order, id) {
		return false, fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	r.rosters[id] = slices.Clone(roster)

	if len(r.rosters) < len(r.order) {
		return false, nil
	}
	r.freeze()
	return true, nil
}

// freeze builds the ownership index. Callers hold the write lock.
func (r *Registry) freeze() {
	r.owner = make(map[string]string)
	for _, id := range r.order {
		for _, name := range r.rosters[id] {
			if _, taken := r.owner[name]; !taken {
				r.owner[name] = id
			}
		}
	}
	r.frozen = true
}

// Frozen reports whether every shard has registered.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Pending returns the shards that have not registered yet, in configured order.
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.order {
		if _, ok := r.rosters[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Roster returns the roster registered by shard id.
func (r *Registry) Roster(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster, ok := r.rosters[id]
	return slices.Clone(roster), ok
}

// Rosters returns a copy of every registered roster.
func (r *Registry) Rosters() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.rosters))
	for id, roster := range r.rosters {
		out[id] = slices.Clone(roster)
	}
	return out
}

// Partition is the per-query split of usernames by owning shard.
//
// Every queried username appears exactly once across ByShard and NotFound,
// duplicates included, and each list keeps query order.
type Partition struct {
	ByShard  map[string][]string // Shard ID to the usernames it owns
	Found    []string            // Owned usernames in query order
	NotFound []string            // Usernames absent from every roster
	targets  []string
}

// Targets returns the shards with a non-empty sub-query, in configured order.
// Only these shards are dispatched to.
func (p Partition) Targets() []string {
	return slices.Clone(p.targets)
}

// Partition splits usernames by owning shard. It must only be called once
// the registry is frozen; before that every name is reported as not found.
func (r *Registry) Partition(usernames []string) Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := Partition{ByShard: make(map[string][]string)}
	for _, name := range usernames {
		id, ok := r.owner[name]
		if !ok {
			p.NotFound = append(p.NotFound, name)
			continue
		}
		p.ByShard[id] = append(p.ByShard[id], name)
		p.Found = append(p.Found, name)
	}
	for _, id := range r.order {
		if len(p.ByShard[id]) > 0 {
			p.targets = append(p.targets, id)
		}
	}
	return p
}
