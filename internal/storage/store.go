package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/overlap/internal/interval"
)

// MaxUsernameLen is the longest username a schedule may contain.
const MaxUsernameLen = 20

var (
	// ErrUserNotFound is returned when a username has no schedule in the store
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateUser is returned when the same username is stored twice
	ErrDuplicateUser = errors.New("duplicate username")

	// ErrInvalidUsername is returned for names that are empty, too long or
	// contain anything other than lowercase ASCII letters
	ErrInvalidUsername = errors.New("invalid username")
)

// Store defines read access to a shard's schedule.
// Implementations are immutable once loaded and safe for concurrent reads.
type Store interface {
	// Get returns the free intervals of username.
	// Returns ErrUserNotFound if the user has no schedule
	Get(username string) (interval.Set, error)

	// Usernames returns every stored username in load order
	Usernames() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Users     int // Number of users
	Intervals int // Total number of intervals across all users
}

// MemoryStore implements Store with an in-memory map.
// It is filled once through Put while loading and only read afterwards.
type MemoryStore struct {
	mu    sync.RWMutex            // Protects concurrent access
	order []string                // Usernames in insertion order
	data  map[string]interval.Set // Username to schedule
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]interval.Set),
	}
}

// ValidateUsername checks that name is 1 to MaxUsernameLen lowercase letters.
func ValidateUsername(name string) error {
	if name == "" || len(name) > MaxUsernameLen {
		return fmt.Errorf("%w: %q must be 1 to %d characters", ErrInvalidUsername, name, MaxUsernameLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 'a' || name[i] > 'z' {
			return fmt.Errorf("%w: %q may only contain lowercase letters", ErrInvalidUsername, name)
		}
	}
	return nil
}

// Put validates and stores the schedule of one user.
// Makes a copy of the set to prevent external modification
func (m *MemoryStore) Put(username string, s interval.Set) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("schedule of %s: %w", username, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[username]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, username)
	}
	m.order = append(m.order, username)
	m.data[username] = s.Clone()
	return nil
}

// Get returns a copy of the user's schedule
func (m *MemoryStore) Get(username string) (interval.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.data[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	return s.Clone(), nil
}

// Usernames returns a copy of the usernames in load order
func (m *MemoryStore) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.order...)
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, s := range m.data {
		total += len(s)
	}
	return StoreStats{
		Users:     len(m.data),
		Intervals: total,
	}
}
