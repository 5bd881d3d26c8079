package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/overlap/internal/interval"
)

var (
	schedulesBucket = []byte("schedules")
	metaBucket      = []byte("meta")
	rosterKey       = []byte("roster")
)

// ErrNoSchedules is returned when a bolt file lacks the schedules bucket.
var ErrNoSchedules = errors.New("no schedules bucket")

// SaveBolt writes every schedule in src to a bolt database at path,
// replacing any schedules already there.
func SaveBolt(path string, src Store) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	names := src.Usernames()
	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(schedulesBucket) != nil {
			if err := tx.DeleteBucket(schedulesBucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(schedulesBucket)
		if err != nil {
			return err
		}
		for _, name := range names {
			set, err := src.Get(name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			v, err := json.Marshal(encodeSet(set))
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), v); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(rosterKey, []byte(strings.Join(names, " ")))
	})
}

// LoadBolt reads a database written by SaveBolt into a MemoryStore. Every
// schedule is validated again on the way in.
func LoadBolt(path string) (*MemoryStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	store := NewMemoryStore()
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulesBucket)
		if b == nil {
			return ErrNoSchedules
		}

		// Preserve load order when the roster was recorded; fall back to key order.
		var names []string
		if meta := tx.Bucket(metaBucket); meta != nil {
			names = strings.Fields(string(meta.Get(rosterKey)))
		}
		if len(names) == 0 {
			if err := b.ForEach(func(k, _ []byte) error {
				names = append(names, string(k))
				return nil
			}); err != nil {
				return err
			}
		}

		for _, name := range names {
			v := b.Get([]byte(name))
			if v == nil {
				return fmt.Errorf("%w: %s listed in roster", ErrUserNotFound, name)
			}
			var pairs [][2]int
			if err := json.Unmarshal(v, &pairs); err != nil {
				return fmt.Errorf("decode %s: %w", name, err)
			}
			if err := store.Put(name, decodeSet(pairs)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func encodeSet(s interval.Set) [][2]int {
	out := make([][2]int, len(s))
	for i, iv := range s {
		out[i] = [2]int{iv.Start, iv.End}
	}
	return out
}

func decodeSet(pairs [][2]int) interval.Set {
	if len(pairs) == 0 {
		return nil
	}
	out := make(interval.Set, len(pairs))
	for i, p := range pairs {
		out[i] = interval.Interval{Start: p[0], End: p[1]}
	}
	return out
}
