// Package interval implements the free-time algebra shared by shards and the
// router: ordered, non-overlapping integer intervals and their intersection.
package interval

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPerUser is the largest number of intervals a single schedule may hold.
const MaxPerUser = 10

var (
	// ErrEmptyInterval is returned when an interval does not satisfy start < end.
	ErrEmptyInterval = errors.New("start must be less than end")

	// ErrNegative is returned for intervals with negative bounds.
	ErrNegative = errors.New("interval bounds must be non-negative")

	// ErrUnordered is returned when an interval does not start strictly after
	// the previous one ends.
	ErrUnordered = errors.New("previous end must be less than the next start")

	// ErrTooMany is returned when a set holds more than MaxPerUser intervals.
	ErrTooMany = fmt.Errorf("more than %d intervals", MaxPerUser)
)

// Interval is a closed range of time slots [Start, End] with Start < End.
type Interval struct {
	Start int
	End   int
}

// String renders the interval in wire form, e.g. "[1, 3]".
func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d]", iv.Start, iv.End)
}

// Set is an ascending sequence of non-overlapping intervals. A nil or empty
// Set means "never free", which is distinct from an unknown schedule.
type Set []Interval

// Validate checks the load-time invariant: non-negative bounds, start < end,
// strictly increasing non-touching intervals and at most MaxPerUser entries.
func (s Set) Validate() error {
	if len(s) > MaxPerUser {
		return ErrTooMany
	}
	for i, iv := range s {
		if iv.Start < 0 || iv.End < 0 {
			return fmt.Errorf("%s: %w", iv, ErrNegative)
		}
		if iv.Start >= iv.End {
			return fmt.Errorf("%s: %w", iv, ErrEmptyInterval)
		}
		if i > 0 && s[i-1].End >= iv.Start {
			return fmt.Errorf("%s after %s: %w", iv, s[i-1], ErrUnordered)
		}
	}
	return nil
}

// Equal reports whether two sets hold the same intervals in the same order.
// A nil set equals an empty one.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no memory with s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// String renders the set as a bracketed, comma separated list, e.g.
// "[[1, 3], [8, 10]]". An empty set renders as "[]".
func (s Set) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, iv := range s {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(iv.String())
	}
	b.WriteByte(']')
	return b.String()
}

// Intersect returns the intersection of a and b. Both inputs must satisfy the
// Set invariant; the result does too. It runs in O(len(a)+len(b)).
func Intersect(a, b Set) Set {
	var out Set
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := max(a[i].Start, b[j].Start)
		hi := min(a[i].End, b[j].End)
		if lo < hi {
			out = append(out, Interval{Start: lo, End: hi})
		}
		// On a tie either side may advance: the next interval of each list
		// starts strictly after the shared end.
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Reduce folds Intersect over sets from left to right. A single set is
// returned unchanged and the fold stops as soon as the running result is
// empty. Reducing no sets yields an empty set.
func Reduce(sets ...Set) Set {
	if len(sets) == 0 {
		return nil
	}
	acc := sets[0]
	for _, s := range sets[1:] {
		if len(acc) == 0 {
			break
		}
		acc = Intersect(acc, s)
	}
	return acc
}
