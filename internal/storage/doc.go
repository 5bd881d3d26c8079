// Package storage holds the schedules a shard serves: an immutable mapping from
// username to the ordered set of intervals during which that user is free.
//
// # Sources
//
// Schedules are loaded once at shard startup from one of two sources:
//
//   - A text file with one entry per line, "username;[[s1,e1],[s2,e2],...]".
//     Load and LoadFile parse it, ignoring whitespace inside the interval list.
//   - A bolt database written by SaveBolt, read back with LoadBolt. The
//     "schedules" bucket maps usernames to JSON encoded interval pairs and the
//     "meta" bucket records the roster order.
//
// # Validation
//
// Every entry is checked before it is stored:
//
//   - usernames are 1 to 20 lowercase ASCII letters and unique within a file
//   - every interval has non-negative bounds and start < end
//   - intervals are ascending and the previous end is strictly less than the
//     next start
//   - a user has at most 10 intervals
//
// A violation aborts loading with a *LoadError naming the offending line.
// Nothing is merged or repaired; operators fix the data and restart the shard.
//
// # Concurrency
//
// MemoryStore is filled through Put while loading and only read afterwards.
// Reads take a shared lock and return copies, so a Store may be shared freely
// between goroutines.
package storage
