// Package shard implements the schedule server: the process that owns the
// free-time schedules of a fixed set of users and answers intersection
// queries about them for the router.
//
// # Overview
//
// Each user's schedule lives on exactly one shard. A shard loads its
// schedules once at startup, announces the usernames it owns (its roster) to
// the router, and from then on answers queries of the form "when are all of
// these users free?" with the intersection of their schedules.
//
//	┌─────────────────────────────────────┐
//	│               SHARD                 │
//	├─────────────────────────────────────┤
//	│  Server                             │
//	│    - announce roster on startup     │
//	│    - receive query datagrams        │
//	│    - reply with interval lists      │
//	├─────────────────────────────────────┤
//	│  Shard                              │
//	│    - Announce / Query               │
//	│    - atomic operation counters      │
//	├─────────────────────────────────────┤
//	│  storage.Store                      │
//	│    - text file or bolt database     │
//	│    - immutable after load           │
//	└─────────────────────────────────────┘
//
// # Operations
//
// Announce:
//   - Returns every owned username in load order
//   - Sent to the router once; the router keeps the latest copy until every
//     shard has registered
//
// Query:
//   - Looks up each username and folds interval.Intersect over the results
//   - Duplicates are harmless since intersection is idempotent
//   - A username outside the roster is treated as never free and logged
//
// # Concurrency Model
//
// The schedule is immutable once loaded, so Query takes no locks. Operation
// counters are updated with sync/atomic. Server.Run handles one datagram at a
// time; queries are small and answered from memory.
//
// # Failure Handling
//
// A malformed schedule aborts startup before anything is announced. Malformed
// or unexpected datagrams are logged and dropped. A failure to send a reply
// is returned from Run and ends the process.
package shard
