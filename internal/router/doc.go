// Package router implements the aggregator between clients and shards: it
// learns which shard owns which username, splits each client query by owner,
// fans the pieces out over datagrams and replies with the intersection of
// the partial results.
//
// # Overview
//
// Clients connect over a stream and send username lists. Shards live behind
// a single datagram endpoint and are identified by the address they send
// from, never by anything in the payload.
//
//	 client ──stream──▶ ┌──────────────────────────────┐
//	                    │            ROUTER            │
//	                    │                              │
//	                    │  Registry   rosters, owners  │
//	                    │  readLoop   datagram demux   │──datagram──▶ shard A
//	                    │  sessions   one per client   │──datagram──▶ shard B
//	                    │  Health     per-shard status │
//	                    │  Metrics    prometheus       │
//	                    └──────────────────────────────┘
//
// # State Machine
//
//	INIT ─▶ REGISTERING ─▶ READY ─▶ ROUTING ─▶ AWAITING_RESULTS ─▶ REPLYING ─┐
//	                         ▲                                               │
//	                         └───────────────────────────────────────────────┘
//
// INIT binds both transports. REGISTERING collects one roster per configured
// shard; a repeated roster replaces the earlier one. READY accepts clients.
// For each query ROUTING partitions the usernames and immediately sends the
// not-found notice when some names belong to no roster. AWAITING_RESULTS
// dispatches one sub-query to each shard with a non-empty share and waits for
// those shards only. REPLYING intersects what arrived and sends
//
//	Time intervals [<list>] works for <found usernames>.
//
// When no shard has a share nothing more is sent for the query.
//
// # Concurrency Model
//
// A single goroutine reads the shard endpoint and hands results to waiting
// queries through buffered channels. Every client session runs in its own
// goroutine under an errgroup. With the tagged protocol each sub-query
// carries a sequence number and sessions proceed in parallel; the legacy
// protocol has no correlation field, so dispatch and collection are
// serialized. After an await timeout the router remembers that the silent
// shard still owes a result and discards the next one it sends, so a late
// answer is not credited to the following query. A shard whose reply was
// lost rather than delayed therefore costs the next query its answer too.
//
// # Timeouts
//
// By default a query waits for every dispatched shard indefinitely, and a
// silent shard stalls that query. With a positive await timeout the router
// replies with the intersection of the results that did arrive, naming only
// the usernames those shards own, or sends nothing when none did. The health tracker marks shards unresponsive after
// repeated misses or a stall, which is visible on the admin endpoint.
//
// # Failure Handling
//
// Client I/O errors end only that session. Failures sending to or receiving
// from shards stop the router, and Run returns the error.
package router
