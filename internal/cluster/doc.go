// Package cluster provides the datagram plumbing shared by the router and its
// shards.
//
// # Overview
//
// Shards and the router exchange unreliable datagrams. Each shard binds one
// well-known UDP address and uses it both to announce its roster and to answer
// sub-queries; the router binds a single UDP address for registration and
// result collection. Because payloads of the legacy protocol carry no sender
// identity, the router tells shards apart purely by source address:
//
//	        ┌──────────────┐
//	        │    Router    │  UDP 127.0.0.1:23984
//	        └──────┬───────┘
//	               │
//	      ┌────────┴────────┐
//	      │                 │
//	┌─────▼─────┐     ┌─────▼─────┐
//	│  Shard A  │     │  Shard B  │
//	│  :21984   │     │  :22984   │
//	└───────────┘     └───────────┘
//
// # Core Components
//
// ShardInfo: a shard ID and the address it sends from.
//
// Directory: the router's resolved view of the configured shards, used to
// identify the sender of every datagram. Shards configured with an
// unspecified host match any source IP on their port.
//
// Endpoint: a UDP socket whose Receive and Send calls honour a
// context.Context, so blocking waits can be cancelled or bounded by a
// deadline without polling.
//
// # Concurrency Model
//
// Send may be called from several goroutines at once. Receive reuses a single
// buffer and must only be called from one goroutine; the router and the shard
// server each run exactly one reader loop per endpoint.
package cluster
