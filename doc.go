// Package blockcache provides a fixed-capacity, thread-safe cache of
// fixed-size device blocks.
//
// The cache sits between a storage layer and a slow block [Device]. It
// serves repeated reads of the same block from memory, serializes access
// to a block's bytes, and reclaims buffers under a fixed capacity bound
// when new blocks must be loaded.
//
// # Architecture
//
// A fixed pool of buffers is distributed across independently locked
// shards. Block numbers are routed to shards with [xxh3]. Each shard
// contains:
//
//   - A short-held mutex guarding membership and buffer metadata
//   - A singly-linked list of the buffers it currently owns
//
// Buffers are never allocated after [New]; a cache miss re-keys an
// unreferenced buffer, stealing one from another shard when the home
// shard has none to give.
//
// # Locking
//
// Every buffer carries its own access lock, held by exactly one caller
// between [Cache.Get] (or [Cache.Read]) and [Cache.Release]. Shard
// mutexes are never held across a device transfer or across an access
// lock acquisition. The cross-shard reclaim path is serialized by a
// table-wide mutex so that two reclaiming goroutines can never wait on
// each other's shard locks.
//
// # Eviction
//
// Reclaim takes the first buffer found with a zero reference count; there
// is no recency tracking. A buffer is kept resident either by holding it
// or by [Cache.Pin]. When every buffer in the table is referenced, a miss
// cannot make progress and Get panics rather than hand out a buffer some
// other caller still owns.
//
// # Persistence
//
// The resident blocks can be [Cache.SaveToFile] and [LoadFromFile] using
// gob encoding with snappy compression; every payload is checksummed
// with xxh3 and verified on load.
//
// # Thread Safety
//
// All [Cache] methods are safe for concurrent use by multiple goroutines.
// A buffer's payload may only be touched by the caller currently holding
// it.
//
// [xxh3]: https://github.com/zeebo/xxh3
package blockcache
