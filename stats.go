package blockcache

import "sync/atomic"

// Stats represents cache stats.
//
// Use [Cache.UpdateStats] for obtaining fresh stats from the cache.
type Stats struct {
	// GetCalls is the number of lookups (Get and Read calls).
	GetCalls uint64

	// Hits is the number of lookups served by a resident buffer.
	Hits uint64

	// Misses is the number of lookups that had to claim a buffer.
	Misses uint64

	// Evictions is the number of valid blocks displaced to make room
	// for another block.
	Evictions uint64

	// DiskReads is the number of block transfers from the device.
	DiskReads uint64

	// DiskWrites is the number of block transfers to the device.
	DiskWrites uint64

	// Slots is the fixed size of the buffer pool.
	Slots uint64

	// Shards is the number of shards the pool is distributed across.
	Shards uint64
}

// UpdateStats adds cache stats to s.
//
// Call [Stats.Reset] before calling UpdateStats if s is re-used.
func (c *Cache) UpdateStats(s *Stats) {
	for i := range c.shards {
		shard := &c.shards[i]
		s.GetCalls += atomic.LoadUint64(&shard.getCalls)
		s.Misses += atomic.LoadUint64(&shard.misses)
		s.Evictions += atomic.LoadUint64(&shard.evictions)
	}

	s.Hits = s.GetCalls - s.Misses
	s.DiskReads = c.diskReads.Load()
	s.DiskWrites = c.diskWrites.Load()
	s.Slots = uint64(c.opts.Slots)
	s.Shards = uint64(c.opts.Shards)
}

// Reset resets s, so it may be re-used again in [Cache.UpdateStats].
func (s *Stats) Reset() {
	*s = Stats{}
}
