package blockcache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Default sizing applied by [New] for Options fields left zero.
const (
	DefaultSlots     = 64
	DefaultShards    = 16
	DefaultBlockSize = 4096
)

// Options configure a [Cache]. The zero value of any field selects the
// corresponding default.
type Options struct {
	// Slots is the total number of buffers in the pool. The pool never
	// grows; at most Slots distinct blocks are resident at a time.
	Slots int

	// Shards is the number of independently locked shards the buffers
	// are distributed across.
	Shards int

	// BlockSize is the payload size of a single block, in bytes.
	BlockSize int
}

func (o Options) withDefaults() Options {
	if o.Slots == 0 {
		o.Slots = DefaultSlots
	}
	if o.Shards == 0 {
		o.Shards = DefaultShards
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}

	return o
}

// Cache is a fixed-capacity, thread-safe cache of device blocks.
//
// Use [New] to create a Cache.
type Cache struct {
	dev    Device
	opts   Options
	shards []shard

	// evictMu serializes the cross-shard reclaim path. Lock order is
	// always evictMu, then the home shard, then at most one probed
	// shard, so reclaiming goroutines can never wait on each other's
	// shard locks.
	evictMu sync.Mutex

	diskReads  atomic.Uint64
	diskWrites atomic.Uint64
}

// New returns a new cache over the given device.
//
// New panics if dev is nil or any Options field is negative.
func New(dev Device, opts Options) *Cache {
	if dev == nil {
		panic(fmt.Errorf("blockcache: nil device"))
	}
	if opts.Slots < 0 || opts.Shards < 0 || opts.BlockSize < 0 {
		panic(fmt.Errorf("blockcache: negative option: %+v", opts))
	}
	opts = opts.withDefaults()

	c := &Cache{
		dev:    dev,
		opts:   opts,
		shards: make([]shard, opts.Shards),
	}

	// Every buffer starts with the zero key, so the whole pool begins
	// life in the zero key's home shard. Misses elsewhere pull buffers
	// over one at a time.
	home := &c.shards[c.shardIndex(0)]
	for i := 0; i < opts.Slots; i++ {
		home.push(&Buffer{data: make([]byte, opts.BlockSize)})
	}

	return c
}

// BlockSize returns the payload size of a single block, in bytes.
func (c *Cache) BlockSize() int { return c.opts.BlockSize }

// shardIndex routes a block number to its home shard.
func (c *Cache) shardIndex(blockno uint32) int {
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], uint64(blockno))

	return int(xxh3.Hash(k[:]) % uint64(len(c.shards)))
}

// Get returns the buffer caching the given block, exclusively held by
// the caller. The payload is not populated on a miss; use [Cache.Read]
// for read-through. Get may block while another caller holds the same
// buffer.
//
// Get panics when every buffer in the table is referenced (capacity
// exhaustion): handing out a buffer some other caller still owns would
// corrupt shared state, so there is no way to make progress safely.
func (c *Cache) Get(dev, blockno uint32) *Buffer {
	hi := c.shardIndex(blockno)
	home := &c.shards[hi]
	atomic.AddUint64(&home.getCalls, 1)

	home.mu.Lock()

	// Is the block already cached?
	if b := home.lookup(dev, blockno); b != nil {
		b.refcnt++
		home.mu.Unlock()
		b.acquire()

		return b
	}
	atomic.AddUint64(&home.misses, 1)

	// Not cached. Re-key an unreferenced buffer already keyed into the
	// home shard, if there is one.
	if b := home.claim(dev, blockno); b != nil {
		home.mu.Unlock()
		b.acquire()

		return b
	}
	home.mu.Unlock()

	return c.steal(hi, dev, blockno)
}

// steal reclaims an unreferenced buffer from another shard and re-keys
// it into the home shard. It re-checks the home shard first: the table
// may have changed while the home lock was dropped.
func (c *Cache) steal(hi int, dev, blockno uint32) *Buffer {
	home := &c.shards[hi]

	c.evictMu.Lock()
	home.mu.Lock()

	if b := home.lookup(dev, blockno); b != nil {
		b.refcnt++
		home.mu.Unlock()
		c.evictMu.Unlock()
		b.acquire()

		return b
	}
	if b := home.claim(dev, blockno); b != nil {
		home.mu.Unlock()
		c.evictMu.Unlock()
		b.acquire()

		return b
	}

	// Probe every other shard, one lock at a time.
	for off := 1; off < len(c.shards); off++ {
		victim := &c.shards[(hi+off)%len(c.shards)]

		victim.mu.Lock()
		b := victim.claim(dev, blockno)
		if b == nil {
			victim.mu.Unlock()

			continue
		}
		victim.remove(b)
		victim.mu.Unlock()

		home.push(b)
		home.mu.Unlock()
		c.evictMu.Unlock()
		b.acquire()

		return b
	}

	home.mu.Unlock()
	c.evictMu.Unlock()

	panic(fmt.Errorf("blockcache: out of buffers: all %d buffers are referenced", c.opts.Slots))
}

// Read returns the buffer caching the given block, exclusively held by
// the caller and populated from the device if it was not already valid.
//
// Device errors are returned unretried; the claimed buffer is released
// before Read returns.
func (c *Cache) Read(dev, blockno uint32) (*Buffer, error) {
	b := c.Get(dev, blockno)
	if b.valid {
		return b, nil
	}

	if err := c.dev.ReadBlock(dev, blockno, b.data); err != nil {
		c.Release(b)

		return nil, fmt.Errorf("blockcache: read dev %d block %d: %w", dev, blockno, err)
	}
	c.diskReads.Add(1)
	b.valid = true

	return b, nil
}

// Write persists the buffer's payload to the device.
//
// The caller must hold b; Write panics otherwise. The reference count
// and validity are unchanged.
func (c *Cache) Write(b *Buffer) error {
	if !b.Held() {
		panic(fmt.Errorf("blockcache: Write on a buffer that is not held"))
	}

	if err := c.dev.WriteBlock(b.dev, b.blockno, b.data); err != nil {
		return fmt.Errorf("blockcache: write dev %d block %d: %w", b.dev, b.blockno, err)
	}
	c.diskWrites.Add(1)

	return nil
}

// Release gives up exclusive use of b and drops the reference taken by
// [Cache.Get] or [Cache.Read]. Do not use the buffer afterwards.
//
// Release panics if the caller does not hold b.
func (c *Cache) Release(b *Buffer) {
	if !b.Held() {
		panic(fmt.Errorf("blockcache: Release on a buffer that is not held"))
	}
	b.release()

	// The caller's reference kept the buffer from being re-keyed, so
	// its block number, and with it the owning shard, is still stable.
	s := &c.shards[c.shardIndex(b.blockno)]
	s.mu.Lock()
	if b.refcnt <= 0 {
		s.mu.Unlock()
		panic(fmt.Errorf("blockcache: Release of an unreferenced buffer"))
	}
	b.refcnt--
	s.mu.Unlock()
}

// Pin takes an extra reference on b, keeping it resident across
// Get/Release cycles. Pin does not grant access to the payload.
func (c *Cache) Pin(b *Buffer) {
	s := &c.shards[c.shardIndex(b.blockno)]
	s.mu.Lock()
	b.refcnt++
	s.mu.Unlock()
}

// Unpin drops a reference taken by [Cache.Pin].
//
// Unpin panics if the buffer has no outstanding references.
func (c *Cache) Unpin(b *Buffer) {
	s := &c.shards[c.shardIndex(b.blockno)]
	s.mu.Lock()
	if b.refcnt <= 0 {
		s.mu.Unlock()
		panic(fmt.Errorf("blockcache: Unpin of an unreferenced buffer"))
	}
	b.refcnt--
	s.mu.Unlock()
}
