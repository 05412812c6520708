package blockcache

import (
	"sync"
	"sync/atomic"
)

// Buffer is one slot of the cache: a fixed-size in-memory copy of one
// device block plus the metadata that governs its lifetime.
//
// A Buffer is obtained from [Cache.Get] or [Cache.Read] and is
// exclusively held by the caller until [Cache.Release]. Do not touch the
// buffer after releasing it; the cache may re-key it for a different
// block at any time once its reference count drops to zero.
type Buffer struct {
	// Identity and state, guarded by the owning shard's mutex.
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  int

	// lock grants exclusive use of data between Get and Release. It may
	// block the acquiring goroutine while another holder is mid-transfer.
	// held mirrors the lock state: a sync.Mutex cannot name its owner, so
	// this is how Write and Release detect callers that never acquired
	// the buffer.
	lock sync.Mutex
	held atomic.Bool

	data []byte

	next *Buffer // shard membership link, guarded by the owning shard's mutex
}

func (b *Buffer) acquire() {
	b.lock.Lock()
	b.held.Store(true)
}

func (b *Buffer) release() {
	b.held.Store(false)
	b.lock.Unlock()
}

// DeviceID returns the id of the device whose block this buffer caches.
func (b *Buffer) DeviceID() uint32 { return b.dev }

// BlockNumber returns the number of the block this buffer caches.
func (b *Buffer) BlockNumber() uint32 { return b.blockno }

// Data returns the buffer's payload. Only the current holder may read or
// modify it. The contents are unspecified until the buffer has been
// populated, either by [Cache.Read] or by the holder itself.
func (b *Buffer) Data() []byte { return b.data }

// Held reports whether some caller currently holds the buffer.
func (b *Buffer) Held() bool { return b.held.Load() }
