package blockcache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// shard is one bucket of the cache table: a short-held mutex plus the
// buffers currently keyed into it. All mutations of a member buffer's
// identity, validity, reference count, or membership link happen with
// mu held.
type shard struct {
	mu sync.Mutex

	// stats (hits computed as getCalls - misses)
	getCalls  uint64
	misses    uint64
	evictions uint64

	head *Buffer // singly-linked membership list
}

// lookup returns the member buffer caching (dev, blockno), or nil.
// Caller holds mu.
func (s *shard) lookup(dev, blockno uint32) *Buffer {
	for b := s.head; b != nil; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}

	return nil
}

// push prepends b to the membership list. Caller holds mu.
func (s *shard) push(b *Buffer) {
	b.next = s.head
	s.head = b
}

// remove unlinks b from the membership list. Caller holds mu.
func (s *shard) remove(b *Buffer) {
	if s.head == b {
		s.head = b.next
		b.next = nil

		return
	}

	for p := s.head; p != nil; p = p.next {
		if p.next == b {
			p.next = b.next
			b.next = nil

			return
		}
	}

	panic(fmt.Errorf("blockcache: buffer for dev %d block %d is not in its shard", b.dev, b.blockno))
}

// claim re-keys the first unreferenced member buffer to (dev, blockno)
// and hands it to the caller with one reference. Returns nil if every
// member is referenced. Caller holds mu.
func (s *shard) claim(dev, blockno uint32) *Buffer {
	for b := s.head; b != nil; b = b.next {
		if b.refcnt != 0 {
			continue
		}
		if b.valid {
			atomic.AddUint64(&s.evictions, 1)
		}
		b.dev = dev
		b.blockno = blockno
		b.valid = false
		b.refcnt = 1

		return b
	}

	return nil
}
