package blockcache

import "sync"

// Device is the transfer collaborator behind a [Cache]: synchronous
// block reads and writes against physical storage. The cache invokes it
// only while the target buffer is exclusively held, so a Device will
// never see two concurrent transfers for the same block.
//
// Implementations must be safe for concurrent use across distinct
// blocks.
type Device interface {
	// ReadBlock fills p with the contents of the given block.
	ReadBlock(dev, blockno uint32, p []byte) error

	// WriteBlock persists p as the contents of the given block.
	WriteBlock(dev, blockno uint32, p []byte) error
}

type blockKey struct {
	dev     uint32
	blockno uint32
}

// MemDevice is an in-memory [Device]. Blocks that were never written
// read back as zeroes, like a fresh disk.
//
// MemDevice is intended for tests and examples.
type MemDevice struct {
	mu     sync.Mutex
	blocks map[blockKey][]byte
}

// NewMemDevice returns an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{blocks: make(map[blockKey][]byte)}
}

// ReadBlock implements [Device].
func (d *MemDevice) ReadBlock(dev, blockno uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blk, ok := d.blocks[blockKey{dev, blockno}]
	if !ok {
		clear(p)

		return nil
	}
	copy(p, blk)

	return nil
}

// WriteBlock implements [Device].
func (d *MemDevice) WriteBlock(dev, blockno uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	blk := make([]byte, len(p))
	copy(blk, p)
	d.blocks[blockKey{dev, blockno}] = blk

	return nil
}
