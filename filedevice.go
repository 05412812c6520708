package blockcache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// FileDevice is a [Device] backed by memory-mapped files, one file per
// device id. Blocks are read and written through the mapping; call
// [FileDevice.Sync] to force dirty pages to stable storage.
type FileDevice struct {
	blockSize int

	mu   sync.RWMutex
	vols map[uint32]*volume
}

type volume struct {
	f *os.File
	m mmap.MMap
}

// NewFileDevice returns a file-backed device with the given block size.
//
// NewFileDevice panics if blockSize is not positive.
func NewFileDevice(blockSize int) *FileDevice {
	if blockSize <= 0 {
		panic(fmt.Errorf("blockcache: block size must be greater than 0; got %d", blockSize))
	}

	return &FileDevice{
		blockSize: blockSize,
		vols:      make(map[uint32]*volume),
	}
}

// Attach creates or opens the file at path, sizes it to hold blocks
// blocks, maps it, and registers it as device dev. Existing file
// contents are preserved.
func (d *FileDevice) Attach(dev uint32, path string, blocks int) error {
	if blocks <= 0 {
		return fmt.Errorf("blockcache: device %d: block count must be greater than 0; got %d", dev, blocks)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.vols[dev]; ok {
		return fmt.Errorf("blockcache: device %d is already attached", dev)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("blockcache: device %d: open %q: %w", dev, path, err)
	}

	if err := f.Truncate(int64(blocks) * int64(d.blockSize)); err != nil {
		_ = f.Close()

		return fmt.Errorf("blockcache: device %d: size %q: %w", dev, path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("blockcache: device %d: mmap %q: %w", dev, path, err)
	}

	d.vols[dev] = &volume{f: f, m: m}

	return nil
}

func (d *FileDevice) locate(dev, blockno uint32) (mmap.MMap, int64, error) {
	d.mu.RLock()
	vol, ok := d.vols[dev]
	d.mu.RUnlock()

	if !ok {
		return nil, 0, fmt.Errorf("blockcache: device %d is not attached", dev)
	}

	off := int64(blockno) * int64(d.blockSize)
	if off+int64(d.blockSize) > int64(len(vol.m)) {
		return nil, 0, fmt.Errorf("blockcache: device %d: block %d is out of range", dev, blockno)
	}

	return vol.m, off, nil
}

// ReadBlock implements [Device].
func (d *FileDevice) ReadBlock(dev, blockno uint32, p []byte) error {
	m, off, err := d.locate(dev, blockno)
	if err != nil {
		return err
	}
	copy(p, m[off:off+int64(d.blockSize)])

	return nil
}

// WriteBlock implements [Device].
func (d *FileDevice) WriteBlock(dev, blockno uint32, p []byte) error {
	m, off, err := d.locate(dev, blockno)
	if err != nil {
		return err
	}
	copy(m[off:off+int64(d.blockSize)], p)

	return nil
}

// Sync flushes all mapped volumes to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	for dev, vol := range d.vols {
		if err := vol.m.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("blockcache: device %d: flush: %w", dev, err))
		}
	}

	return errors.Join(errs...)
}

// Close unmaps and closes all volumes. The device must not be used
// afterwards.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for dev, vol := range d.vols {
		if err := vol.m.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("blockcache: device %d: unmap: %w", dev, err))
		}
		if err := vol.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blockcache: device %d: close: %w", dev, err))
		}
	}
	d.vols = make(map[uint32]*volume)

	return errors.Join(errs...)
}
