package blockcache

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/golang/snappy"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// SaveToFile atomically saves the cache's resident blocks to filePath.
//
// The data is serialized using [gob] and compressed with [snappy]. Only
// valid, unreferenced blocks are saved: a referenced block may be
// mid-transfer under its access lock, and the saver must not block on it
// or tear its payload. SaveToFile may be called concurrently with other
// ops on the cache.
//
// The saved data may be loaded with [LoadFromFile].
func (c *Cache) SaveToFile(filePath string) error {
	return c.SaveToFileConcurrent(filePath, 1)
}

// SaveToFileConcurrent saves the cache's resident blocks to filePath
// using the specified number of concurrent workers.
//
// SaveToFileConcurrent may be called concurrently with other ops on the
// cache.
//
// The saved data may be loaded with [LoadFromFile].
func (c *Cache) SaveToFileConcurrent(filePath string, concurrency int) error {
	dir := filepath.Dir(filePath)
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot stat %q: %s", dir, err)
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create dir %q: %s", dir, err)
		}
	}

	// Save cache data into a temporary file.
	tmpFile, err := os.CreateTemp(dir, "blockcache.tmp.*")
	if err != nil {
		return fmt.Errorf("cannot create temporary file in %q: %s", dir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := c.save(tmpFile, concurrency); err != nil {
		_ = tmpFile.Close()

		return fmt.Errorf("cannot save cache data to %q: %s", tmpPath, err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("cannot close temporary file %q: %s", tmpPath, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("cannot rename %q to %q: %s", tmpPath, filePath, err)
	}

	return nil
}

// SaveTo saves the cache's resident blocks to the given writer.
//
// The data is serialized using [gob] and compressed with [snappy].
// SaveTo may be called concurrently with other ops on the cache.
//
// The saved data may be loaded with [LoadFrom].
func (c *Cache) SaveTo(w io.Writer) error {
	return c.save(w, 1)
}

// snapshotHeader describes the cache a snapshot was taken from.
type snapshotHeader struct {
	Slots     int
	Shards    int
	BlockSize int
}

// snapshotEntry is one resident block. Sum is the xxh3 digest of Data,
// verified on load.
type snapshotEntry struct {
	Dev     uint32
	BlockNo uint32
	Sum     uint64
	Data    []byte
}

func (c *Cache) save(w io.Writer, concurrency int) error {
	zw := snappy.NewBufferedWriter(w)
	enc := gob.NewEncoder(zw)

	hdr := snapshotHeader{
		Slots:     c.opts.Slots,
		Shards:    c.opts.Shards,
		BlockSize: c.opts.BlockSize,
	}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("cannot encode header: %s", err)
	}

	gomaxprocs := runtime.GOMAXPROCS(-1)
	if concurrency <= 0 || concurrency > gomaxprocs {
		concurrency = gomaxprocs
	}

	shardEntries := make([][]snapshotEntry, len(c.shards))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range c.shards {
		i := i
		g.Go(func() error {
			shard := &c.shards[i]

			shard.mu.Lock()
			var entries []snapshotEntry
			for b := shard.head; b != nil; b = b.next {
				if b.refcnt != 0 || !b.valid {
					continue
				}
				data := make([]byte, len(b.data))
				copy(data, b.data)
				entries = append(entries, snapshotEntry{
					Dev:     b.dev,
					BlockNo: b.blockno,
					Sum:     xxh3.Hash(data),
					Data:    data,
				})
			}
			shard.mu.Unlock()

			shardEntries[i] = entries

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	totalEntries := 0
	for _, entries := range shardEntries {
		totalEntries += len(entries)
	}

	if err := enc.Encode(totalEntries); err != nil {
		return fmt.Errorf("cannot encode entry count: %s", err)
	}

	for _, entries := range shardEntries {
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("cannot encode entry: %s", err)
			}
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("cannot close snappy writer: %s", err)
	}

	return nil
}

// LoadFromFile loads a cache snapshot from the given filePath, warming
// a new cache over the given device.
//
// Returns an error if the file does not exist or is corrupted.
//
// See [Cache.SaveToFile] for saving cache data to file.
func LoadFromFile(dev Device, filePath string) (*Cache, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	return load(dev, f)
}

// LoadFromFileOrNew tries loading a cache snapshot from the given
// filePath.
//
// The function falls back to creating a new cache with the given
// options if an error occurs during loading.
func LoadFromFileOrNew(dev Device, filePath string, opts Options) *Cache {
	c, err := LoadFromFile(dev, filePath)
	if err == nil {
		return c
	}

	return New(dev, opts)
}

// LoadFrom loads a cache snapshot from the given reader.
//
// Returns an error if the data is corrupted.
//
// See [Cache.SaveTo] for saving cache data to a writer.
func LoadFrom(dev Device, r io.Reader) (*Cache, error) {
	return load(dev, r)
}

func load(dev Device, r io.Reader) (*Cache, error) {
	zr := snappy.NewReader(r)
	dec := gob.NewDecoder(zr)

	var hdr snapshotHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("cannot decode header: %s", err)
	}
	if hdr.Slots <= 0 || hdr.Shards <= 0 || hdr.BlockSize <= 0 {
		return nil, fmt.Errorf("corrupted header: %+v", hdr)
	}

	c := New(dev, Options{
		Slots:     hdr.Slots,
		Shards:    hdr.Shards,
		BlockSize: hdr.BlockSize,
	})

	var totalEntries int
	if err := dec.Decode(&totalEntries); err != nil {
		return nil, fmt.Errorf("cannot decode entry count: %s", err)
	}
	if totalEntries < 0 || totalEntries > hdr.Slots {
		return nil, fmt.Errorf("corrupted entry count %d for %d buffers", totalEntries, hdr.Slots)
	}

	for i := 0; i < totalEntries; i++ {
		var e snapshotEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("cannot decode entry %d: %s", i, err)
		}
		if len(e.Data) != hdr.BlockSize {
			return nil, fmt.Errorf("entry %d: payload is %d bytes; want %d", i, len(e.Data), hdr.BlockSize)
		}
		if sum := xxh3.Hash(e.Data); sum != e.Sum {
			return nil, fmt.Errorf("entry %d: checksum mismatch for dev %d block %d", i, e.Dev, e.BlockNo)
		}

		b := c.Get(e.Dev, e.BlockNo)
		copy(b.data, e.Data)
		b.valid = true
		c.Release(b)
	}

	return c, nil
}
