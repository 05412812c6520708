package blockcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
)

func TestSaveLoadSmall(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "TestSaveLoadSmall.blockcache")

	md := NewMemDevice()
	p := make([]byte, 32)
	for bn := uint32(1); bn <= 3; bn++ {
		fill(p, bn)
		if err := md.WriteBlock(0, bn, p); err != nil {
			t.Fatal(err)
		}
	}

	c := New(md, Options{Slots: 8, Shards: 2, BlockSize: 32})
	for bn := uint32(1); bn <= 3; bn++ {
		b, err := c.Read(0, bn)
		if err != nil {
			t.Fatalf("Read error: %s", err)
		}
		c.Release(b)
	}

	if err := c.SaveToFile(filePath); err != nil {
		t.Fatalf("SaveToFile error: %s", err)
	}

	// Load over an empty device: every saved block must be served from
	// the snapshot, with no device transfer.
	cd := &countingDevice{Device: NewMemDevice()}
	c1, err := LoadFromFile(cd, filePath)
	if err != nil {
		t.Fatalf("LoadFromFile error: %s", err)
	}

	want := make([]byte, 32)
	for bn := uint32(1); bn <= 3; bn++ {
		b, err := c1.Read(0, bn)
		if err != nil {
			t.Fatalf("Read error: %s", err)
		}
		fill(want, bn)
		if !bytes.Equal(b.Data(), want) {
			t.Fatalf("unexpected payload for block %d after load", bn)
		}
		c1.Release(b)
	}
	if n := cd.reads.Load(); n != 0 {
		t.Fatalf("unexpected device reads after load; got %d; want 0", n)
	}
}

func TestLoadFileNotExist(t *testing.T) {
	c, err := LoadFromFile(NewMemDevice(), `non-existing-file`)
	if err == nil {
		t.Fatalf("LoadFromFile must return error; got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadFromFile must return os.ErrNotExist; got: %s", err)
	}
	if c != nil {
		t.Fatalf("LoadFromFile must return nil cache")
	}
}

func TestSaveLoadFile(t *testing.T) {
	for _, concurrency := range []int{0, 1, 2, 4, 10} {
		t.Run(fmt.Sprintf("concurrency_%d", concurrency), func(t *testing.T) {
			testSaveLoadFile(t, concurrency)
		})
	}
}

func testSaveLoadFile(t *testing.T, concurrency int) {
	filePath := filepath.Join(t.TempDir(), fmt.Sprintf("TestSaveLoadFile.%d.blockcache", concurrency))

	const blocks = 24

	md := NewMemDevice()
	p := make([]byte, 16)
	for bn := uint32(1); bn <= blocks; bn++ {
		fill(p, bn)
		if err := md.WriteBlock(0, bn, p); err != nil {
			t.Fatal(err)
		}
	}

	c := New(md, Options{Slots: 32, Shards: 4, BlockSize: 16})
	for bn := uint32(1); bn <= blocks; bn++ {
		b, err := c.Read(0, bn)
		if err != nil {
			t.Fatalf("Read error: %s", err)
		}
		c.Release(b)
	}

	if err := c.SaveToFileConcurrent(filePath, concurrency); err != nil {
		t.Fatalf("SaveToFileConcurrent(%d) error: %s", concurrency, err)
	}

	cd := &countingDevice{Device: NewMemDevice()}
	c1, err := LoadFromFile(cd, filePath)
	if err != nil {
		t.Fatalf("LoadFromFile error: %s", err)
	}

	want := make([]byte, 16)
	for bn := uint32(1); bn <= blocks; bn++ {
		b, err := c1.Read(0, bn)
		if err != nil {
			t.Fatalf("Read error: %s", err)
		}
		fill(want, bn)
		if !bytes.Equal(b.Data(), want) {
			t.Fatalf("unexpected payload for block %d after load", bn)
		}
		c1.Release(b)
	}
	if n := cd.reads.Load(); n != 0 {
		t.Fatalf("unexpected device reads after load; got %d; want 0", n)
	}
}

// A block held during the save must be skipped, not torn or waited on.
func TestSaveSkipsHeldBuffers(t *testing.T) {
	md := NewMemDevice()
	p := make([]byte, 16)
	for bn := uint32(1); bn <= 2; bn++ {
		fill(p, bn)
		if err := md.WriteBlock(0, bn, p); err != nil {
			t.Fatal(err)
		}
	}

	c := New(md, Options{Slots: 4, Shards: 2, BlockSize: 16})

	b1, err := c.Read(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	c.Release(b1)

	b2, err := c.Read(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	// b2 stays held across the save.

	var buf bytes.Buffer
	if err := c.SaveTo(&buf); err != nil {
		t.Fatalf("SaveTo error: %s", err)
	}
	c.Release(b2)

	cd := &countingDevice{Device: md}
	c1, err := LoadFrom(cd, &buf)
	if err != nil {
		t.Fatalf("LoadFrom error: %s", err)
	}

	// Block 1 comes out of the snapshot, block 2 must hit the device.
	for bn := uint32(1); bn <= 2; bn++ {
		b, err := c1.Read(0, bn)
		if err != nil {
			t.Fatal(err)
		}
		c1.Release(b)
	}
	if n := cd.reads.Load(); n != 1 {
		t.Fatalf("unexpected device reads; got %d; want 1", n)
	}
}

func TestLoadCorrupted(t *testing.T) {
	if _, err := LoadFrom(NewMemDevice(), bytes.NewReader([]byte("not a snapshot at all"))); err == nil {
		t.Fatalf("LoadFrom must return error for garbage input; got nil")
	}
}

func TestLoadChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	zw := snappy.NewBufferedWriter(&buf)
	enc := gob.NewEncoder(zw)

	if err := enc.Encode(snapshotHeader{Slots: 4, Shards: 2, BlockSize: 8}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(1); err != nil {
		t.Fatal(err)
	}
	e := snapshotEntry{Dev: 0, BlockNo: 9, Sum: 0xdeadbeef, Data: make([]byte, 8)}
	if err := enc.Encode(e); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(NewMemDevice(), &buf); err == nil {
		t.Fatalf("LoadFrom must reject a corrupted payload; got nil")
	}
}

func TestLoadEntryCountOverCapacity(t *testing.T) {
	var buf bytes.Buffer
	zw := snappy.NewBufferedWriter(&buf)
	enc := gob.NewEncoder(zw)

	if err := enc.Encode(snapshotHeader{Slots: 1, Shards: 1, BlockSize: 8}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(2); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(NewMemDevice(), &buf); err == nil {
		t.Fatalf("LoadFrom must reject more entries than buffers; got nil")
	}
}

func TestLoadFromFileOrNew(t *testing.T) {
	c := LoadFromFileOrNew(NewMemDevice(), filepath.Join(t.TempDir(), "missing"), Options{Slots: 2, Shards: 1, BlockSize: 8})

	var s Stats
	c.UpdateStats(&s)
	if s.Slots != 2 || s.Shards != 1 {
		t.Fatalf("fallback cache has wrong shape; got %d/%d; want 2/1", s.Slots, s.Shards)
	}
}
