package blockcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol0.img")

	d := NewFileDevice(32)
	require.NoError(t, d.Attach(0, path, 64))

	in := make([]byte, 32)
	fill(in, 9)
	require.NoError(t, d.WriteBlock(0, 9, in))

	out := make([]byte, 32)
	require.NoError(t, d.ReadBlock(0, 9, out))
	require.Equal(t, in, out)

	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	// Contents survive a close and reattach.
	d2 := NewFileDevice(32)
	require.NoError(t, d2.Attach(0, path, 64))
	t.Cleanup(func() { _ = d2.Close() })

	require.NoError(t, d2.ReadBlock(0, 9, out))
	require.Equal(t, in, out)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 64*32, fi.Size())
}

func TestFileDeviceErrors(t *testing.T) {
	dir := t.TempDir()

	require.Panics(t, func() { NewFileDevice(0) })

	d := NewFileDevice(16)
	t.Cleanup(func() { _ = d.Close() })

	p := make([]byte, 16)
	require.Error(t, d.ReadBlock(0, 0, p), "read from an unattached device must fail")
	require.Error(t, d.WriteBlock(0, 0, p), "write to an unattached device must fail")

	require.Error(t, d.Attach(0, filepath.Join(dir, "vol0.img"), 0), "attach with no blocks must fail")
	require.NoError(t, d.Attach(0, filepath.Join(dir, "vol0.img"), 8))
	require.Error(t, d.Attach(0, filepath.Join(dir, "vol0b.img"), 8), "double attach must fail")

	require.Error(t, d.ReadBlock(0, 8, p), "out-of-range block must fail")
	require.Error(t, d.WriteBlock(0, 8, p), "out-of-range block must fail")
	require.NoError(t, d.ReadBlock(0, 7, p))
}

func TestFileDeviceWithCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol0.img")

	d := NewFileDevice(64)
	require.NoError(t, d.Attach(0, path, 128))

	c := New(d, Options{Slots: 4, Shards: 2, BlockSize: 64})

	b, err := c.Read(0, 17)
	require.NoError(t, err)
	fill(b.Data(), 17)
	require.NoError(t, c.Write(b))
	c.Release(b)

	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	// A fresh device and cache over the same file see the write.
	d2 := NewFileDevice(64)
	require.NoError(t, d2.Attach(0, path, 128))
	t.Cleanup(func() { _ = d2.Close() })

	c2 := New(d2, Options{Slots: 4, Shards: 2, BlockSize: 64})
	b, err = c2.Read(0, 17)
	require.NoError(t, err)

	want := make([]byte, 64)
	fill(want, 17)
	require.Equal(t, want, b.Data())
	c2.Release(b)
}
