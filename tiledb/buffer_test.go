package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedMemFS forces small chunk sizes so buffering paths are hit.
type chunkedMemFS struct {
	*MemFS
	chunk int
}

func (c *chunkedMemFS) UploadChunkSize() int   { return c.chunk }
func (c *chunkedMemFS) DownloadChunkSize() int { return c.chunk }

func TestStorageBufferWriteChunks(t *testing.T) {
	fs := &chunkedMemFS{MemFS: NewMemFS(), chunk: 64}
	sb := NewWriteBuffer(fs, "data.bin")

	var expected []byte
	for i := 0; i < 50; i++ {
		piece := make([]byte, 7)
		for j := range piece {
			piece[j] = byte(i)
		}
		require.NoError(t, sb.Append(piece))
		expected = append(expected, piece...)
	}
	require.NoError(t, sb.Finalize())
	// A second finalize is a no-op.
	require.NoError(t, sb.Finalize())

	size, err := fs.Size("data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(expected)), size)

	got := make([]byte, len(expected))
	require.NoError(t, fs.ReadAt("data.bin", 0, got))
	assert.Equal(t, expected, got)
}

func TestStorageBufferReadWindows(t *testing.T) {
	fs := &chunkedMemFS{MemFS: NewMemFS(), chunk: 128}
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, fs.Write("data.bin", data))

	sb, err := NewReadBuffer(fs, "data.bin")
	require.NoError(t, err)

	for _, offset := range []int64{0, 5000, 1, 9000, 4095, 4096} {
		buf := make([]byte, 100)
		require.NoError(t, sb.Read(offset, buf))
		assert.Equal(t, data[offset:offset+100], buf)
	}

	// Reads past the end fail.
	buf := make([]byte, 100)
	assert.Error(t, sb.Read(9999, buf))
}

func TestStorageBufferCursor(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.Write("data.bin", []byte("hello world")))

	sb, err := NewReadBuffer(fs, "data.bin")
	require.NoError(t, err)
	buf := make([]byte, 5)
	require.NoError(t, sb.ReadNext(buf))
	assert.Equal(t, "hello", string(buf))
	assert.False(t, sb.EOF())
	buf = make([]byte, 6)
	require.NoError(t, sb.ReadNext(buf))
	assert.Equal(t, " world", string(buf))
	assert.True(t, sb.EOF())
}

func TestStorageBufferModeEnforcement(t *testing.T) {
	fs := NewMemFS()
	w := NewWriteBuffer(fs, "w.bin")
	assert.Error(t, w.Read(0, make([]byte, 1)))

	require.NoError(t, fs.Write("r.bin", []byte{1, 2, 3}))
	r, err := NewReadBuffer(fs, "r.bin")
	require.NoError(t, err)
	assert.Error(t, r.Append([]byte{4}))
}

func TestGzipStorageBufferRoundtrip(t *testing.T) {
	fs := NewMemFS()
	gb, err := NewGzipWriteBuffer(fs, "meta.gz", defaultGzipLevel)
	require.NoError(t, err)

	var expected []byte
	for i := 0; i < 100; i++ {
		chunk := []byte("some book keeping payload ")
		require.NoError(t, gb.Append(chunk))
		expected = append(expected, chunk...)
	}
	require.NoError(t, gb.Finalize())

	// The stored file is smaller than the payload.
	size, err := fs.Size("meta.gz")
	require.NoError(t, err)
	require.Less(t, size, int64(len(expected)))

	rb := NewGzipReadBuffer(fs, "meta.gz")
	got := make([]byte, len(expected))
	require.NoError(t, rb.ReadNext(got))
	assert.Equal(t, expected, got)
	assert.True(t, rb.EOF())
}
