package tiledb

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	pgzip "github.com/klauspost/pgzip"
)

// bufferAlign is the page alignment of cached read windows.
const bufferAlign = 4096

// StorageBuffer coalesces small appends into chunk-sized backend writes
// and, in read mode, caches chunk-aligned windows of the file. A buffer
// is either a writer or a reader, chosen at construction; a second
// Finalize is a no-op.
type StorageBuffer struct {
	fs       StorageFS
	path     string
	readOnly bool

	chunkSize int
	finalized bool

	// Write state.
	buf []byte

	// Read state.
	fileSize  int64
	window    []byte
	windowOff int64
	haveWin   bool
	cursor    int64
}

// NewWriteBuffer opens a storage buffer appending to path.
func NewWriteBuffer(fs StorageFS, path string) *StorageBuffer {
	return &StorageBuffer{fs: fs, path: path, chunkSize: fs.UploadChunkSize()}
}

// NewReadBuffer opens a storage buffer over an existing file; the size
// is queried once.
func NewReadBuffer(fs StorageFS, path string) (*StorageBuffer, error) {
	size, err := fs.Size(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open read buffer: %w", err)
	}
	return &StorageBuffer{
		fs:        fs,
		path:      path,
		readOnly:  true,
		chunkSize: fs.DownloadChunkSize(),
		fileSize:  size,
	}, nil
}

// Append queues bytes for writing.
func (sb *StorageBuffer) Append(b []byte) error {
	if sb.readOnly {
		return fmt.Errorf("cannot append to %s: buffer is read-only", sb.path)
	}
	if sb.finalized {
		return fmt.Errorf("cannot append to %s: buffer is finalized", sb.path)
	}
	if len(b) == 0 {
		return nil
	}
	if sb.chunkSize == 0 {
		return sb.fs.Write(sb.path, b)
	}
	sb.buf = append(sb.buf, b...)
	for len(sb.buf) >= sb.chunkSize {
		if err := sb.fs.Write(sb.path, sb.buf[:sb.chunkSize]); err != nil {
			return err
		}
		sb.buf = sb.buf[:copy(sb.buf, sb.buf[sb.chunkSize:])]
	}
	return nil
}

// Read fills b from the given offset, reloading the cached window when
// the request falls outside it.
func (sb *StorageBuffer) Read(offset int64, b []byte) error {
	if !sb.readOnly {
		return fmt.Errorf("cannot read %s: buffer is write-only", sb.path)
	}
	if len(b) == 0 {
		return nil
	}
	if offset+int64(len(b)) > sb.fileSize {
		return fmt.Errorf("cannot read past the end of %s", sb.path)
	}
	if sb.chunkSize == 0 {
		return sb.fs.ReadAt(sb.path, offset, b)
	}
	if !sb.haveWin || offset < sb.windowOff ||
		offset+int64(len(b)) > sb.windowOff+int64(len(sb.window)) {
		winOff := (offset / bufferAlign) * bufferAlign
		winLen := int64((len(b)/sb.chunkSize)+1)*int64(sb.chunkSize) + (offset % bufferAlign)
		if winOff+winLen > sb.fileSize {
			winLen = sb.fileSize - winOff
		}
		if int64(cap(sb.window)) < winLen {
			sb.window = make([]byte, winLen)
		}
		sb.window = sb.window[:winLen]
		if err := sb.fs.ReadAt(sb.path, winOff, sb.window); err != nil {
			return err
		}
		sb.windowOff = winOff
		sb.haveWin = true
	}
	copy(b, sb.window[offset-sb.windowOff:])
	return nil
}

// ReadNext fills b from the implicit cursor and advances it.
func (sb *StorageBuffer) ReadNext(b []byte) error {
	if err := sb.Read(sb.cursor, b); err != nil {
		return err
	}
	sb.cursor += int64(len(b))
	return nil
}

// EOF reports whether the cursor reached the end of the file.
func (sb *StorageBuffer) EOF() bool { return sb.cursor >= sb.fileSize }

// Finalize flushes the remaining bytes and closes the file.
func (sb *StorageBuffer) Finalize() error {
	if sb.finalized {
		return nil
	}
	sb.finalized = true
	if !sb.readOnly && len(sb.buf) > 0 {
		if err := sb.fs.Write(sb.path, sb.buf); err != nil {
			return err
		}
		sb.buf = nil
	}
	return sb.fs.CloseFile(sb.path)
}

// GzipStorageBuffer is the whole-file gzip overlay used for
// book-keeping: the write side deflates the append stream, the read
// side lazily inflates the entire file into memory on first access.
type GzipStorageBuffer struct {
	fs       StorageFS
	path     string
	readOnly bool
	level    int

	w         *pgzip.Writer
	inner     *StorageBuffer
	finalized bool

	loaded bool
	data   []byte
	cursor int
}

// NewGzipWriteBuffer opens a compressing storage buffer for path.
func NewGzipWriteBuffer(fs StorageFS, path string, level int) (*GzipStorageBuffer, error) {
	inner := NewWriteBuffer(fs, path)
	w, err := pgzip.NewWriterLevel(storageWriter{inner}, level)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize compression for %s: %w", path, err)
	}
	return &GzipStorageBuffer{fs: fs, path: path, level: level, w: w, inner: inner}, nil
}

// NewGzipReadBuffer opens a decompressing storage buffer over path.
func NewGzipReadBuffer(fs StorageFS, path string) *GzipStorageBuffer {
	return &GzipStorageBuffer{fs: fs, path: path, readOnly: true}
}

type storageWriter struct{ sb *StorageBuffer }

func (w storageWriter) Write(p []byte) (int, error) {
	if err := w.sb.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Append compresses bytes into the underlying storage buffer.
func (gb *GzipStorageBuffer) Append(b []byte) error {
	if gb.readOnly {
		return fmt.Errorf("cannot append to %s: buffer is read-only", gb.path)
	}
	if gb.finalized {
		return fmt.Errorf("cannot append to %s: buffer is finalized", gb.path)
	}
	if _, err := gb.w.Write(b); err != nil {
		return fmt.Errorf("cannot compress bytes for %s: %w", gb.path, err)
	}
	return nil
}

// ReadNext fills b from the decompressed stream.
func (gb *GzipStorageBuffer) ReadNext(b []byte) error {
	if !gb.readOnly {
		return fmt.Errorf("cannot read %s: buffer is write-only", gb.path)
	}
	if err := gb.load(); err != nil {
		return err
	}
	if gb.cursor+len(b) > len(gb.data) {
		return fmt.Errorf("cannot read past the end of %s", gb.path)
	}
	copy(b, gb.data[gb.cursor:])
	gb.cursor += len(b)
	return nil
}

// EOF reports whether the decompressed stream is exhausted.
func (gb *GzipStorageBuffer) EOF() bool {
	if !gb.loaded {
		return false
	}
	return gb.cursor >= len(gb.data)
}

func (gb *GzipStorageBuffer) load() error {
	if gb.loaded {
		return nil
	}
	size, err := gb.fs.Size(gb.path)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", gb.path, err)
	}
	raw := make([]byte, size)
	for off := int64(0); off < size; off += gzipChunkSize {
		n := int64(gzipChunkSize)
		if off+n > size {
			n = size - off
		}
		if err := gb.fs.ReadAt(gb.path, off, raw[off:off+n]); err != nil {
			return err
		}
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("cannot decompress %s: %w", gb.path, err)
	}
	defer r.Close()
	// Concatenated gzip members decode as one stream.
	r.Multistream(true)
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("cannot decompress %s: %w", gb.path, err)
	}
	gb.data = data
	gb.loaded = true
	return nil
}

// Finalize flushes the deflate stream and closes the file.
func (gb *GzipStorageBuffer) Finalize() error {
	if gb.finalized {
		return nil
	}
	gb.finalized = true
	if gb.readOnly {
		return nil
	}
	if err := gb.w.Close(); err != nil {
		return fmt.Errorf("cannot finish compression for %s: %w", gb.path, err)
	}
	return gb.inner.Finalize()
}
