package tiledb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
)

// blobUploadChunkSize matches the 5 MiB minimum part size of multipart
// uploads on the common object stores.
const blobUploadChunkSize = 5 * 1024 * 1024

// BlobFS adapts a gocloud bucket to the StorageFS surface. Directories
// are emulated with a '/' delimiter and zero-byte marker objects whose
// keys end in '/'. Appends stage in memory per key and upload as one
// object when the key is closed; objects are otherwise immutable, which
// matches the write-once fragment files this engine produces.
type BlobFS struct {
	ctx    context.Context
	bucket *blob.Bucket

	mu     sync.Mutex
	staged map[string][]byte
}

// OpenBlobFS opens a bucket URL (s3://, gs://, azblob://, file://...)
// through the registered gocloud drivers.
func OpenBlobFS(ctx context.Context, bucketURL string) (*BlobFS, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("cannot open bucket %s: %w", bucketURL, err)
	}
	return NewBlobFS(ctx, bucket), nil
}

// NewBlobFS wraps an already-open bucket.
func NewBlobFS(ctx context.Context, bucket *blob.Bucket) *BlobFS {
	return &BlobFS{ctx: ctx, bucket: bucket, staged: make(map[string][]byte)}
}

// Close releases the bucket. Staged but unclosed keys are discarded.
func (b *BlobFS) Close() error { return b.bucket.Close() }

func (b *BlobFS) IsDir(dir string) bool {
	key := clean(dir) + "/"
	if ok, err := b.bucket.Exists(b.ctx, key); err == nil && ok {
		return true
	}
	it := b.bucket.List(&blob.ListOptions{Prefix: key, Delimiter: "/"})
	_, err := it.Next(b.ctx)
	return err == nil
}

func (b *BlobFS) IsFile(file string) bool {
	key := clean(file)
	b.mu.Lock()
	_, staged := b.staged[key]
	b.mu.Unlock()
	if staged {
		return true
	}
	ok, err := b.bucket.Exists(b.ctx, key)
	return err == nil && ok
}

func (b *BlobFS) ListDirs(dir string) ([]string, error) {
	return b.list(dir, true)
}

func (b *BlobFS) ListFiles(dir string) ([]string, error) {
	return b.list(dir, false)
}

func (b *BlobFS) list(dir string, dirs bool) ([]string, error) {
	prefix := clean(dir) + "/"
	it := b.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	var out []string
	for {
		obj, err := it.Next(b.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot list %s: %w", dir, err)
		}
		if obj.IsDir == dirs {
			key := strings.TrimSuffix(obj.Key, "/")
			if key != clean(dir) {
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *BlobFS) CreateDir(dir string) error {
	if b.IsDir(dir) {
		return fmt.Errorf("cannot create directory %s: already exists", dir)
	}
	if err := b.bucket.WriteAll(b.ctx, clean(dir)+"/", nil, nil); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	return nil
}

func (b *BlobFS) DeleteDir(dir string) error {
	prefix := clean(dir) + "/"
	it := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	var keys []string
	for {
		obj, err := it.Next(b.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("cannot list %s for delete: %w", dir, err)
		}
		keys = append(keys, obj.Key)
	}
	g, ctx := errgroup.WithContext(b.ctx)
	g.SetLimit(16)
	for _, key := range keys {
		key := key
		g.Go(func() error { return b.bucket.Delete(ctx, key) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cannot delete directory %s: %w", dir, err)
	}
	return nil
}

func (b *BlobFS) CreateFile(file string) error {
	key := clean(file)
	if b.IsFile(file) {
		return nil
	}
	if err := b.bucket.WriteAll(b.ctx, key, nil, nil); err != nil {
		return fmt.Errorf("cannot create %s: %w", file, err)
	}
	return nil
}

func (b *BlobFS) DeleteFile(file string) error {
	key := clean(file)
	b.mu.Lock()
	delete(b.staged, key)
	b.mu.Unlock()
	if err := b.bucket.Delete(b.ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("cannot delete %s: %w", file, err)
	}
	return nil
}

func (b *BlobFS) Size(file string) (int64, error) {
	key := clean(file)
	b.mu.Lock()
	if buf, ok := b.staged[key]; ok {
		b.mu.Unlock()
		return int64(len(buf)), nil
	}
	b.mu.Unlock()
	attrs, err := b.bucket.Attributes(b.ctx, key)
	if err != nil {
		return 0, fmt.Errorf("cannot stat %s: %w", file, err)
	}
	return attrs.Size, nil
}

func (b *BlobFS) ReadAt(file string, offset int64, buf []byte) error {
	key := clean(file)
	b.mu.Lock()
	if staged, ok := b.staged[key]; ok {
		defer b.mu.Unlock()
		if offset+int64(len(buf)) > int64(len(staged)) {
			return fmt.Errorf("cannot read %s: read past end of staged object", file)
		}
		copy(buf, staged[offset:])
		return nil
	}
	b.mu.Unlock()

	r, err := b.bucket.NewRangeReader(b.ctx, key, offset, int64(len(buf)), nil)
	if err != nil {
		return fmt.Errorf("cannot read %s at offset %d: %w", file, offset, err)
	}
	defer r.Close()
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("cannot read %s at offset %d: %w", file, offset, err)
	}
	return nil
}

func (b *BlobFS) Write(file string, buf []byte) error {
	key := clean(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.staged[key]; !ok {
		// An existing remote object keeps its bytes ahead of the append.
		if ok, err := b.bucket.Exists(b.ctx, key); err == nil && ok {
			existing, err := b.bucket.ReadAll(b.ctx, key)
			if err != nil {
				return fmt.Errorf("cannot stage append to %s: %w", file, err)
			}
			b.staged[key] = existing
		}
	}
	b.staged[key] = append(b.staged[key], buf...)
	return nil
}

// Sync is a no-op: durability happens at CloseFile, when the staged
// object uploads.
func (b *BlobFS) Sync(string) error { return nil }

func (b *BlobFS) Rename(oldPath, newPath string) error {
	op, np := clean(oldPath), clean(newPath)
	prefix := op + "/"
	it := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(b.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("cannot list %s for rename: %w", oldPath, err)
		}
		dst := np + "/" + strings.TrimPrefix(obj.Key, prefix)
		if err := b.bucket.Copy(b.ctx, dst, obj.Key, nil); err != nil {
			return fmt.Errorf("cannot rename %s: %w", oldPath, err)
		}
		if err := b.bucket.Delete(b.ctx, obj.Key); err != nil {
			return fmt.Errorf("cannot rename %s: %w", oldPath, err)
		}
	}
	return nil
}

// CloseFile uploads the staged appends for the key as one object.
func (b *BlobFS) CloseFile(file string) error {
	key := clean(file)
	b.mu.Lock()
	staged, ok := b.staged[key]
	if ok {
		delete(b.staged, key)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	w, err := b.bucket.NewWriter(b.ctx, key, &blob.WriterOptions{BufferSize: blobUploadChunkSize})
	if err != nil {
		return fmt.Errorf("cannot upload %s: %w", file, err)
	}
	if _, err := w.Write(staged); err != nil {
		w.Close()
		return fmt.Errorf("cannot upload %s: %w", file, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cannot upload %s: %w", file, err)
	}
	return nil
}

func (b *BlobFS) UploadChunkSize() int   { return blobUploadChunkSize }
func (b *BlobFS) DownloadChunkSize() int { return blobUploadChunkSize }

// SupportsRename is false: fragments are created under their committed
// names and gated by the sentinel file instead.
func (b *BlobFS) SupportsRename() bool { return false }
