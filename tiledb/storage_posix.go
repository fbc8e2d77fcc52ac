package tiledb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/juju/fslock"
	"golang.org/x/sys/unix"
)

// PosixFS is the local-filesystem backend. Appends optionally keep
// their file descriptors open across calls (Config policy); reads go
// through pread or a per-call memory map.
type PosixFS struct {
	cfg *Config

	mu       sync.Mutex
	writeMap map[string]*os.File
}

// NewPosixFS returns a local backend honoring cfg's policies. A nil
// cfg uses defaults.
func NewPosixFS(cfg *Config) *PosixFS {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &PosixFS{cfg: cfg, writeMap: make(map[string]*os.File)}
}

func (p *PosixFS) IsDir(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func (p *PosixFS) IsFile(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

func (p *PosixFS) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *PosixFS) ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *PosixFS) CreateDir(dir string) error {
	if p.IsDir(dir) {
		return fmt.Errorf("cannot create directory %s: already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	return nil
}

func (p *PosixFS) DeleteDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("cannot delete directory %s: %w", dir, err)
	}
	return nil
}

func (p *PosixFS) CreateFile(file string) error {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("cannot create file %s: %w", file, err)
	}
	return f.Close()
}

func (p *PosixFS) DeleteFile(file string) error {
	if err := os.Remove(file); err != nil {
		return fmt.Errorf("cannot delete file %s: %w", file, err)
	}
	return nil
}

func (p *PosixFS) Size(file string) (int64, error) {
	info, err := os.Stat(file)
	if err != nil {
		return 0, fmt.Errorf("cannot stat %s: %w", file, err)
	}
	return info.Size(), nil
}

func (p *PosixFS) ReadAt(file string, offset int64, buf []byte) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", file, err)
	}
	defer f.Close()

	if p.cfg.ReadMethod == ReadMmap {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err == nil {
			defer m.Unmap()
			if offset+int64(len(buf)) > int64(len(m)) {
				return fmt.Errorf("cannot read %s: read past end of file", file)
			}
			copy(buf, m[offset:])
			return nil
		}
		// Zero-length files cannot be mapped; fall through to pread.
	}
	if _, err := f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("cannot read %s at offset %d: %w", file, offset, err)
	}
	return nil
}

func (p *PosixFS) Write(file string, buf []byte) error {
	f, err := p.writeHandle(file)
	if err != nil {
		return err
	}
	if !p.cfg.KeepWriteFileHandlesOpen {
		defer f.Close()
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("cannot append to %s: %w", file, err)
	}
	return nil
}

func (p *PosixFS) writeHandle(file string) (*os.File, error) {
	if p.cfg.KeepWriteFileHandlesOpen {
		p.mu.Lock()
		defer p.mu.Unlock()
		if f, ok := p.writeMap[file]; ok {
			return f, nil
		}
		f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s for append: %w", file, err)
		}
		p.writeMap[file] = f
		return f, nil
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s for append: %w", file, err)
	}
	return f, nil
}

func (p *PosixFS) Sync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot sync %s: %w", path, err)
	}
	defer f.Close()
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("cannot sync %s: %w", path, err)
	}
	return nil
}

func (p *PosixFS) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("cannot rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// CloseFile is the only exit from the keep-open descriptor cache.
func (p *PosixFS) CloseFile(file string) error {
	p.mu.Lock()
	f, ok := p.writeMap[file]
	if ok {
		delete(p.writeMap, file)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot close %s: %w", file, err)
	}
	return nil
}

func (p *PosixFS) UploadChunkSize() int   { return p.cfg.UploadBufferSize }
func (p *PosixFS) DownloadChunkSize() int { return p.cfg.DownloadBufferSize }
func (p *PosixFS) SupportsRename() bool   { return true }

// Lock takes the advisory lock file under path.
func (p *PosixFS) Lock(path string) (func() error, error) {
	lock := fslock.New(filepath.Join(path, ".__lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("cannot lock %s: %w", path, err)
	}
	return lock.Unlock, nil
}
