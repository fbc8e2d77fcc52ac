package tiledb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosixFSBasics(t *testing.T) {
	fs := NewPosixFS(NewConfig())
	root := t.TempDir()

	dir := filepath.Join(root, "ws")
	require.NoError(t, fs.CreateDir(dir))
	assert.True(t, fs.IsDir(dir))
	assert.Error(t, fs.CreateDir(dir), "creating an existing directory fails")

	file := filepath.Join(dir, "data.tdb")
	require.NoError(t, fs.Write(file, []byte("hello ")))
	require.NoError(t, fs.Write(file, []byte("world")))
	size, err := fs.Size(file)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	buf := make([]byte, 5)
	require.NoError(t, fs.ReadAt(file, 6, buf))
	assert.Equal(t, "world", string(buf))

	require.NoError(t, fs.Sync(file))
	require.NoError(t, fs.Sync(filepath.Join(dir, "missing.tdb")), "sync of a missing path is a no-op")

	newFile := filepath.Join(dir, "renamed.tdb")
	require.NoError(t, fs.Rename(file, newFile))
	assert.False(t, fs.IsFile(file))
	assert.True(t, fs.IsFile(newFile))

	files, err := fs.ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{newFile}, files)

	require.NoError(t, fs.DeleteDir(dir))
	assert.False(t, fs.IsDir(dir))
}

func TestPosixFSKeepWriteHandlesOpen(t *testing.T) {
	cfg := NewConfig()
	cfg.KeepWriteFileHandlesOpen = true
	fs := NewPosixFS(cfg)
	root := t.TempDir()
	file := filepath.Join(root, "data.tdb")

	require.NoError(t, fs.Write(file, []byte("abc")))
	fs.mu.Lock()
	_, cached := fs.writeMap[file]
	fs.mu.Unlock()
	assert.True(t, cached, "descriptor stays in the cache across appends")

	require.NoError(t, fs.Write(file, []byte("def")))
	require.NoError(t, fs.CloseFile(file))
	fs.mu.Lock()
	_, cached = fs.writeMap[file]
	fs.mu.Unlock()
	assert.False(t, cached, "CloseFile is the only exit from the cache")

	size, err := fs.Size(file)
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestPosixFSMmapRead(t *testing.T) {
	cfg := NewConfig()
	cfg.ReadMethod = ReadMmap
	fs := NewPosixFS(cfg)
	root := t.TempDir()
	file := filepath.Join(root, "data.tdb")
	require.NoError(t, fs.Write(file, []byte("memory mapped bytes")))

	buf := make([]byte, 6)
	require.NoError(t, fs.ReadAt(file, 7, buf))
	assert.Equal(t, "mapped", string(buf))
}

func TestPosixFSLock(t *testing.T) {
	fs := NewPosixFS(NewConfig())
	root := t.TempDir()
	unlock, err := fs.Lock(root)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestLockPathHonorsDisableFileLocking(t *testing.T) {
	cfg := NewConfig()
	cfg.DisableFileLocking = true
	fs := NewPosixFS(cfg)
	unlock, err := lockPath(fs, cfg, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestMemFSRenameDirectory(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.CreateDir("a/.frag"))
	require.NoError(t, fs.Write("a/.frag/x.tdb", []byte{1, 2, 3}))
	require.NoError(t, fs.Rename("a/.frag", "a/frag"))

	assert.False(t, fs.IsDir("a/.frag"))
	assert.True(t, fs.IsDir("a/frag"))
	assert.True(t, fs.IsFile("a/frag/x.tdb"))
}

func TestMemFSListSeparatesFilesAndDirs(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.CreateDir("a/sub"))
	require.NoError(t, fs.Write("a/file.tdb", []byte{1}))

	dirs, err := fs.ListDirs("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/sub"}, dirs)
	files, err := fs.ListFiles("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/file.tdb"}, files)
}

func TestMemFSReadPastEnd(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, fs.Write("f", []byte{1, 2, 3}))
	assert.Error(t, fs.ReadAt("f", 2, make([]byte, 2)))
}
