package tiledb

import (
	"fmt"
	"strings"
)

// Fragment is one immutable, atomically committed batch of cells. A
// write session owns a provisional dot-prefixed directory that the
// final rename commits; backends without atomic rename create the
// committed name directly and rely on the sentinel file instead.
type Fragment struct {
	fs     StorageFS
	cfg    *Config
	schema *ArraySchema

	arrayDir string
	name     string
	dir      string

	mode  ArrayMode
	dense bool

	bk *BookKeeping
	ws *writeState
}

// fragmentDense reports whether a fragment directory holds a dense
// fragment: no coords file present.
func fragmentDense(fs StorageFS, dir string) bool {
	return !fs.IsFile(dir + "/" + CoordsName + FileSuffix)
}

// newWriteFragment opens a fragment for writing under the array
// directory. Unsorted mode always produces sparse fragments; plain
// and sorted writes follow the schema's density.
func newWriteFragment(fs StorageFS, cfg *Config, s *ArraySchema, arrayDir, name string, mode ArrayMode) (*Fragment, error) {
	dense := s.Dense && mode != ArrayWriteUnsorted
	dir := arrayDir + "/" + name
	if fs.SupportsRename() {
		dir = arrayDir + "/." + name
	}
	f := &Fragment{
		fs:       fs,
		cfg:      cfg,
		schema:   s,
		arrayDir: arrayDir,
		name:     name,
		dir:      dir,
		mode:     mode,
		dense:    dense,
	}
	f.bk = newBookKeeping(s, dir)
	ws, err := newWriteState(f)
	if err != nil {
		return nil, err
	}
	f.ws = ws
	return f, nil
}

// openFragment opens a committed fragment for reading.
func openFragment(fs StorageFS, s *ArraySchema, arrayDir, name string) (*Fragment, error) {
	dir := arrayDir + "/" + name
	if !fs.IsFile(dir + "/" + FragmentFilename) {
		return nil, fmt.Errorf("%s is not a committed fragment", dir)
	}
	f := &Fragment{
		fs:       fs,
		schema:   s,
		arrayDir: arrayDir,
		name:     name,
		dir:      dir,
		mode:     ArrayRead,
		dense:    fragmentDense(fs, dir),
	}
	if bk := bkCache.get(s.Workspace, dir); bk != nil {
		f.bk = bk
		return f, nil
	}
	bk, err := loadBookKeeping(fs, s, dir)
	if err != nil {
		return nil, err
	}
	bkCache.put(s.Workspace, dir, bk)
	f.bk = bk
	return f, nil
}

// attrFile is the path of an attribute's data file inside the
// fragment; isVar selects the variable-length payload file.
func (f *Fragment) attrFile(attributeID int, isVar bool) string {
	name := f.schema.AttributeName(attributeID)
	if isVar {
		name += "_var"
	}
	return f.dir + "/" + name + FileSuffix
}

// Write routes client buffers to the write session.
func (f *Fragment) Write(attributeIDs []int, buffers [][]byte) error {
	if f.ws == nil {
		return fmt.Errorf("fragment %s is not open for writing", f.name)
	}
	return f.ws.write(attributeIDs, buffers)
}

// Finalize flushes the session, stores book-keeping, writes the
// sentinel and commits the directory.
func (f *Fragment) Finalize() error {
	if f.ws == nil {
		return nil
	}
	if !f.fs.IsDir(f.dir) {
		if err := f.fs.CreateDir(f.dir); err != nil {
			return err
		}
	}
	if err := f.ws.finalize(); err != nil {
		f.Abort()
		return err
	}
	if err := f.bk.store(f.fs, defaultGzipLevel); err != nil {
		f.Abort()
		return err
	}
	if err := f.fs.CreateFile(f.dir + "/" + FragmentFilename); err != nil {
		f.Abort()
		return err
	}
	if err := f.fs.Sync(f.dir); err != nil {
		f.Abort()
		return err
	}
	if f.fs.SupportsRename() {
		committed := f.arrayDir + "/" + f.name
		if err := f.fs.Rename(f.dir, committed); err != nil {
			f.Abort()
			return err
		}
		f.dir = committed
		f.bk.fragment = committed
	}
	bkCache.put(f.schema.Workspace, f.dir, f.bk)
	f.ws = nil
	return nil
}

// Abort unwinds a failed write session: the provisional directory is
// deleted and nothing commits.
func (f *Fragment) Abort() {
	if f.fs.IsDir(f.dir) {
		f.fs.DeleteDir(f.dir)
	}
	f.ws = nil
}

// delete removes a committed fragment, e.g. after consolidation.
func (f *Fragment) delete() error {
	bkCache.drop(f.schema.Workspace, f.dir)
	return f.fs.DeleteDir(f.dir)
}

// isProvisionalName reports a dot-prefixed in-flight fragment name.
func isProvisionalName(name string) bool {
	return strings.HasPrefix(name, ".")
}
