package tiledb

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Array is the coordinator for one open array: it owns the schema, the
// fragment list, the current subarray and attribute subset, and routes
// reads, writes and consolidation.
type Array struct {
	fs     StorageFS
	cfg    *Config
	schema *ArraySchema

	dir  string
	mode ArrayMode

	subarray     []byte
	attributeIDs []int

	fragments     []*Fragment
	writeFragment *Fragment

	rs   *readState
	expr *Expression
	aio  *aioQueue

	finalized bool
}

// OpenArray opens the array directory in a mode. A nil subarray means
// the full domain; nil attributes select every attribute, with coords
// last for sparse arrays.
func OpenArray(fs StorageFS, cfg *Config, dir string, mode ArrayMode, subarray []byte, attributes []string) (*Array, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	schema, err := LoadArraySchema(fs, dir)
	if err != nil {
		return nil, err
	}
	a := &Array{fs: fs, cfg: cfg, schema: schema, dir: dir, mode: mode}

	if subarray == nil {
		subarray = append([]byte(nil), schema.Domain...)
	}
	if len(subarray) != 2*schema.coordsSize() {
		return nil, fmt.Errorf("cannot open array %s: subarray does not match the dimensions", dir)
	}
	a.subarray = subarray

	if attributes == nil {
		for i := range schema.Attributes {
			attributes = append(attributes, schema.Attributes[i].Name)
		}
		if !schema.Dense {
			attributes = append(attributes, CoordsName)
		}
	}
	seen := make(map[int]bool)
	for _, name := range attributes {
		id, err := schema.AttributeID(name)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, fmt.Errorf("cannot open array %s: attribute %q given twice", dir, name)
		}
		seen[id] = true
		a.attributeIDs = append(a.attributeIDs, id)
	}

	switch {
	case mode.isRead() || mode == ArrayConsolidate:
		names, err := fragmentNames(fs, dir)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			f, err := openFragment(fs, schema, dir, name)
			if err != nil {
				return nil, err
			}
			a.fragments = append(a.fragments, f)
		}
	case mode.isWrite():
		if schema.Dense && mode == ArrayWriteUnsorted {
			return nil, fmt.Errorf("cannot open array %s: dense arrays do not accept unsorted writes", dir)
		}
		f, err := newWriteFragment(fs, cfg, schema, dir, newFragmentName(), mode)
		if err != nil {
			return nil, err
		}
		a.writeFragment = f
	default:
		return nil, fmt.Errorf("cannot open array %s: invalid mode", dir)
	}
	return a, nil
}

// Schema returns the array schema.
func (a *Array) Schema() *ArraySchema { return a.schema }

// Mode returns the open mode.
func (a *Array) Mode() ArrayMode { return a.mode }

// FragmentNum returns the number of committed fragments visible to
// this handle.
func (a *Array) FragmentNum() int { return len(a.fragments) }

// newFragmentName derives a fresh fragment name; the fixed-width
// timestamp suffix gives fragments their chronological order.
func newFragmentName() string {
	return fmt.Sprintf("__%d_%020d", os.Getpid(), time.Now().UnixNano())
}

// fragmentNames lists committed fragments in chronological order.
func fragmentNames(fs StorageFS, arrayDir string) ([]string, error) {
	if !fs.IsDir(arrayDir) {
		return nil, fmt.Errorf("array directory %s does not exist", arrayDir)
	}
	dirs, err := fs.ListDirs(arrayDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirs {
		name := d[strings.LastIndexByte(d, '/')+1:]
		if isProvisionalName(name) {
			continue
		}
		if !fs.IsFile(d + "/" + FragmentFilename) {
			continue // not a committed fragment
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return fragmentStamp(names[i]) < fragmentStamp(names[j])
	})
	return names, nil
}

func fragmentStamp(name string) string {
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		if _, err := strconv.ParseUint(name[i+1:], 10, 64); err == nil {
			return name[i+1:]
		}
	}
	return name
}

// expectedBufferNum is one buffer per fixed attribute and two per
// variable attribute, in attribute order.
func (a *Array) expectedBufferNum() int {
	n := 0
	for _, id := range a.attributeIDs {
		if a.schema.varSize(id) {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func (a *Array) checkBuffers(buffers [][]byte) error {
	if len(buffers) != a.expectedBufferNum() {
		return fmt.Errorf("expected %d buffers for %d attributes, got %d",
			a.expectedBufferNum(), len(a.attributeIDs), len(buffers))
	}
	return nil
}

// Write appends one batch of cell buffers to the open write fragment.
func (a *Array) Write(buffers [][]byte) error {
	if !a.mode.isWrite() {
		return fmt.Errorf("cannot write: array %s is not open for writing", a.dir)
	}
	if a.finalized {
		return fmt.Errorf("cannot write: array %s is finalized", a.dir)
	}
	if err := a.checkBuffers(buffers); err != nil {
		return err
	}
	return a.writeFragment.Write(a.attributeIDs, buffers)
}

// Read fills the client buffers with the next cells of the subarray in
// the requested order and returns the bytes written per buffer. When a
// buffer cannot hold the next cell the attribute's overflow flag is
// set and a further Read resumes from the same position. An installed
// filter expression compacts the returned cells in place.
func (a *Array) Read(buffers [][]byte) ([]int, error) {
	if !a.mode.isRead() && a.mode != ArrayConsolidate {
		return nil, fmt.Errorf("cannot read: array %s is not open for reading", a.dir)
	}
	if err := a.checkBuffers(buffers); err != nil {
		return nil, err
	}
	if a.rs == nil {
		rs, err := newReadState(a)
		if err != nil {
			return nil, err
		}
		a.rs = rs
	}
	sizes, err := a.rs.read(buffers)
	if err != nil {
		return nil, err
	}
	if a.expr != nil {
		sizes, err = a.expr.Evaluate(buffers, sizes)
		if err != nil {
			return nil, err
		}
	}
	return sizes, nil
}

// Overflow reports the overflow flag of the i-th requested attribute.
func (a *Array) Overflow(i int) bool {
	if a.rs == nil || i < 0 || i >= len(a.rs.overflow) {
		return false
	}
	return a.rs.overflow[i]
}

// AnyOverflow reports whether any requested attribute overflowed.
func (a *Array) AnyOverflow() bool {
	return a.rs != nil && a.rs.anyOverflow()
}

// SetFilter installs a filter expression evaluated per cell during
// reads. Sparse arrays only.
func (a *Array) SetFilter(expression string) error {
	expr := NewExpression(expression)
	if err := expr.Init(a.attributeIDs, a.schema); err != nil {
		return err
	}
	a.expr = expr
	return nil
}

// Finalize commits an open write fragment and stops the async worker.
func (a *Array) Finalize() error {
	if a.finalized {
		return nil
	}
	a.finalized = true
	if a.aio != nil {
		a.aio.stop()
	}
	if a.writeFragment != nil {
		if err := a.writeFragment.Finalize(); err != nil {
			return err
		}
		a.writeFragment = nil
	}
	return nil
}
