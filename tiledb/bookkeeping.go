package tiledb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BookKeeping is the per-fragment metadata locating and bounding every
// tile: compressed tile offsets per attribute (coords last), variable
// tile offsets and uncompressed sizes per variable attribute, and for
// sparse fragments the MBR and bounding coordinates per tile plus the
// cell count of the last, possibly partial, tile.
type BookKeeping struct {
	schema   *ArraySchema
	fragment string

	// tileOffsets[attr][k] is the file offset of compressed tile k;
	// nextOffset tracks the append position per attribute file.
	tileOffsets [][]uint64
	nextOffset  []uint64

	tileVarOffsets [][]uint64
	nextVarOffset  []uint64

	// tileVarSizes[attr][k] is the uncompressed size of var tile k.
	tileVarSizes [][]uint64

	mbrs           [][]byte
	boundingCoords [][]byte

	lastTileCellNum int64
}

// newBookKeeping prepares empty book-keeping for a fragment.
func newBookKeeping(s *ArraySchema, fragment string) *BookKeeping {
	n := s.AttributeNum() + 1
	return &BookKeeping{
		schema:         s,
		fragment:       fragment,
		tileOffsets:    make([][]uint64, n),
		nextOffset:     make([]uint64, n),
		tileVarOffsets: make([][]uint64, n),
		nextVarOffset:  make([]uint64, n),
		tileVarSizes:   make([][]uint64, n),
	}
}

// appendTileOffset records a compressed tile of the given size.
func (bk *BookKeeping) appendTileOffset(attributeID int, compressedSize uint64) {
	bk.tileOffsets[attributeID] = append(bk.tileOffsets[attributeID], bk.nextOffset[attributeID])
	bk.nextOffset[attributeID] += compressedSize
}

// appendTileVarOffset records a compressed variable tile.
func (bk *BookKeeping) appendTileVarOffset(attributeID int, compressedSize uint64) {
	bk.tileVarOffsets[attributeID] = append(bk.tileVarOffsets[attributeID], bk.nextVarOffset[attributeID])
	bk.nextVarOffset[attributeID] += compressedSize
}

// appendTileVarSize records the uncompressed size of a variable tile.
func (bk *BookKeeping) appendTileVarSize(attributeID int, size uint64) {
	bk.tileVarSizes[attributeID] = append(bk.tileVarSizes[attributeID], size)
}

// appendMBR copies the tile MBR (lo,hi per dimension).
func (bk *BookKeeping) appendMBR(mbr []byte) {
	bk.mbrs = append(bk.mbrs, append([]byte(nil), mbr...))
}

// appendBoundingCoords copies the first and last cell coords of a tile.
func (bk *BookKeeping) appendBoundingCoords(bounds []byte) {
	bk.boundingCoords = append(bk.boundingCoords, append([]byte(nil), bounds...))
}

func (bk *BookKeeping) setLastTileCellNum(n int64) { bk.lastTileCellNum = n }

// tileNum is the number of committed tiles, taken from the coords
// sequence for sparse fragments and the first attribute for dense.
func (bk *BookKeeping) tileNum() int {
	if len(bk.mbrs) > 0 {
		return len(bk.mbrs)
	}
	for _, offs := range bk.tileOffsets {
		if len(offs) > 0 {
			return len(offs)
		}
	}
	return 0
}

// tileCompressedSize derives the stored size of tile k from the offset
// sequence and the final append position.
func (bk *BookKeeping) tileCompressedSize(attributeID, k int) uint64 {
	offs := bk.tileOffsets[attributeID]
	if k+1 < len(offs) {
		return offs[k+1] - offs[k]
	}
	return bk.nextOffset[attributeID] - offs[k]
}

func (bk *BookKeeping) tileVarCompressedSize(attributeID, k int) uint64 {
	offs := bk.tileVarOffsets[attributeID]
	if k+1 < len(offs) {
		return offs[k+1] - offs[k]
	}
	return bk.nextVarOffset[attributeID] - offs[k]
}

func bookKeepingPath(fragment string) string {
	return fragment + "/" + BookKeepingFilename + GzipSuffix
}

// store writes the gzip-wrapped book-keeping file; called last during
// fragment finalization, before the sentinel commit.
func (bk *BookKeeping) store(fs StorageFS, level int) error {
	gb, err := NewGzipWriteBuffer(fs, bookKeepingPath(bk.fragment), level)
	if err != nil {
		return err
	}
	w := &bkWriter{gb: gb}
	n := bk.schema.AttributeNum() + 1
	for i := 0; i < n; i++ {
		w.u64s(bk.tileOffsets[i])
		w.u64(bk.nextOffset[i])
	}
	for i := 0; i < n; i++ {
		if bk.schema.varSize(i) {
			w.u64s(bk.tileVarOffsets[i])
			w.u64(bk.nextVarOffset[i])
			w.u64s(bk.tileVarSizes[i])
		}
	}
	w.blocks(bk.mbrs)
	w.blocks(bk.boundingCoords)
	w.u64(uint64(bk.lastTileCellNum))
	if w.err != nil {
		return fmt.Errorf("cannot store book-keeping for %s: %w", bk.fragment, w.err)
	}
	if err := gb.Finalize(); err != nil {
		return fmt.Errorf("cannot store book-keeping for %s: %w", bk.fragment, err)
	}
	return nil
}

// loadBookKeeping reads and inflates a fragment's book-keeping.
func loadBookKeeping(fs StorageFS, s *ArraySchema, fragment string) (*BookKeeping, error) {
	bk := newBookKeeping(s, fragment)
	gb := NewGzipReadBuffer(fs, bookKeepingPath(fragment))
	r := &bkReader{gb: gb}
	n := s.AttributeNum() + 1
	for i := 0; i < n; i++ {
		bk.tileOffsets[i] = r.u64s()
		bk.nextOffset[i] = r.u64()
	}
	for i := 0; i < n; i++ {
		if s.varSize(i) {
			bk.tileVarOffsets[i] = r.u64s()
			bk.nextVarOffset[i] = r.u64()
			bk.tileVarSizes[i] = r.u64s()
		}
	}
	bk.mbrs = r.blocks(2 * s.coordsSize())
	bk.boundingCoords = r.blocks(2 * s.coordsSize())
	bk.lastTileCellNum = int64(r.u64())
	if r.err != nil {
		return nil, fmt.Errorf("truncated book-keeping in %s: %w", fragment, r.err)
	}
	return bk, nil
}

type bkWriter struct {
	gb  *GzipStorageBuffer
	err error
}

func (w *bkWriter) u64(v uint64) {
	if w.err != nil {
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.err = w.gb.Append(tmp[:])
}

func (w *bkWriter) u64s(v []uint64) {
	w.u64(uint64(len(v)))
	for _, x := range v {
		w.u64(x)
	}
}

func (w *bkWriter) blocks(blocks [][]byte) {
	w.u64(uint64(len(blocks)))
	for _, b := range blocks {
		if w.err != nil {
			return
		}
		w.err = w.gb.Append(b)
	}
}

type bkReader struct {
	gb  *GzipStorageBuffer
	err error
}

func (r *bkReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var tmp [8]byte
	if err := r.gb.ReadNext(tmp[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.LittleEndian.Uint64(tmp[:])
}

func (r *bkReader) u64s() []uint64 {
	n := r.u64()
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.u64())
	}
	return out
}

func (r *bkReader) blocks(blockSize int) [][]byte {
	n := r.u64()
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		if r.err != nil {
			return out
		}
		b := make([]byte, blockSize)
		if err := r.gb.ReadNext(b); err != nil {
			r.err = err
			return out
		}
		out = append(out, b)
	}
	return out
}

// bookKeepingCache keeps loaded book-keeping across consolidation
// batches so remote fragments are not re-fetched. Keys hash the
// workspace and fragment path.
type bookKeepingCache struct {
	mu      sync.Mutex
	entries map[uint64]*BookKeeping
}

var bkCache = &bookKeepingCache{entries: make(map[uint64]*BookKeeping)}

func bkCacheKey(workspace, fragment string) uint64 {
	h := xxhash.New()
	h.WriteString(workspace)
	h.WriteString("|")
	h.WriteString(fragment)
	return h.Sum64()
}

func (c *bookKeepingCache) get(workspace, fragment string) *BookKeeping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[bkCacheKey(workspace, fragment)]
}

func (c *bookKeepingCache) put(workspace, fragment string, bk *BookKeeping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[bkCacheKey(workspace, fragment)] = bk
}

func (c *bookKeepingCache) drop(workspace, fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, bkCacheKey(workspace, fragment))
}
