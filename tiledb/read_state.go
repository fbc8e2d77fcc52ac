package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// fragmentReader decompresses a committed fragment's tiles on demand,
// caching the most recent tile per attribute stream.
type fragmentReader struct {
	f *Fragment
	s *ArraySchema

	readBuffers map[string]*StorageBuffer

	codecs        []Codec
	offsetsCodecs []Codec

	tileCacheID []int
	tileCache   [][]byte

	varTileCacheID []int
	varTileCache   [][]byte
}

func newFragmentReader(f *Fragment) (*fragmentReader, error) {
	s := f.schema
	n := s.AttributeNum()
	fr := &fragmentReader{
		f:              f,
		s:              s,
		readBuffers:    make(map[string]*StorageBuffer),
		codecs:         make([]Codec, n+1),
		offsetsCodecs:  make([]Codec, n+1),
		tileCacheID:    make([]int, n+1),
		tileCache:      make([][]byte, n+1),
		varTileCacheID: make([]int, n+1),
		varTileCache:   make([][]byte, n+1),
	}
	for i := 0; i <= n; i++ {
		fr.tileCacheID[i] = -1
		fr.varTileCacheID[i] = -1
		codec, err := newCodec(s, i, false)
		if err != nil {
			return nil, err
		}
		fr.codecs[i] = codec
		if i < n && s.varSize(i) {
			oc, err := newCodec(s, i, true)
			if err != nil {
				return nil, err
			}
			fr.offsetsCodecs[i] = oc
		}
	}
	return fr, nil
}

func (fr *fragmentReader) tileNum() int { return fr.f.bk.tileNum() }

// tileCellCount is the number of cells in tile k: full except possibly
// the last tile of a sparse fragment.
func (fr *fragmentReader) tileCellCount(k int) int64 {
	if fr.f.dense {
		return fr.s.cellNumPerTile()
	}
	if k == fr.tileNum()-1 {
		return fr.f.bk.lastTileCellNum
	}
	return fr.s.Capacity
}

func (fr *fragmentReader) readRange(file string, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if fr.f.fs.DownloadChunkSize() > 0 {
		sb, ok := fr.readBuffers[file]
		if !ok {
			var err error
			sb, err = NewReadBuffer(fr.f.fs, file)
			if err != nil {
				return nil, err
			}
			fr.readBuffers[file] = sb
		}
		if err := sb.Read(offset, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	if err := fr.f.fs.ReadAt(file, offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// fixedTile returns the decompressed fixed (or offsets) tile k of an
// attribute. The returned slice is owned by the reader's cache.
func (fr *fragmentReader) fixedTile(id, k int) ([]byte, error) {
	if fr.tileCacheID[id] == k {
		return fr.tileCache[id], nil
	}
	bk := fr.f.bk
	offs := bk.tileOffsets[id]
	if k >= len(offs) {
		return nil, fmt.Errorf("tile %d out of range for %s", k, fr.f.attrFile(id, false))
	}
	compressedSize := bk.tileCompressedSize(id, k)
	raw, err := fr.readRange(fr.f.attrFile(id, false), int64(offs[k]), int(compressedSize))
	if err != nil {
		return nil, err
	}
	tileSize := int(fr.tileCellCount(k)) * fr.s.cellSize(id)
	codec := fr.codecs[id]
	if fr.s.varSize(id) {
		codec = fr.offsetsCodecs[id]
	}
	tile := raw
	if codec != nil {
		decompressed, err := codec.DecompressTile(raw, tileSize)
		if err != nil {
			return nil, err
		}
		tile = append([]byte(nil), decompressed...)
	} else if len(tile) != tileSize {
		return nil, fmt.Errorf("tile %d of %s is %d bytes, expected %d", k, fr.f.attrFile(id, false), len(tile), tileSize)
	}
	fr.tileCache[id] = tile
	fr.tileCacheID[id] = k
	return tile, nil
}

// varTile returns the decompressed variable payload tile k.
func (fr *fragmentReader) varTile(id, k int) ([]byte, error) {
	if fr.varTileCacheID[id] == k {
		return fr.varTileCache[id], nil
	}
	bk := fr.f.bk
	offs := bk.tileVarOffsets[id]
	if k >= len(offs) {
		return nil, fmt.Errorf("variable tile %d out of range for %s", k, fr.f.attrFile(id, true))
	}
	uncompressed := int(bk.tileVarSizes[id][k])
	if uncompressed == 0 {
		fr.varTileCache[id] = nil
		fr.varTileCacheID[id] = k
		return nil, nil
	}
	compressedSize := bk.tileVarCompressedSize(id, k)
	raw, err := fr.readRange(fr.f.attrFile(id, true), int64(offs[k]), int(compressedSize))
	if err != nil {
		return nil, err
	}
	tile := raw
	if codec := fr.codecs[id]; codec != nil {
		decompressed, err := codec.DecompressTile(raw, uncompressed)
		if err != nil {
			return nil, err
		}
		tile = append([]byte(nil), decompressed...)
	} else if len(tile) != uncompressed {
		return nil, fmt.Errorf("variable tile %d of %s is %d bytes, expected %d", k, fr.f.attrFile(id, true), len(tile), uncompressed)
	}
	fr.varTileCache[id] = tile
	fr.varTileCacheID[id] = k
	return tile, nil
}

// varCell locates cell c of var tile k: the tile-relative start and
// length from the offsets tile.
func (fr *fragmentReader) varCell(id, k, c int) (start, length uint64, err error) {
	offTile, err := fr.fixedTile(id, k)
	if err != nil {
		return 0, 0, err
	}
	cells := len(offTile) / varOffsetSize
	start = binary.LittleEndian.Uint64(offTile[c*varOffsetSize:])
	if c+1 < cells {
		return start, binary.LittleEndian.Uint64(offTile[(c+1)*varOffsetSize:]) - start, nil
	}
	return start, fr.f.bk.tileVarSizes[id][k] - start, nil
}

// cellLoc addresses one cell inside one fragment; frag -1 marks a
// dense gap filled with empty values.
type cellLoc struct {
	frag int32
	tile int32
	cell int32
}

// readState merges the open fragments into one ordered cell plan for
// the current subarray and serves overflow-resumable reads from it.
// Building the plan with the requested order's comparator is what the
// sorted-read overlay amounts to: it owns these backing buffers and
// returns cells in an order other than the fragments' own.
type readState struct {
	a       *Array
	readers []*fragmentReader

	plan       []cellLoc
	planCoords []byte

	cursor   []int
	overflow []bool
}

func newReadState(a *Array) (*readState, error) {
	rs := &readState{
		a:        a,
		cursor:   make([]int, len(a.attributeIDs)),
		overflow: make([]bool, len(a.attributeIDs)),
	}
	for _, f := range a.fragments {
		fr, err := newFragmentReader(f)
		if err != nil {
			return nil, err
		}
		rs.readers = append(rs.readers, fr)
	}
	var err error
	if a.schema.Dense {
		err = rs.buildDensePlan()
	} else {
		err = rs.buildSparsePlan()
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// readOrder is the comparator order of the produced cells.
func (rs *readState) readOrder() Layout {
	switch rs.a.mode {
	case ArrayReadSortedRow:
		return RowMajor
	case ArrayReadSortedCol:
		return ColMajor
	default:
		return rs.a.schema.CellOrder
	}
}

func mbrOverlaps(mbr, subarray []byte, t Datatype, dimNum int) bool {
	for d := 0; d < dimNum; d++ {
		// mbr: lo,hi interleaved per dimension; subarray likewise.
		if compareElem(mbr, subarray, t, 2*d, 2*d+1) > 0 ||
			compareElem(mbr, subarray, t, 2*d+1, 2*d) < 0 {
			return false
		}
	}
	return true
}

func cellInSubarray(coords, subarray []byte, t Datatype, dimNum int) bool {
	for d := 0; d < dimNum; d++ {
		if compareElem(coords, subarray, t, d, 2*d) < 0 ||
			compareElem(coords, subarray, t, d, 2*d+1) > 0 {
			return false
		}
	}
	return true
}

func (rs *readState) buildSparsePlan() error {
	s := rs.a.schema
	coordsSize := s.coordsSize()
	coordsID := s.AttributeNum()
	order := rs.readOrder()
	hilbert := order == Hilbert
	if hilbert {
		order = RowMajor
	}

	type planCell struct {
		loc    cellLoc
		coords []byte
		id     uint64
	}
	var cells []planCell

	for fi, fr := range rs.readers {
		for k := 0; k < fr.tileNum(); k++ {
			if len(fr.f.bk.mbrs) > k && !mbrOverlaps(fr.f.bk.mbrs[k], rs.a.subarray, s.CoordsType, s.DimNum()) {
				continue
			}
			tile, err := fr.fixedTile(coordsID, k)
			if err != nil {
				return err
			}
			count := int(fr.tileCellCount(k))
			for c := 0; c < count; c++ {
				coords := tile[c*coordsSize : (c+1)*coordsSize]
				if !cellInSubarray(coords, rs.a.subarray, s.CoordsType, s.DimNum()) {
					continue
				}
				pc := planCell{
					loc:    cellLoc{frag: int32(fi), tile: int32(k), cell: int32(c)},
					coords: append([]byte(nil), coords...),
				}
				if hilbert {
					pc.id = s.hilbertCellID(coords)
				}
				cells = append(cells, pc)
			}
		}
	}

	sort.SliceStable(cells, func(a, b int) bool {
		if hilbert && cells[a].id != cells[b].id {
			return cells[a].id < cells[b].id
		}
		if c := compareCoords(cells[a].coords, cells[b].coords, s.CoordsType, s.DimNum(), order); c != 0 {
			return c < 0
		}
		// Older fragments order first so the newest survives dedupe.
		return cells[a].loc.frag < cells[b].loc.frag
	})

	for i, pc := range cells {
		if i+1 < len(cells) && bytes.Equal(cells[i+1].coords, pc.coords) {
			continue // shadowed by a newer fragment
		}
		rs.plan = append(rs.plan, pc.loc)
		rs.planCoords = append(rs.planCoords, pc.coords...)
	}
	return nil
}

// denseLoc addresses a coords cell inside a full-domain dense
// fragment: the tile on the regular grid and the cell position inside
// it, both in the schema's orders.
func (s *ArraySchema) denseLoc(coords []byte) (tile int64, cell int64) {
	t := s.CoordsType
	dim := s.DimNum()
	within := make([]int64, dim)
	extents := make([]int64, dim)
	for d := 0; d < dim; d++ {
		lo := elemInt(s.Domain, t, 2*d)
		e := elemInt(s.TileExtents, t, d)
		within[d] = (elemInt(coords, t, d) - lo) % e
		extents[d] = e
	}
	if s.CellOrder == ColMajor {
		for d := dim - 1; d >= 0; d-- {
			cell = cell*extents[d] + within[d]
		}
	} else {
		for d := 0; d < dim; d++ {
			cell = cell*extents[d] + within[d]
		}
	}
	return int64(s.tileID(coords)), cell
}

func (rs *readState) buildDensePlan() error {
	s := rs.a.schema
	t := s.CoordsType
	dim := s.DimNum()
	coordsSize := s.coordsSize()

	// The newest sparse cell per coordinate shadows dense fragments
	// written before it.
	sparse := make(map[string]cellLoc)
	sparseFrag := make(map[string]int32)
	denseFrag := int32(-1)
	for fi, fr := range rs.readers {
		if fr.f.dense {
			denseFrag = int32(fi)
			continue
		}
		coordsID := s.AttributeNum()
		for k := 0; k < fr.tileNum(); k++ {
			tile, err := fr.fixedTile(coordsID, k)
			if err != nil {
				return err
			}
			count := int(fr.tileCellCount(k))
			for c := 0; c < count; c++ {
				coords := tile[c*coordsSize : (c+1)*coordsSize]
				key := string(coords)
				sparse[key] = cellLoc{frag: int32(fi), tile: int32(k), cell: int32(c)}
				sparseFrag[key] = int32(fi)
			}
		}
	}

	// Enumerate the subarray in the requested order.
	lo := make([]int64, dim)
	hi := make([]int64, dim)
	for d := 0; d < dim; d++ {
		lo[d] = elemInt(rs.a.subarray, t, 2*d)
		hi[d] = elemInt(rs.a.subarray, t, 2*d+1)
	}
	order := rs.readOrder()
	cur := append([]int64(nil), lo...)
	coords := make([]byte, coordsSize)
	for {
		for d := 0; d < dim; d++ {
			putElemInt(coords, t, d, cur[d])
		}
		key := string(coords)
		if loc, ok := sparse[key]; ok && sparseFrag[key] > denseFrag {
			rs.plan = append(rs.plan, loc)
		} else if di := denseFrag; di >= 0 {
			tile, cell := s.denseLoc(coords)
			rs.plan = append(rs.plan, cellLoc{frag: di, tile: int32(tile), cell: int32(cell)})
		} else {
			rs.plan = append(rs.plan, cellLoc{frag: -1})
		}
		rs.planCoords = append(rs.planCoords, coords...)

		// Advance odometer in the requested order.
		done := true
		if order == ColMajor {
			for d := 0; d < dim; d++ {
				cur[d]++
				if cur[d] <= hi[d] {
					done = false
					break
				}
				cur[d] = lo[d]
			}
		} else {
			for d := dim - 1; d >= 0; d-- {
				cur[d]++
				if cur[d] <= hi[d] {
					done = false
					break
				}
				cur[d] = lo[d]
			}
		}
		if done {
			return nil
		}
	}
}

// anyOverflow reports whether any attribute still has cells pending.
func (rs *readState) anyOverflow() bool {
	for _, o := range rs.overflow {
		if o {
			return true
		}
	}
	return false
}

// read copies planned cells into the client buffers, each attribute
// advancing independently until its buffer budget is exhausted.
// Returned sizes parallel the buffers; per-attribute overflow flags
// report which attributes must be re-read.
func (rs *readState) read(buffers [][]byte) ([]int, error) {
	s := rs.a.schema
	sizes := make([]int, len(buffers))
	bufferI := 0
	for ai, id := range rs.a.attributeIDs {
		rs.overflow[ai] = false
		switch {
		case id == s.AttributeNum():
			n, err := rs.readCoords(ai, buffers[bufferI])
			if err != nil {
				return nil, err
			}
			sizes[bufferI] = n
			bufferI++
		case s.varSize(id):
			n, nv, err := rs.readVarAttr(ai, id, buffers[bufferI], buffers[bufferI+1])
			if err != nil {
				return nil, err
			}
			sizes[bufferI] = n
			sizes[bufferI+1] = nv
			bufferI += 2
		default:
			n, err := rs.readFixedAttr(ai, id, buffers[bufferI])
			if err != nil {
				return nil, err
			}
			sizes[bufferI] = n
			bufferI++
		}
	}
	return sizes, nil
}

func (rs *readState) readCoords(ai int, out []byte) (int, error) {
	coordsSize := rs.a.schema.coordsSize()
	size := 0
	for rs.cursor[ai] < len(rs.plan) {
		if size+coordsSize > len(out) {
			rs.overflow[ai] = true
			break
		}
		c := rs.cursor[ai]
		copy(out[size:], rs.planCoords[c*coordsSize:(c+1)*coordsSize])
		size += coordsSize
		rs.cursor[ai]++
	}
	return size, nil
}

func (rs *readState) readFixedAttr(ai, id int, out []byte) (int, error) {
	s := rs.a.schema
	cellSize := s.cellSize(id)
	size := 0
	for rs.cursor[ai] < len(rs.plan) {
		if size+cellSize > len(out) {
			rs.overflow[ai] = true
			break
		}
		loc := rs.plan[rs.cursor[ai]]
		if loc.frag < 0 {
			fillEmpty(out[size:size+cellSize], s.typeOf(id), s.cellValNum(id))
		} else {
			tile, err := rs.readers[loc.frag].fixedTile(id, int(loc.tile))
			if err != nil {
				return 0, err
			}
			copy(out[size:], tile[int(loc.cell)*cellSize:(int(loc.cell)+1)*cellSize])
		}
		size += cellSize
		rs.cursor[ai]++
	}
	return size, nil
}

func (rs *readState) readVarAttr(ai, id int, outOff, outVar []byte) (int, int, error) {
	size, varSize := 0, 0
	for rs.cursor[ai] < len(rs.plan) {
		loc := rs.plan[rs.cursor[ai]]
		var payload []byte
		if loc.frag >= 0 {
			fr := rs.readers[loc.frag]
			start, length, err := fr.varCell(id, int(loc.tile), int(loc.cell))
			if err != nil {
				return 0, 0, err
			}
			if length > 0 {
				tile, err := fr.varTile(id, int(loc.tile))
				if err != nil {
					return 0, 0, err
				}
				payload = tile[start : start+length]
			}
		} else {
			// A dense gap surfaces as a single empty sentinel value.
			payload = make([]byte, rs.a.schema.typeOf(id).Size())
			fillEmpty(payload, rs.a.schema.typeOf(id), 1)
		}
		if size+varOffsetSize > len(outOff) || varSize+len(payload) > len(outVar) {
			rs.overflow[ai] = true
			break
		}
		binary.LittleEndian.PutUint64(outOff[size:], uint64(varSize))
		copy(outVar[varSize:], payload)
		size += varOffsetSize
		varSize += len(payload)
		rs.cursor[ai]++
	}
	return size, varSize, nil
}
