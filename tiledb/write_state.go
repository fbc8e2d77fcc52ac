package tiledb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// writeState drives one fragment write session:
//
//	Init -> AcceptingCells <-> FlushingTile -> Finalized
//	                                |
//	                            Aborted (on error)
//
// Cells accumulate into per-attribute tile buffers; full tiles run
// through the codec pipeline and append to the attribute files through
// chunked storage buffers.
type writeState struct {
	f *Fragment
	s *ArraySchema

	attrNum int

	// tileCellNum counts cells in the current coords tile.
	tileCellNum int64

	tiles    [][]byte
	tilesVar [][]byte

	mbr    []byte
	bounds []byte

	// varOffset is the running uncompressed var-file position per
	// attribute; client offsets shift by it before tiling.
	varOffset []uint64

	fileBuffers    []*StorageBuffer
	fileVarBuffers []*StorageBuffer

	codecs        []Codec
	offsetsCodecs []Codec

	dirCreated bool
	finalized  bool
}

func newWriteState(f *Fragment) (*writeState, error) {
	s := f.schema
	n := s.AttributeNum()
	ws := &writeState{
		f:              f,
		s:              s,
		attrNum:        n,
		tiles:          make([][]byte, n+1),
		tilesVar:       make([][]byte, n+1),
		mbr:            make([]byte, 2*s.coordsSize()),
		bounds:         make([]byte, 2*s.coordsSize()),
		varOffset:      make([]uint64, n+1),
		fileBuffers:    make([]*StorageBuffer, n+1),
		fileVarBuffers: make([]*StorageBuffer, n+1),
		codecs:         make([]Codec, n+1),
		offsetsCodecs:  make([]Codec, n+1),
	}
	for i := 0; i <= n; i++ {
		codec, err := newCodec(s, i, false)
		if err != nil {
			return nil, err
		}
		ws.codecs[i] = codec
		if i < n && s.varSize(i) {
			oc, err := newCodec(s, i, true)
			if err != nil {
				return nil, err
			}
			ws.offsetsCodecs[i] = oc
		}
	}
	return ws, nil
}

// write dispatches one batch of client buffers. attributeIDs name the
// attributes present (coords id last for sparse data); buffers holds
// one slice per fixed attribute and two per variable attribute.
func (ws *writeState) write(attributeIDs []int, buffers [][]byte) error {
	if ws.finalized {
		return fmt.Errorf("cannot write to fragment %s: session is finalized", ws.f.name)
	}
	if !ws.dirCreated {
		if !ws.f.fs.IsDir(ws.f.dir) {
			if err := ws.f.fs.CreateDir(ws.f.dir); err != nil {
				return err
			}
		}
		ws.dirCreated = true
	}

	var err error
	switch ws.f.mode {
	case ArrayWrite:
		if ws.f.dense {
			err = ws.writeDense(attributeIDs, buffers)
		} else {
			err = ws.writeSparse(attributeIDs, buffers)
		}
	case ArrayWriteSortedRow, ArrayWriteSortedCol:
		inputOrder := RowMajor
		if ws.f.mode == ArrayWriteSortedCol {
			inputOrder = ColMajor
		}
		switch {
		case ws.f.dense:
			if inputOrder != ws.s.CellOrder {
				err = fmt.Errorf("cannot write dense fragment: buffer order does not match the array cell order")
			} else {
				err = ws.writeDense(attributeIDs, buffers)
			}
		case inputOrder == ws.s.CellOrder && ws.s.TileExtents == nil:
			err = ws.writeSparse(attributeIDs, buffers)
		default:
			err = ws.writeSparseUnsorted(attributeIDs, buffers)
		}
	case ArrayWriteUnsorted:
		err = ws.writeSparseUnsorted(attributeIDs, buffers)
	default:
		err = fmt.Errorf("cannot write to fragment: invalid mode")
	}
	if err != nil {
		ws.f.Abort()
	}
	return err
}

func (ws *writeState) writeDense(attributeIDs []int, buffers [][]byte) error {
	bufferI := 0
	for _, id := range attributeIDs {
		if id == ws.attrNum {
			return fmt.Errorf("cannot write dense fragment: unexpected coordinates buffer")
		}
		if !ws.s.varSize(id) {
			if err := ws.writeAttr(id, buffers[bufferI]); err != nil {
				return err
			}
			bufferI++
		} else {
			if err := ws.writeAttrVar(id, buffers[bufferI], buffers[bufferI+1]); err != nil {
				return err
			}
			bufferI += 2
		}
	}
	return nil
}

func (ws *writeState) writeSparse(attributeIDs []int, buffers [][]byte) error {
	bufferI := 0
	for _, id := range attributeIDs {
		switch {
		case id == ws.attrNum:
			ws.updateBookKeeping(buffers[bufferI])
			if err := ws.writeAttr(id, buffers[bufferI]); err != nil {
				return err
			}
			bufferI++
		case ws.s.varSize(id):
			if err := ws.writeAttrVar(id, buffers[bufferI], buffers[bufferI+1]); err != nil {
				return err
			}
			bufferI += 2
		default:
			if err := ws.writeAttr(id, buffers[bufferI]); err != nil {
				return err
			}
			bufferI++
		}
	}
	return nil
}

// writeAttr accumulates a fixed-size (or offsets) buffer into the
// attribute's tile, flushing every time the tile fills.
func (ws *writeState) writeAttr(id int, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	tileSize := int(ws.s.tileSize(id))
	for len(buf) > 0 {
		room := tileSize - len(ws.tiles[id])
		n := room
		if len(buf) < n {
			n = len(buf)
		}
		ws.tiles[id] = append(ws.tiles[id], buf[:n]...)
		buf = buf[n:]
		if len(ws.tiles[id]) == tileSize {
			if err := ws.flushTile(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeAttrVar accumulates a variable attribute cell by cell: offsets
// shift from batch-relative to the running fragment var position, the
// payload bytes follow into the var tile, and both tiles flush on the
// same tick.
func (ws *writeState) writeAttrVar(id int, offBuf, varBuf []byte) error {
	if len(offBuf) == 0 {
		return nil
	}
	tileSize := int(ws.s.tileSize(id))
	cellNum := len(offBuf) / varOffsetSize
	for i := 0; i < cellNum; i++ {
		cellOff := binary.LittleEndian.Uint64(offBuf[varOffsetSize*i:])
		cellEnd := uint64(len(varBuf))
		if i+1 < cellNum {
			cellEnd = binary.LittleEndian.Uint64(offBuf[varOffsetSize*(i+1):])
		}
		if cellEnd < cellOff || cellEnd > uint64(len(varBuf)) {
			return fmt.Errorf("cannot write attribute %s: invalid offsets buffer", ws.s.AttributeName(id))
		}

		var shifted [varOffsetSize]byte
		binary.LittleEndian.PutUint64(shifted[:], ws.varOffset[id]+cellOff)
		ws.tiles[id] = append(ws.tiles[id], shifted[:]...)
		ws.tilesVar[id] = append(ws.tilesVar[id], varBuf[cellOff:cellEnd]...)

		if len(ws.tiles[id]) == tileSize {
			if err := ws.flushTile(id); err != nil {
				return err
			}
			if err := ws.flushVarTile(id); err != nil {
				return err
			}
		}
	}
	ws.varOffset[id] += uint64(len(varBuf))
	return nil
}

// flushTile compresses and appends the current fixed (or offsets) tile.
// Variable attributes re-base the offsets so each persisted tile starts
// at zero.
func (ws *writeState) flushTile(id int) error {
	tile := ws.tiles[id]
	if len(tile) == 0 {
		return nil
	}
	codec := ws.codecs[id]
	if ws.s.varSize(id) {
		codec = ws.offsetsCodecs[id]
		first := binary.LittleEndian.Uint64(tile)
		for off := 0; off < len(tile); off += varOffsetSize {
			v := binary.LittleEndian.Uint64(tile[off:])
			binary.LittleEndian.PutUint64(tile[off:], v-first)
		}
	}
	compressed := tile
	if codec != nil {
		var err error
		compressed, err = codec.CompressTile(tile)
		if err != nil {
			return fmt.Errorf("cannot compress tile for %s: %w", ws.f.attrFile(id, false), err)
		}
	}
	if err := ws.writeSegment(id, false, compressed); err != nil {
		return err
	}
	ws.f.bk.appendTileOffset(id, uint64(len(compressed)))
	ws.tiles[id] = ws.tiles[id][:0]
	return nil
}

// flushVarTile compresses and appends the current var payload tile,
// recording both the compressed offset and the uncompressed size.
func (ws *writeState) flushVarTile(id int) error {
	tile := ws.tilesVar[id]
	if len(tile) == 0 {
		ws.f.bk.appendTileVarOffset(id, 0)
		ws.f.bk.appendTileVarSize(id, 0)
		return nil
	}
	compressed := tile
	if codec := ws.codecs[id]; codec != nil {
		var err error
		compressed, err = codec.CompressTile(tile)
		if err != nil {
			return fmt.Errorf("cannot compress tile for %s: %w", ws.f.attrFile(id, true), err)
		}
	}
	if err := ws.writeSegment(id, true, compressed); err != nil {
		return err
	}
	ws.f.bk.appendTileVarOffset(id, uint64(len(compressed)))
	ws.f.bk.appendTileVarSize(id, uint64(len(tile)))
	ws.tilesVar[id] = ws.tilesVar[id][:0]
	return nil
}

// writeSegment appends bytes to an attribute file, through a chunked
// storage buffer when the backend asks for one.
func (ws *writeState) writeSegment(id int, isVar bool, segment []byte) error {
	filename := ws.f.attrFile(id, isVar)
	if ws.f.fs.UploadChunkSize() > 0 {
		buffers := ws.fileBuffers
		if isVar {
			buffers = ws.fileVarBuffers
		}
		if buffers[id] == nil {
			buffers[id] = NewWriteBuffer(ws.f.fs, filename)
		}
		return buffers[id].Append(segment)
	}
	if err := ws.f.fs.Write(filename, segment); err != nil {
		return fmt.Errorf("cannot write segment: %w", err)
	}
	return nil
}

// expandMBR grows the tile MBR to cover one coords cell; the first
// cell of a tile initializes it to a point.
func (ws *writeState) expandMBR(coords []byte) {
	t := ws.s.CoordsType
	size := t.Size()
	dim := ws.s.DimNum()
	if ws.tileCellNum == 0 {
		for d := 0; d < dim; d++ {
			copy(ws.mbr[2*d*size:], coords[d*size:(d+1)*size])
			copy(ws.mbr[(2*d+1)*size:], coords[d*size:(d+1)*size])
		}
		return
	}
	for d := 0; d < dim; d++ {
		if compareElem(coords, ws.mbr, t, d, 2*d) < 0 {
			copy(ws.mbr[2*d*size:], coords[d*size:(d+1)*size])
		}
		if compareElem(coords, ws.mbr, t, d, 2*d+1) > 0 {
			copy(ws.mbr[(2*d+1)*size:], coords[d*size:(d+1)*size])
		}
	}
}

// updateBookKeeping folds a sorted coords buffer into the MBRs,
// bounding coordinates and tile cell counts.
func (ws *writeState) updateBookKeeping(coordsBuf []byte) {
	coordsSize := ws.s.coordsSize()
	cellNum := len(coordsBuf) / coordsSize
	capacity := ws.s.Capacity
	for i := 0; i < cellNum; i++ {
		cell := coordsBuf[i*coordsSize : (i+1)*coordsSize]
		if ws.tileCellNum == 0 {
			copy(ws.bounds[:coordsSize], cell)
		}
		copy(ws.bounds[coordsSize:], cell)
		ws.expandMBR(cell)
		ws.tileCellNum++
		if ws.tileCellNum == capacity {
			ws.f.bk.appendMBR(ws.mbr)
			ws.f.bk.appendBoundingCoords(ws.bounds)
			ws.tileCellNum = 0
		}
	}
}

// writeSparseUnsorted sorts the batch's cells into the array cell
// order and funnels them through the sparse path in bounded batches.
func (ws *writeState) writeSparseUnsorted(attributeIDs []int, buffers [][]byte) error {
	coordsBufferI := -1
	bufferI := 0
	for _, id := range attributeIDs {
		if id == ws.attrNum {
			coordsBufferI = bufferI
			break
		}
		if ws.s.varSize(id) {
			bufferI += 2
		} else {
			bufferI++
		}
	}
	if coordsBufferI == -1 {
		return fmt.Errorf("cannot write sparse unsorted: coordinates missing")
	}

	cellPos := ws.sortCellPos(buffers[coordsBufferI])

	bufferI = 0
	for _, id := range attributeIDs {
		if !ws.s.varSize(id) || id == ws.attrNum {
			if err := ws.writeUnsortedAttr(id, buffers[bufferI], cellPos); err != nil {
				return err
			}
			bufferI++
		} else {
			if err := ws.writeUnsortedAttrVar(id, buffers[bufferI], buffers[bufferI+1], cellPos); err != nil {
				return err
			}
			bufferI += 2
		}
	}
	return nil
}

func (ws *writeState) writeUnsortedAttr(id int, buf []byte, cellPos []int64) error {
	cellSize := ws.s.cellSize(id)
	if id == ws.attrNum {
		cellSize = ws.s.coordsSize()
	}
	if len(buf)/cellSize != len(cellPos) {
		return fmt.Errorf("cannot write sparse unsorted: invalid number of cells in attribute %q", ws.s.AttributeName(id))
	}
	sortedSize := ws.f.cfg.sortedBufferSize()
	sorted := make([]byte, 0, sortedSize)
	flush := func() error {
		if len(sorted) == 0 {
			return nil
		}
		if id == ws.attrNum {
			ws.updateBookKeeping(sorted)
		}
		err := ws.writeAttr(id, sorted)
		sorted = sorted[:0]
		return err
	}
	for _, pos := range cellPos {
		if len(sorted)+cellSize > sortedSize {
			if err := flush(); err != nil {
				return err
			}
		}
		sorted = append(sorted, buf[int(pos)*cellSize:(int(pos)+1)*cellSize]...)
	}
	return flush()
}

func (ws *writeState) writeUnsortedAttrVar(id int, offBuf, varBuf []byte, cellPos []int64) error {
	cellNum := len(offBuf) / varOffsetSize
	if cellNum != len(cellPos) {
		return fmt.Errorf("cannot write sparse unsorted: invalid number of cells in attribute %q", ws.s.AttributeName(id))
	}
	offsets := BytesOffsets(offBuf)
	sortedSize := ws.f.cfg.sortedBufferSize()
	sortedVarSize := ws.f.cfg.sortedBufferVarSize()
	sorted := make([]byte, 0, sortedSize)
	sortedVar := make([]byte, 0, sortedVarSize)
	flush := func() error {
		if len(sorted) == 0 {
			return nil
		}
		err := ws.writeAttrVar(id, sorted, sortedVar)
		sorted, sortedVar = sorted[:0], sortedVar[:0]
		return err
	}
	for _, pos := range cellPos {
		cellOff := offsets[pos]
		cellEnd := uint64(len(varBuf))
		if int(pos)+1 < cellNum {
			cellEnd = offsets[pos+1]
		}
		cellLen := int(cellEnd - cellOff)
		if len(sorted)+varOffsetSize > sortedSize || len(sortedVar)+cellLen > sortedVarSize {
			if err := flush(); err != nil {
				return err
			}
		}
		var off [varOffsetSize]byte
		binary.LittleEndian.PutUint64(off[:], uint64(len(sortedVar)))
		sorted = append(sorted, off[:]...)
		sortedVar = append(sortedVar, varBuf[cellOff:cellEnd]...)
	}
	return flush()
}

// sortCellPos produces the permutation ordering the batch's cells by
// the array's global cell order: tile ids first when a tile grid
// exists, Hilbert ids for hilbert order, plain comparators otherwise.
func (ws *writeState) sortCellPos(coordsBuf []byte) []int64 {
	s := ws.s
	coordsSize := s.coordsSize()
	cellNum := len(coordsBuf) / coordsSize
	pos := make([]int64, cellNum)
	for i := range pos {
		pos[i] = int64(i)
	}
	cell := func(i int64) []byte {
		return coordsBuf[int(i)*coordsSize : (int(i)+1)*coordsSize]
	}

	var ids []uint64
	switch {
	case s.TileExtents != nil:
		ids = make([]uint64, cellNum)
		for i := int64(0); i < int64(cellNum); i++ {
			ids[i] = s.tileID(cell(i))
		}
	case s.CellOrder == Hilbert:
		ids = make([]uint64, cellNum)
		for i := int64(0); i < int64(cellNum); i++ {
			ids[i] = s.hilbertCellID(cell(i))
		}
	}

	order := s.CellOrder
	if order == Hilbert {
		order = RowMajor
	}
	sort.SliceStable(pos, func(a, b int) bool {
		i, j := pos[a], pos[b]
		if ids != nil && ids[i] != ids[j] {
			return ids[i] < ids[j]
		}
		return compareCoords(cell(i), cell(j), s.CoordsType, s.DimNum(), order) < 0
	})
	return pos
}

// tileID linearizes the regular-grid tile holding a coords cell, in
// the array's tile order.
func (s *ArraySchema) tileID(coords []byte) uint64 {
	t := s.CoordsType
	dim := s.DimNum()
	idx := make([]int64, dim)
	counts := make([]int64, dim)
	for d := 0; d < dim; d++ {
		if t == Float32 || t == Float64 {
			lo := elemFloat(s.Domain, t, 2*d)
			hi := elemFloat(s.Domain, t, 2*d+1)
			extent := elemFloat(s.TileExtents, t, d)
			idx[d] = int64((elemFloat(coords, t, d) - lo) / extent)
			counts[d] = int64((hi-lo)/extent) + 1
		} else {
			lo := elemInt(s.Domain, t, 2*d)
			hi := elemInt(s.Domain, t, 2*d+1)
			extent := elemInt(s.TileExtents, t, d)
			idx[d] = (elemInt(coords, t, d) - lo) / extent
			counts[d] = (hi - lo + extent) / extent
		}
	}
	var id int64
	if s.TileOrder == ColMajor {
		for d := dim - 1; d >= 0; d-- {
			id = id*counts[d] + idx[d]
		}
	} else {
		for d := 0; d < dim; d++ {
			id = id*counts[d] + idx[d]
		}
	}
	return uint64(id)
}

// finalize flushes partial tiles, records the last sparse tile's cell
// count, finalizes the attribute files and syncs everything.
func (ws *writeState) finalize() error {
	if ws.finalized {
		return nil
	}
	ws.finalized = true

	if !ws.f.dense && ws.tileCellNum != 0 {
		ws.f.bk.appendMBR(ws.mbr)
		ws.f.bk.appendBoundingCoords(ws.bounds)
		ws.f.bk.setLastTileCellNum(ws.tileCellNum)
		ws.tileCellNum = 0
	} else if !ws.f.dense {
		ws.f.bk.setLastTileCellNum(ws.s.Capacity)
	}

	for id := 0; id <= ws.attrNum; id++ {
		hadPartial := len(ws.tiles[id]) != 0
		if err := ws.flushTile(id); err != nil {
			return err
		}
		if hadPartial && ws.s.varSize(id) {
			if err := ws.flushVarTile(id); err != nil {
				return err
			}
		}
	}

	for id := 0; id <= ws.attrNum; id++ {
		for _, sb := range []*StorageBuffer{ws.fileBuffers[id], ws.fileVarBuffers[id]} {
			if sb != nil {
				if err := sb.Finalize(); err != nil {
					return err
				}
			}
		}
		ws.fileBuffers[id], ws.fileVarBuffers[id] = nil, nil
		if err := ws.f.fs.CloseFile(ws.f.attrFile(id, false)); err != nil {
			return err
		}
		// Variable attributes keep an empty var file even when no cell
		// carried a payload.
		if id < ws.attrNum && ws.s.varSize(id) {
			varFile := ws.f.attrFile(id, true)
			if err := ws.f.fs.CloseFile(varFile); err != nil {
				return err
			}
			if ws.f.fs.IsFile(ws.f.attrFile(id, false)) && !ws.f.fs.IsFile(varFile) {
				if err := ws.f.fs.CreateFile(varFile); err != nil {
					return err
				}
			}
		}
	}

	for id := 0; id <= ws.attrNum; id++ {
		if err := ws.f.fs.Sync(ws.f.attrFile(id, false)); err != nil {
			return err
		}
		if id < ws.attrNum && ws.s.varSize(id) {
			if err := ws.f.fs.Sync(ws.f.attrFile(id, true)); err != nil {
				return err
			}
		}
	}
	return ws.f.fs.Sync(ws.f.dir)
}
