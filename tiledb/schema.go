package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// schemaMagic opens a versioned schema header; headers written before
// versioning carry no magic and decode through the legacy path.
var schemaMagic = [4]byte{'T', 'L', 'D', 'B'}

// schemaVersion is the current header version, bumped on layout change.
const schemaVersion = 2

// Attribute describes one named per-cell value of an array.
type Attribute struct {
	Name string
	Type Datatype

	// CellValNum is the fixed number of values per cell, or VarNum.
	CellValNum int

	// Compression is a descriptor: compressor id in the low nibble,
	// pre/post filter selectors above it.
	Compression      int
	CompressionLevel int

	// OffsetsCompression applies to the offsets stream of variable
	// attributes.
	OffsetsCompression      int
	OffsetsCompressionLevel int
}

// ArraySchema is the immutable description of an array: dimensions,
// attributes, domain, tiling and ordering. The coords pseudo-attribute
// is addressed as attribute id AttributeNum().
type ArraySchema struct {
	ArrayName string
	Workspace string

	Dense     bool
	TileOrder Layout
	CellOrder Layout

	// Capacity is the maximum number of cells per sparse tile.
	Capacity int64

	Attributes []Attribute
	Dimensions []string
	CoordsType Datatype

	// Domain holds lo,hi per dimension, 2*DimNum values of CoordsType.
	Domain []byte

	// TileExtents holds DimNum values of CoordsType, or nil when the
	// array has no regular tile grid.
	TileExtents []byte

	// Coords compression of sparse arrays; dense arrays always store
	// coords uncompressed.
	coordsCompression      int
	coordsCompressionLevel int

	version int
}

// DimNum returns the number of dimensions.
func (s *ArraySchema) DimNum() int { return len(s.Dimensions) }

// AttributeNum returns the number of real attributes; the coords
// pseudo-attribute has this value as its id.
func (s *ArraySchema) AttributeNum() int { return len(s.Attributes) }

// AttributeID resolves a name, including the coords pseudo-attribute.
func (s *ArraySchema) AttributeID(name string) (int, error) {
	if name == CoordsName {
		return s.AttributeNum(), nil
	}
	for i, a := range s.Attributes {
		if a.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("attribute %q not present in the array schema", name)
}

// AttributeName returns the name for an attribute id.
func (s *ArraySchema) AttributeName(id int) string {
	if id == s.AttributeNum() {
		return CoordsName
	}
	return s.Attributes[id].Name
}

func (s *ArraySchema) typeOf(id int) Datatype {
	if id == s.AttributeNum() {
		return s.CoordsType
	}
	return s.Attributes[id].Type
}

func (s *ArraySchema) cellValNum(id int) int {
	if id == s.AttributeNum() {
		return s.DimNum()
	}
	return s.Attributes[id].CellValNum
}

func (s *ArraySchema) varSize(id int) bool {
	return id != s.AttributeNum() && s.Attributes[id].CellValNum == VarNum
}

// cellSize is the fixed byte width of one cell: the offset width for
// variable attributes.
func (s *ArraySchema) cellSize(id int) int {
	if s.varSize(id) {
		return varOffsetSize
	}
	return s.typeOf(id).Size() * s.cellValNum(id)
}

func (s *ArraySchema) coordsSize() int { return s.CoordsType.Size() * s.DimNum() }

func (s *ArraySchema) compression(id int) int {
	if id == s.AttributeNum() {
		if s.Dense {
			return NoCompression
		}
		return s.coordsCompression
	}
	return s.Attributes[id].Compression
}

func (s *ArraySchema) compressionLevel(id int) int {
	if id == s.AttributeNum() {
		return s.coordsCompressionLevel
	}
	return s.Attributes[id].CompressionLevel
}

func (s *ArraySchema) offsetsCompression(id int) int {
	if id == s.AttributeNum() {
		return NoCompression
	}
	return s.Attributes[id].OffsetsCompression
}

func (s *ArraySchema) offsetsCompressionLevel(id int) int {
	if id == s.AttributeNum() {
		return 0
	}
	return s.Attributes[id].OffsetsCompressionLevel
}

// cellNumPerTile is the cell count of a full tile: the tile-extent
// volume for dense arrays, the capacity for sparse ones.
func (s *ArraySchema) cellNumPerTile() int64 {
	if !s.Dense {
		return s.Capacity
	}
	n := int64(1)
	t := s.CoordsType
	for d := 0; d < s.DimNum(); d++ {
		if t == Float32 || t == Float64 {
			n *= int64(elemFloat(s.TileExtents, t, d))
		} else {
			n *= elemInt(s.TileExtents, t, d)
		}
	}
	return n
}

// tileSize is the uncompressed byte size of a full tile for an
// attribute; for variable attributes it sizes the offsets tile.
func (s *ArraySchema) tileSize(id int) int64 {
	return s.cellNumPerTile() * int64(s.cellSize(id))
}

// domainLo and domainHi read the domain bound of one dimension as a
// signed word (integer coords only).
func (s *ArraySchema) domainLo(d int) int64 { return elemInt(s.Domain, s.CoordsType, 2*d) }
func (s *ArraySchema) domainHi(d int) int64 { return elemInt(s.Domain, s.CoordsType, 2*d+1) }

// SetCoordsCompression records the coords compression descriptor.
func (s *ArraySchema) SetCoordsCompression(descriptor, level int) {
	s.coordsCompression = descriptor
	s.coordsCompressionLevel = level
}

// Check validates the schema at array-creation time.
func (s *ArraySchema) Check() error {
	if s.ArrayName == "" {
		return fmt.Errorf("array schema check failed: empty array name")
	}
	if len(s.ArrayName) > NameMaxLen {
		return fmt.Errorf("array schema check failed: array name too long")
	}
	if len(s.Attributes) == 0 {
		return fmt.Errorf("array schema check failed: no attributes")
	}
	if len(s.Dimensions) == 0 {
		return fmt.Errorf("array schema check failed: no dimensions")
	}
	switch s.CoordsType {
	case Int32, Int64, Float32, Float64:
	default:
		return fmt.Errorf("array schema check failed: invalid coordinates type %s", s.CoordsType)
	}
	seen := make(map[string]bool)
	for _, a := range s.Attributes {
		if a.Name == "" || len(a.Name) > NameMaxLen {
			return fmt.Errorf("array schema check failed: invalid attribute name %q", a.Name)
		}
		if a.Name == CoordsName || a.Name == KeyName {
			return fmt.Errorf("array schema check failed: attribute name %q is reserved", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("array schema check failed: duplicate attribute name %q", a.Name)
		}
		seen[a.Name] = true
		if a.CellValNum == 0 {
			return fmt.Errorf("array schema check failed: attribute %q has zero values per cell", a.Name)
		}
	}
	for _, d := range s.Dimensions {
		if d == "" || len(d) > NameMaxLen {
			return fmt.Errorf("array schema check failed: invalid dimension name %q", d)
		}
		if seen[d] {
			return fmt.Errorf("array schema check failed: dimension name %q collides", d)
		}
		seen[d] = true
	}
	if len(s.Domain) != 2*s.coordsSize() {
		return fmt.Errorf("array schema check failed: domain does not match the dimensions")
	}
	if s.Dense && len(s.TileExtents) == 0 {
		return fmt.Errorf("array schema check failed: dense array without tile extents")
	}
	if len(s.TileExtents) != 0 && len(s.TileExtents) != s.coordsSize() {
		return fmt.Errorf("array schema check failed: tile extents do not match the dimensions")
	}
	if s.CellOrder == Hilbert && s.DimNum() != 2 {
		return fmt.Errorf("array schema check failed: hilbert cell order needs exactly 2 dimensions")
	}
	if s.TileOrder == Hilbert {
		return fmt.Errorf("array schema check failed: hilbert tile order is not supported")
	}
	if !s.Dense && s.Capacity <= 0 {
		return fmt.Errorf("array schema check failed: sparse array needs a positive capacity")
	}
	return nil
}

// Serialize renders the binary schema header, little-endian with
// 4-byte length-prefixed strings.
func (s *ArraySchema) Serialize() []byte {
	var b bytes.Buffer
	b.Write(schemaMagic[:])
	writeU32(&b, schemaVersion)
	writeString(&b, s.ArrayName)
	writeString(&b, s.Workspace)
	writeBool(&b, s.Dense)
	b.WriteByte(byte(s.TileOrder))
	b.WriteByte(byte(s.CellOrder))
	writeU64(&b, uint64(s.Capacity))
	writeU32(&b, uint32(len(s.Attributes)))
	writeU32(&b, uint32(len(s.Dimensions)))
	writeU32(&b, uint32(s.CoordsType))
	for _, a := range s.Attributes {
		writeString(&b, a.Name)
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.Type))
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.CellValNum))
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.Compression))
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.OffsetsCompression))
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.CompressionLevel))
	}
	for _, a := range s.Attributes {
		writeU32(&b, uint32(a.OffsetsCompressionLevel))
	}
	writeU32(&b, uint32(s.coordsCompression))
	writeU32(&b, uint32(s.coordsCompressionLevel))
	for _, d := range s.Dimensions {
		writeString(&b, d)
	}
	b.Write(s.Domain)
	writeBool(&b, len(s.TileExtents) != 0)
	b.Write(s.TileExtents)
	return b.Bytes()
}

// DeserializeSchema decodes a binary schema header, accepting both the
// versioned layout and the legacy layout without a magic, in which the
// offsets-compression fields default to none.
func DeserializeSchema(data []byte) (*ArraySchema, error) {
	r := &byteReader{data: data}
	s := &ArraySchema{}
	legacy := len(data) < 4 || !bytes.Equal(data[:4], schemaMagic[:])
	if !legacy {
		r.skip(4)
		s.version = int(r.u32())
		if s.version > schemaVersion {
			return nil, fmt.Errorf("array schema header is version %d, this library reads up to %d", s.version, schemaVersion)
		}
	}
	s.ArrayName = r.str()
	s.Workspace = r.str()
	s.Dense = r.boolean()
	s.TileOrder = Layout(r.byte())
	s.CellOrder = Layout(r.byte())
	s.Capacity = int64(r.u64())
	attrNum := int(r.u32())
	dimNum := int(r.u32())
	s.CoordsType = Datatype(r.u32())
	s.Attributes = make([]Attribute, attrNum)
	for i := range s.Attributes {
		s.Attributes[i].Name = r.str()
	}
	for i := range s.Attributes {
		s.Attributes[i].Type = Datatype(r.u32())
	}
	for i := range s.Attributes {
		s.Attributes[i].CellValNum = int(r.u32())
	}
	for i := range s.Attributes {
		s.Attributes[i].Compression = int(r.u32())
	}
	if !legacy {
		for i := range s.Attributes {
			s.Attributes[i].OffsetsCompression = int(r.u32())
		}
		for i := range s.Attributes {
			s.Attributes[i].CompressionLevel = int(int32(r.u32()))
		}
		for i := range s.Attributes {
			s.Attributes[i].OffsetsCompressionLevel = int(int32(r.u32()))
		}
		s.coordsCompression = int(r.u32())
		s.coordsCompressionLevel = int(int32(r.u32()))
	}
	s.Dimensions = make([]string, dimNum)
	for i := range s.Dimensions {
		s.Dimensions[i] = r.str()
	}
	s.Domain = r.bytes(2 * s.coordsSize())
	if r.boolean() {
		s.TileExtents = r.bytes(s.coordsSize())
	}
	if r.err != nil {
		return nil, fmt.Errorf("truncated array schema header: %w", r.err)
	}
	return s, nil
}

type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) skip(n int) {
	if r.off+n > len(r.data) {
		r.fail()
		return
	}
	r.off += n
}

func (r *byteReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("unexpected end of header at offset %d", r.off)
	}
}

func (r *byteReader) byte() byte {
	if r.off+1 > len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *byteReader) boolean() bool { return r.byte() != 0 }

func (r *byteReader) u32() uint32 {
	if r.off+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *byteReader) u64() uint64 {
	if r.off+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *byteReader) str() string {
	n := int(r.u32())
	return string(r.bytes(n))
}

func (r *byteReader) bytes(n int) []byte {
	if n < 0 || r.off+n > len(r.data) {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:])
	r.off += n
	return b
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func writeString(b *bytes.Buffer, s string) {
	writeU32(b, uint32(len(s)))
	b.WriteString(s)
}

func writeBool(b *bytes.Buffer, v bool) {
	if v {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
}
