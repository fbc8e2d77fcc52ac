package tiledb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullSchema() *ArraySchema {
	s := &ArraySchema{
		ArrayName: "weather",
		Workspace: "workspace1",
		Dense:     false,
		TileOrder: RowMajor,
		CellOrder: ColMajor,
		Capacity:  1000,
		Attributes: []Attribute{
			{Name: "temp", Type: Float32, CellValNum: 1, Compression: GZIP, CompressionLevel: 6},
			{Name: "labels", Type: Char, CellValNum: VarNum, Compression: ZSTD, CompressionLevel: 3,
				OffsetsCompression: GZIP | DeltaEncode, OffsetsCompressionLevel: 1},
			{Name: "samples", Type: Int64, CellValNum: 4, Compression: LZ4 | BitShuffle},
		},
		Dimensions: []string{"lat", "lon"},
		CoordsType: Int64,
		Domain:     Int64Bytes([]int64{-90, 90, -180, 180}),
	}
	s.SetCoordsCompression(RLE, 0)
	return s
}

func TestSchemaRoundtrip(t *testing.T) {
	s := fullSchema()
	require.NoError(t, s.Check())

	decoded, err := DeserializeSchema(s.Serialize())
	require.NoError(t, err)
	decoded.version = s.version
	assert.Equal(t, s, decoded)
}

func TestSchemaRoundtripWithTileExtents(t *testing.T) {
	s := fullSchema()
	s.TileExtents = Int64Bytes([]int64{10, 10})
	require.NoError(t, s.Check())

	decoded, err := DeserializeSchema(s.Serialize())
	require.NoError(t, err)
	assert.Equal(t, s.TileExtents, decoded.TileExtents)
	assert.Equal(t, s.Attributes, decoded.Attributes)
}

// legacySchemaBytes builds a header in the pre-versioning layout: no
// magic, no offsets-compression fields, no compression levels.
func legacySchemaBytes(s *ArraySchema) []byte {
	var b bytes.Buffer
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
	for _, d := range s.Dimensions {
		writeString(&b, d)
	}
	b.Write(s.Domain)
	writeBool(&b, len(s.TileExtents) != 0)
	b.Write(s.TileExtents)
	return b.Bytes()
}

func TestSchemaLegacyDeserialize(t *testing.T) {
	s := fullSchema()
	decoded, err := DeserializeSchema(legacySchemaBytes(s))
	require.NoError(t, err)

	assert.Equal(t, s.ArrayName, decoded.ArrayName)
	assert.Equal(t, s.Capacity, decoded.Capacity)
	assert.Equal(t, len(s.Attributes), len(decoded.Attributes))
	// Missing fields default to no offsets compression and level zero.
	for _, a := range decoded.Attributes {
		assert.Equal(t, NoCompression, a.OffsetsCompression)
		assert.Equal(t, 0, a.CompressionLevel)
	}
}

func TestSchemaTruncatedHeader(t *testing.T) {
	s := fullSchema()
	data := s.Serialize()
	_, err := DeserializeSchema(data[:len(data)-10])
	assert.Error(t, err)
}

func TestSchemaUnsupportedVersion(t *testing.T) {
	s := fullSchema()
	data := s.Serialize()
	data[4] = 99
	_, err := DeserializeSchema(data)
	assert.Error(t, err)
}

func TestSchemaCheckRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ArraySchema)
	}{
		{"duplicate attribute", func(s *ArraySchema) { s.Attributes[1].Name = "temp" }},
		{"reserved name", func(s *ArraySchema) { s.Attributes[0].Name = CoordsName }},
		{"reserved key name", func(s *ArraySchema) { s.Attributes[0].Name = KeyName }},
		{"dimension collides", func(s *ArraySchema) { s.Dimensions[0] = "temp" }},
		{"no attributes", func(s *ArraySchema) { s.Attributes = nil }},
		{"no dimensions", func(s *ArraySchema) { s.Dimensions = nil; s.Domain = nil }},
		{"zero cell val num", func(s *ArraySchema) { s.Attributes[0].CellValNum = 0 }},
		{"dense without extents", func(s *ArraySchema) { s.Dense = true }},
		{"bad domain", func(s *ArraySchema) { s.Domain = s.Domain[:8] }},
		{"hilbert needs 2d", func(s *ArraySchema) {
			s.CellOrder = Hilbert
			s.Dimensions = append(s.Dimensions, "alt")
			s.Domain = Int64Bytes([]int64{-90, 90, -180, 180, 0, 10})
		}},
		{"sparse without capacity", func(s *ArraySchema) { s.Capacity = 0 }},
		{"bad coords type", func(s *ArraySchema) { s.CoordsType = Char }},
	}
	for _, tc := range cases {
		s := fullSchema()
		tc.mutate(s)
		assert.Error(t, s.Check(), tc.name)
	}
}

func TestSchemaSizes(t *testing.T) {
	s := fullSchema()
	assert.Equal(t, 16, s.coordsSize())
	assert.Equal(t, 4, s.cellSize(0))
	assert.Equal(t, varOffsetSize, s.cellSize(1))
	assert.Equal(t, 32, s.cellSize(2))
	assert.Equal(t, 16, s.cellSize(s.AttributeNum()))
	assert.True(t, s.varSize(1))
	assert.False(t, s.varSize(0))
	assert.Equal(t, int64(1000), s.cellNumPerTile())
	assert.Equal(t, int64(4000), s.tileSize(0))
}

func TestSchemaDenseCoordsUncompressed(t *testing.T) {
	s := fullSchema()
	s.Dense = true
	s.TileExtents = Int64Bytes([]int64{10, 10})
	assert.Equal(t, NoCompression, s.compression(s.AttributeNum()))
	s.Dense = false
	assert.Equal(t, RLE, s.compression(s.AttributeNum()))
}
