package tiledb

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema2D(t *testing.T, compression int) *ArraySchema {
	t.Helper()
	s := &ArraySchema{
		ArrayName: "codec_test",
		Dense:     false,
		TileOrder: RowMajor,
		CellOrder: RowMajor,
		Capacity:  4,
		Attributes: []Attribute{
			{Name: "a1", Type: Int32, CellValNum: 1, Compression: compression},
		},
		Dimensions: []string{"d0", "d1"},
		CoordsType: Int64,
		Domain:     Int64Bytes([]int64{0, 99, 0, 99}),
	}
	require.NoError(t, s.Check())
	return s
}

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func compressibleBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i / 64)
	}
	return b
}

func TestCodecRoundtrip(t *testing.T) {
	compressions := []int{GZIP, ZSTD, LZ4, Blosc, BloscLZ4, BloscLZ4HC, BloscSnappy, BloscZlib, BloscZstd, RLE}
	for _, compression := range compressions {
		s := testSchema2D(t, compression)
		codec, err := newCodec(s, 0, false)
		require.NoError(t, err)
		require.NotNil(t, codec)

		for _, tile := range [][]byte{
			compressibleBytes(4096),
			randomBytes(4096, 7),
			compressibleBytes(64),
		} {
			compressed, err := codec.CompressTile(tile)
			require.NoError(t, err, codec.Name())
			compressed = append([]byte(nil), compressed...)
			out, err := codec.DecompressTile(compressed, len(tile))
			require.NoError(t, err, codec.Name())
			assert.Equal(t, tile, out, codec.Name())
		}
	}
}

func TestCodecNoCompression(t *testing.T) {
	s := testSchema2D(t, NoCompression)
	codec, err := newCodec(s, 0, false)
	require.NoError(t, err)
	assert.Nil(t, codec)
}

func TestCodecUnknownIDIsPassThrough(t *testing.T) {
	s := testSchema2D(t, 13)
	codec, err := newCodec(s, 0, false)
	require.NoError(t, err)
	require.NotNil(t, codec)
	tile := compressibleBytes(256)
	compressed, err := codec.CompressTile(tile)
	require.NoError(t, err)
	assert.Equal(t, tile, compressed)
}

func TestCodecRegistryOverride(t *testing.T) {
	const custom = 14
	RegisterCodec(custom, func(*ArraySchema, int, bool) (Codec, error) {
		return noopCodec{}, nil
	})
	s := testSchema2D(t, custom)
	codec, err := newCodec(s, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "none", codec.Name())
}

func TestRLERoundtrip(t *testing.T) {
	// Runs of int32 values, including one longer than a run record.
	var values []int32
	for i := 0; i < 70000; i++ {
		values = append(values, 42)
	}
	for i := 0; i < 100; i++ {
		values = append(values, int32(i))
	}
	input := Int32Bytes(values)

	out, err := rleCompress(input, 4, nil)
	require.NoError(t, err)
	decoded := make([]byte, len(input))
	require.NoError(t, rleDecompress(out, decoded, 4))
	assert.Equal(t, input, decoded)
}

func TestRLESingleLongRunCollapses(t *testing.T) {
	values := make([]int32, 1000)
	for i := range values {
		values[i] = 7
	}
	out, err := rleCompress(Int32Bytes(values), 4, nil)
	require.NoError(t, err)
	// One record: value plus two big-endian run-length bytes.
	require.Equal(t, 6, len(out))
	assert.Equal(t, byte(1000>>8), out[4])
	assert.Equal(t, byte(1000%256), out[5])
}

func TestRLECoordsRowRoundtrip(t *testing.T) {
	// Row-major 2-D coords: first dimension makes long runs.
	var coords []int64
	for i := int64(0); i < 16; i++ {
		for j := int64(0); j < 16; j++ {
			coords = append(coords, i, j)
		}
	}
	input := Int64Bytes(coords)

	out, err := rleCompressCoordsRow(input, 8, 2, nil)
	require.NoError(t, err)
	decoded := make([]byte, len(input))
	require.NoError(t, rleDecompressCoordsRow(out, decoded, 8, 2))
	assert.Equal(t, input, decoded)
}

func TestRLECoordsColRoundtrip(t *testing.T) {
	var coords []int64
	for j := int64(0); j < 16; j++ {
		for i := int64(0); i < 16; i++ {
			coords = append(coords, i, j)
		}
	}
	input := Int64Bytes(coords)

	out, err := rleCompressCoordsCol(input, 8, 2, nil)
	require.NoError(t, err)
	decoded := make([]byte, len(input))
	require.NoError(t, rleDecompressCoordsCol(out, decoded, 8, 2))
	assert.Equal(t, input, decoded)
}

func TestDeltaEncodeRoundtrip(t *testing.T) {
	for _, stride := range []int{1, 2, 3} {
		filter := newDeltaFilter(Int64, stride)
		values := make([]int64, 6*stride)
		for i := range values {
			values[i] = int64(i * i)
		}
		tile := Int64Bytes(values)
		original := append([]byte(nil), tile...)

		coded, err := filter.Code(tile)
		require.NoError(t, err)
		require.NoError(t, filter.Decode(coded))
		assert.Equal(t, original, coded, "stride %d", stride)
	}
}

func TestDeltaEncodeRejectsBadStride(t *testing.T) {
	filter := newDeltaFilter(Int32, 3)
	_, err := filter.Code(make([]byte, 16)) // 4 elements, not divisible by 3
	assert.Error(t, err)
}

func TestDeltaEncodeRejectsFloats(t *testing.T) {
	filter := newDeltaFilter(Float64, 1)
	_, err := filter.Code(make([]byte, 64))
	assert.Error(t, err)
}

func TestBitShuffleRoundtrip(t *testing.T) {
	filter := newBitShuffleFilter(Int32)
	tile := randomBytes(8*4*16, 3)
	original := append([]byte(nil), tile...)

	coded, err := filter.Code(tile)
	require.NoError(t, err)
	require.NotEqual(t, original, coded)

	restored := append([]byte(nil), coded...)
	require.NoError(t, filter.Decode(restored))
	assert.Equal(t, original, restored)
}

func TestBitShuffleRejectsOddLength(t *testing.T) {
	filter := newBitShuffleFilter(Int64)
	_, err := filter.Code(make([]byte, 60))
	assert.Error(t, err)
}

func TestFilteredCodecPipeline(t *testing.T) {
	s := testSchema2D(t, GZIP|DeltaEncode)
	codec, err := newCodec(s, 0, false)
	require.NoError(t, err)

	values := make([]int32, 1024)
	for i := range values {
		values[i] = int32(1000 + i)
	}
	tile := Int32Bytes(values)
	original := append([]byte(nil), tile...)

	compressed, err := codec.CompressTile(tile)
	require.NoError(t, err)
	compressed = append([]byte(nil), compressed...)
	out, err := codec.DecompressTile(compressed, len(original))
	require.NoError(t, err)
	assert.Equal(t, original, out)
}

func TestCompressionDescriptorFields(t *testing.T) {
	descriptor := GZIP | DeltaEncode
	assert.Equal(t, GZIP, compressorOf(descriptor))
	assert.Equal(t, DeltaEncode, preFilterOf(descriptor))
	assert.Equal(t, 0, postFilterOf(descriptor))

	descriptor = ZSTD | BitShuffle | 1<<6
	assert.Equal(t, ZSTD, compressorOf(descriptor))
	assert.Equal(t, BitShuffle, preFilterOf(descriptor))
	assert.Equal(t, 1<<6, postFilterOf(descriptor))
}

func TestCoordsRLECodec(t *testing.T) {
	s := testSchema2D(t, NoCompression)
	s.SetCoordsCompression(RLE, 0)
	codec, err := newCodec(s, s.AttributeNum(), false)
	require.NoError(t, err)
	require.NotNil(t, codec)

	var coords []int64
	for i := int64(0); i < 8; i++ {
		for j := int64(0); j < 8; j++ {
			coords = append(coords, i, j)
		}
	}
	tile := Int64Bytes(coords)
	compressed, err := codec.CompressTile(tile)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(tile))
	compressed = append([]byte(nil), compressed...)
	out, err := codec.DecompressTile(compressed, len(tile))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(tile, out))
}
