package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bkSchema() *ArraySchema {
	return &ArraySchema{
		ArrayName: "bk_test",
		TileOrder: RowMajor,
		CellOrder: RowMajor,
		Capacity:  4,
		Attributes: []Attribute{
			{Name: "a1", Type: Int32, CellValNum: 1},
			{Name: "a2", Type: Char, CellValNum: VarNum},
		},
		Dimensions: []string{"d0", "d1"},
		CoordsType: Int64,
		Domain:     Int64Bytes([]int64{0, 15, 0, 15}),
	}
}

func TestBookKeepingRoundtrip(t *testing.T) {
	fs := NewMemFS()
	s := bkSchema()
	require.NoError(t, fs.CreateDir("array/frag1"))

	bk := newBookKeeping(s, "array/frag1")
	bk.appendTileOffset(0, 100)
	bk.appendTileOffset(0, 120)
	bk.appendTileOffset(1, 32)
	bk.appendTileOffset(1, 32)
	bk.appendTileOffset(2, 64)
	bk.appendTileOffset(2, 64)
	bk.appendTileVarOffset(1, 10)
	bk.appendTileVarOffset(1, 25)
	bk.appendTileVarSize(1, 10)
	bk.appendTileVarSize(1, 40)
	bk.appendMBR(Int64Bytes([]int64{0, 3, 0, 3}))
	bk.appendMBR(Int64Bytes([]int64{4, 7, 4, 7}))
	bk.appendBoundingCoords(Int64Bytes([]int64{0, 0, 3, 3}))
	bk.appendBoundingCoords(Int64Bytes([]int64{4, 4, 7, 7}))
	bk.setLastTileCellNum(3)

	require.NoError(t, bk.store(fs, defaultGzipLevel))
	require.True(t, fs.IsFile("array/frag1/"+BookKeepingFilename+GzipSuffix))

	loaded, err := loadBookKeeping(fs, s, "array/frag1")
	require.NoError(t, err)

	assert.Equal(t, bk.tileOffsets, loaded.tileOffsets)
	assert.Equal(t, bk.nextOffset, loaded.nextOffset)
	assert.Equal(t, bk.tileVarOffsets[1], loaded.tileVarOffsets[1])
	assert.Equal(t, bk.tileVarSizes[1], loaded.tileVarSizes[1])
	assert.Equal(t, bk.mbrs, loaded.mbrs)
	assert.Equal(t, bk.boundingCoords, loaded.boundingCoords)
	assert.Equal(t, int64(3), loaded.lastTileCellNum)
	assert.Equal(t, 2, loaded.tileNum())
}

func TestBookKeepingTileSizes(t *testing.T) {
	bk := newBookKeeping(bkSchema(), "array/frag1")
	bk.appendTileOffset(0, 100)
	bk.appendTileOffset(0, 120)
	bk.appendTileOffset(0, 90)

	assert.Equal(t, []uint64{0, 100, 220}, bk.tileOffsets[0])
	assert.Equal(t, uint64(100), bk.tileCompressedSize(0, 0))
	assert.Equal(t, uint64(120), bk.tileCompressedSize(0, 1))
	assert.Equal(t, uint64(90), bk.tileCompressedSize(0, 2))
}

func TestBookKeepingTruncated(t *testing.T) {
	fs := NewMemFS()
	s := bkSchema()
	bk := newBookKeeping(s, "array/frag1")
	bk.appendTileOffset(0, 10)
	require.NoError(t, bk.store(fs, defaultGzipLevel))

	// Corrupt the stored file by truncating it.
	path := bookKeepingPath("array/frag1")
	size, err := fs.Size(path)
	require.NoError(t, err)
	data := make([]byte, size/2)
	require.NoError(t, fs.ReadAt(path, 0, data))
	require.NoError(t, fs.DeleteFile(path))
	require.NoError(t, fs.Write(path, data))

	_, err = loadBookKeeping(fs, s, "array/frag1")
	assert.Error(t, err)
}

func TestBookKeepingCache(t *testing.T) {
	s := bkSchema()
	bk := newBookKeeping(s, "ws/array/frag1")
	bkCache.put("ws", "ws/array/frag1", bk)
	assert.Same(t, bk, bkCache.get("ws", "ws/array/frag1"))
	assert.Nil(t, bkCache.get("other", "ws/array/frag1"))
	bkCache.drop("ws", "ws/array/frag1")
	assert.Nil(t, bkCache.get("ws", "ws/array/frag1"))
}
