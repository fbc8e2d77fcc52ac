package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHilbertIDOrigin(t *testing.T) {
	assert.Equal(t, uint64(0), hilbertID(0, 0))
}

func TestHilbertIDsAreDistinct(t *testing.T) {
	seen := make(map[uint64]bool)
	for x := uint64(0); x < 16; x++ {
		for y := uint64(0); y < 16; y++ {
			id := hilbertID(x, y)
			require.False(t, seen[id], "duplicate id for (%d,%d)", x, y)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 256)
}

func TestHilbertIDIsDeterministic(t *testing.T) {
	a := hilbertID(12345, 54321)
	for i := 0; i < 3; i++ {
		assert.Equal(t, a, hilbertID(12345, 54321))
	}
}

func TestHilbertCellIDNormalizesDomain(t *testing.T) {
	s := &ArraySchema{
		ArrayName: "h",
		TileOrder: RowMajor,
		CellOrder: Hilbert,
		Capacity:  4,
		Attributes: []Attribute{
			{Name: "a1", Type: Int32, CellValNum: 1},
		},
		Dimensions: []string{"d0", "d1"},
		CoordsType: Int64,
		Domain:     Int64Bytes([]int64{100, 163, 200, 263}),
	}
	require.NoError(t, s.Check())

	// The domain low corner sits at curve position zero.
	assert.Equal(t, uint64(0), s.hilbertCellID(Int64Bytes([]int64{100, 200})))
	a := s.hilbertCellID(Int64Bytes([]int64{101, 200}))
	b := s.hilbertCellID(Int64Bytes([]int64{163, 263}))
	assert.NotEqual(t, a, b)
}
