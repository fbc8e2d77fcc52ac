package tiledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDiagonal(t *testing.T, fs *MemFS, dir string) {
	t.Helper()
	require.NoError(t, CreateArray(fs, dir, sparseSchema()))
	w, err := OpenArray(fs, nil, dir, ArrayWrite, nil, nil)
	require.NoError(t, err)
	var values []int32
	var coords []int64
	for i := int64(0); i < 16; i++ {
		values = append(values, int32(i))
		coords = append(coords, i, i)
	}
	require.NoError(t, w.Write([][]byte{Int32Bytes(values), Int64Bytes(coords)}))
	require.NoError(t, w.Finalize())
}

// Filter with compaction: `a1 > 4` over 16 cells keeps exactly the 11
// survivors and rewrites the buffer sizes.
func TestFilterCompaction(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")

	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter("a1 > 4"))

	bufA := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufA, bufC})
	require.NoError(t, err)

	require.Equal(t, 11*4, sizes[0])
	want := []int32{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	assert.Equal(t, want, BytesInt32(bufA[:sizes[0]]))
	// Coordinates compact alongside.
	coords := BytesInt64(bufC[:sizes[1]])
	require.Len(t, coords, 22)
	assert.Equal(t, int64(5), coords[0])
}

func varStringArray(t *testing.T, fs *MemFS, dir string, cells []string) {
	t.Helper()
	schema := varSchema()
	schema.ArrayName = "alt_A"
	schema.Attributes[0].Name = "alt"
	schema.Capacity = 10
	fs2 := fs
	require.NoError(t, CreateArray(fs2, dir, schema))
	w, err := OpenArray(fs2, nil, dir, ArrayWrite, nil, nil)
	require.NoError(t, err)
	var payload []byte
	offsets := make([]uint64, len(cells))
	var coords []int64
	for i, c := range cells {
		offsets[i] = uint64(len(payload))
		payload = append(payload, c...)
		coords = append(coords, int64(i))
	}
	require.NoError(t, w.Write([][]byte{OffsetsBytes(offsets), payload, Int64Bytes(coords)}))
	require.NoError(t, w.Finalize())
}

// The `|=` operator tokenizes the left side on '|' and matches any
// token.
func TestTokenMatchOperator(t *testing.T) {
	fs := NewMemFS()
	varStringArray(t, fs, "ws/alt", []string{"A|C", "T|G", "A|C|T|G", "A|C"})

	r, err := OpenArray(fs, nil, "ws/alt", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter(`alt |= "A"`))

	bufOff := make([]byte, 1024)
	bufVar := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufOff, bufVar, bufC})
	require.NoError(t, err)

	require.Equal(t, 3*varOffsetSize, sizes[0])
	offs := BytesOffsets(bufOff[:sizes[0]])
	assert.Equal(t, []uint64{0, 3, 10}, offs)
	assert.Equal(t, "A|CA|C|T|GA|C", string(bufVar[:sizes[1]]))
	assert.Equal(t, []int64{0, 2, 3}, BytesInt64(bufC[:sizes[2]]))
}

func TestSplitCompareFunction(t *testing.T) {
	fs := NewMemFS()
	varStringArray(t, fs, "ws/alt", []string{"a,b", "c,d", "b,c"})

	r, err := OpenArray(fs, nil, "ws/alt", ArrayRead, nil, nil)
	require.NoError(t, err)
	// 44 is the ASCII code of ','.
	require.NoError(t, r.SetFilter(`splitcompare(alt, 44, "c")`))

	bufOff := make([]byte, 1024)
	bufVar := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufOff, bufVar, bufC})
	require.NoError(t, err)
	assert.Equal(t, 2*varOffsetSize, sizes[0])
	assert.Equal(t, "c,db,c", string(bufVar[:sizes[1]]))
}

func TestCompareAllSemantics(t *testing.T) {
	ok, err := compareAll("0/1", "0/1")
	require.NoError(t, err)
	assert.True(t, ok, "identical strings match")

	ok, err = compareAll("1|0", "0/1")
	require.NoError(t, err)
	assert.True(t, ok, "slash-delimited right side matches unordered")

	ok, err = compareAll("0|1|2", "1")
	require.NoError(t, err)
	assert.True(t, ok, "undelimited right side matches any segment")

	ok, err = compareAll("0|2", "0/1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = compareAll("0|1", "0|2")
	require.NoError(t, err)
	assert.False(t, ok, "piped right side only matches exactly")

	_, err = compareAll("0/1", "")
	assert.Error(t, err, "empty right side is an operator misuse")
}

func TestGenotypeFunctions(t *testing.T) {
	assert.Equal(t, "A|T", resolveGenotype([]int64{0, 1, 1}, "A", "T|C"))
	assert.Equal(t, "C/C", resolveGenotype([]int64{2, 0, 2}, "A", "T|C"))

	assert.True(t, isHomRef([]int64{0, 1, 0}))
	assert.False(t, isHomRef([]int64{0, 1, 1}))

	assert.True(t, isHomAlt([]int64{2, 0, 2}))
	assert.False(t, isHomAlt([]int64{2, 0, 1}))
	assert.False(t, isHomAlt([]int64{0, 0, 0}))

	assert.True(t, isHet([]int64{0, 1, 1}))
	assert.False(t, isHet([]int64{1, 0, 1}))
	assert.False(t, isHet(nil))
}

// Cells holding the empty sentinel are included without applying the
// predicate.
func TestEmptyValueIncludesCell(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, CreateArray(fs, "ws/A", sparseSchema()))
	w, err := OpenArray(fs, nil, "ws/A", ArrayWrite, nil, nil)
	require.NoError(t, err)
	values := []int32{1, int32(Int32.emptyInt()), 3}
	coords := []int64{0, 0, 1, 1, 2, 2}
	require.NoError(t, w.Write([][]byte{Int32Bytes(values), Int64Bytes(coords)}))
	require.NoError(t, w.Finalize())

	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter("a1 > 100"))

	bufA := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufA, bufC})
	require.NoError(t, err)
	// Only the empty cell survives: the predicate rejects 1 and 3.
	assert.Equal(t, []int32{int32(Int32.emptyInt())}, BytesInt32(bufA[:sizes[0]]))
}

func TestExpressionInitErrors(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, CreateArray(fs, "ws/dense", denseSchema()))
	d, err := OpenArray(fs, nil, "ws/dense", ArrayRead, nil, nil)
	require.NoError(t, err)
	assert.Error(t, d.SetFilter("a1 > 1"), "dense arrays are rejected")

	writeDiagonal(t, fs, "ws/sparse")
	r, err := OpenArray(fs, nil, "ws/sparse", ArrayRead, nil, nil)
	require.NoError(t, err)
	assert.Error(t, r.SetFilter("nosuch > 1"), "unknown attribute")
	assert.Error(t, r.SetFilter("a1 >"), "parse error")
}

func TestExpressionNonBooleanResult(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")
	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter("a1 + 1"))

	bufA := make([]byte, 1024)
	bufC := make([]byte, 1024)
	_, err = r.Read([][]byte{bufA, bufC})
	assert.Error(t, err)
}

// Genomic aliases rewrite only on the 2-D column-major layout.
func TestGenomicAliases(t *testing.T) {
	schema := sparseSchema()
	schema.ArrayName = "gdb"
	schema.CellOrder = ColMajor
	fs := NewMemFS()
	require.NoError(t, CreateArray(fs, "ws/gdb", schema))

	w, err := OpenArray(fs, nil, "ws/gdb", ArrayWrite, nil, nil)
	require.NoError(t, err)
	// Col-major order on coords (row, pos).
	values := []int32{10, 20, 30}
	coords := []int64{0, 5, 1, 5, 0, 6}
	require.NoError(t, w.Write([][]byte{Int32Bytes(values), Int64Bytes(coords)}))
	require.NoError(t, w.Finalize())

	r, err := OpenArray(fs, nil, "ws/gdb", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter("ROW == 0"))

	bufA := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufA, bufC})
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 30}, BytesInt32(bufA[:sizes[0]]))
}

func TestExpressionArithmeticAndBoolOps(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")
	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetFilter("(a1 % 2 == 0 && a1 < 6) || a1 == 15"))

	bufA := make([]byte, 1024)
	bufC := make([]byte, 1024)
	sizes, err := r.Read([][]byte{bufA, bufC})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 4, 15}, BytesInt32(bufA[:sizes[0]]))
}
