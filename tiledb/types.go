package tiledb

import (
	"encoding/binary"
	"math"
)

// Buffers passed across the public API are raw little-endian byte
// slices, one per fixed attribute and two (offsets, payload) per
// variable attribute, in schema attribute order with coordinates last.
// The helpers below convert between typed Go slices and that layout.

// Int32Bytes returns the little-endian encoding of v.
func Int32Bytes(v []int32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(x))
	}
	return b
}

// BytesInt32 decodes a little-endian int32 buffer.
func BytesInt32(b []byte) []int32 {
	v := make([]int32, len(b)/4)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// Int64Bytes returns the little-endian encoding of v.
func Int64Bytes(v []int64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(x))
	}
	return b
}

// BytesInt64 decodes a little-endian int64 buffer.
func BytesInt64(b []byte) []int64 {
	v := make([]int64, len(b)/8)
	for i := range v {
		v[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v
}

// Float64Bytes returns the little-endian encoding of v.
func Float64Bytes(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return b
}

// BytesFloat64 decodes a little-endian float64 buffer.
func BytesFloat64(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v
}

// OffsetsBytes encodes variable-length cell offsets.
func OffsetsBytes(v []uint64) []byte {
	b := make([]byte, varOffsetSize*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[varOffsetSize*i:], x)
	}
	return b
}

// BytesOffsets decodes variable-length cell offsets.
func BytesOffsets(b []byte) []uint64 {
	v := make([]uint64, len(b)/varOffsetSize)
	for i := range v {
		v[i] = binary.LittleEndian.Uint64(b[varOffsetSize*i:])
	}
	return v
}

// elemInt reads element idx of a t-typed buffer as a signed word.
func elemInt(buf []byte, t Datatype, idx int) int64 {
	switch t {
	case Char, Int8:
		return int64(int8(buf[idx]))
	case Uint8:
		return int64(buf[idx])
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(buf[2*idx:])))
	case Uint16:
		return int64(binary.LittleEndian.Uint16(buf[2*idx:]))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(buf[4*idx:])))
	case Uint32:
		return int64(binary.LittleEndian.Uint32(buf[4*idx:]))
	default:
		return int64(binary.LittleEndian.Uint64(buf[8*idx:]))
	}
}

// elemFloat reads element idx of a float-typed buffer.
func elemFloat(buf []byte, t Datatype, idx int) float64 {
	if t == Float32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*idx:])))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[8*idx:]))
}

// putElemInt writes v as element idx of a t-typed buffer.
func putElemInt(buf []byte, t Datatype, idx int, v int64) {
	switch t {
	case Char, Int8, Uint8:
		buf[idx] = byte(v)
	case Int16, Uint16:
		binary.LittleEndian.PutUint16(buf[2*idx:], uint16(v))
	case Int32, Uint32:
		binary.LittleEndian.PutUint32(buf[4*idx:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf[8*idx:], uint64(v))
	}
}

// putElemFloat writes v as element idx of a float-typed buffer.
func putElemFloat(buf []byte, t Datatype, idx int, v float64) {
	if t == Float32 {
		binary.LittleEndian.PutUint32(buf[4*idx:], math.Float32bits(float32(v)))
		return
	}
	binary.LittleEndian.PutUint64(buf[8*idx:], math.Float64bits(v))
}

// fillEmpty writes n empty-cell sentinels of type t into buf.
func fillEmpty(buf []byte, t Datatype, n int) {
	if t == Float32 || t == Float64 {
		for i := 0; i < n; i++ {
			putElemFloat(buf, t, i, t.emptyFloat())
		}
		return
	}
	for i := 0; i < n; i++ {
		putElemInt(buf, t, i, t.emptyInt())
	}
}

// compareElem orders element i of a against element j of b for a
// coordinate type t. Returns -1, 0 or 1.
func compareElem(a, b []byte, t Datatype, i, j int) int {
	if t == Float32 || t == Float64 {
		av, bv := elemFloat(a, t, i), elemFloat(b, t, j)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	av, bv := elemInt(a, t, i), elemInt(b, t, j)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// compareCoords orders the cell starting at a[0] against the cell at
// b[0] (each dimNum elements of type t) under the given cell order.
// Hilbert callers must compare ids first and fall back to RowMajor.
func compareCoords(a, b []byte, t Datatype, dimNum int, order Layout) int {
	if order == ColMajor {
		for d := dimNum - 1; d >= 0; d-- {
			if c := compareElem(a, b, t, d, d); c != 0 {
				return c
			}
		}
		return 0
	}
	for d := 0; d < dimNum; d++ {
		if c := compareElem(a, b, t, d, d); c != 0 {
			return c
		}
	}
	return 0
}
