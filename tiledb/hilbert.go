package tiledb

// Hilbert cell ids are defined for 2-dimensional arrays: each
// coordinate is normalized against the domain low and quantized to
// hilbertBits bits, and the pair is mapped onto a single curve
// position. Cells that share a position tie-break in row-major order.

const hilbertBits = 16

func hilbertRotate(n uint64, x, y *uint64, rx, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

// hilbertID maps quantized (x, y) to a position on the order-hilbertBits
// Hilbert curve.
func hilbertID(x, y uint64) uint64 {
	var n uint64 = 1 << hilbertBits
	var rx, ry, d uint64
	for s := n / 2; s > 0; s /= 2 {
		if x&s > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if y&s > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += s * s * ((3 * rx) ^ ry)
		hilbertRotate(s, &x, &y, rx, ry)
	}
	return d
}

// hilbertCellID computes the curve position of the coords cell starting
// at element 0 of buf, normalized against the schema domain.
func (s *ArraySchema) hilbertCellID(coords []byte) uint64 {
	var x, y uint64
	t := s.CoordsType
	if t == Float32 || t == Float64 {
		x = uint64(elemFloat(coords, t, 0) - elemFloat(s.Domain, t, 0))
		y = uint64(elemFloat(coords, t, 1) - elemFloat(s.Domain, t, 2))
	} else {
		x = uint64(elemInt(coords, t, 0) - elemInt(s.Domain, t, 0))
		y = uint64(elemInt(coords, t, 1) - elemInt(s.Domain, t, 2))
	}
	return hilbertID(x&(1<<hilbertBits-1), y&(1<<hilbertBits-1))
}
