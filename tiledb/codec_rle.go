package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// rleCodec run-length encodes tiles. A run is at most 65535 elements,
// written as the value followed by two big-endian run-length bytes.
// The coordinate-aware variants compress every dimension except the
// non-compressible major one, which is copied verbatim, and prefix the
// output with the coordinate count.
type rleCodec struct {
	isCoords  bool
	cellOrder Layout
	dimNum    int
	valueSize int
	out       []byte
}

const rleMaxRunLen = 65535

func newRLECodec(isCoords bool, cellOrder Layout, dimNum, valueSize int) *rleCodec {
	return &rleCodec{isCoords: isCoords, cellOrder: cellOrder, dimNum: dimNum, valueSize: valueSize}
}

func (c *rleCodec) Name() string { return "rle" }

func (c *rleCodec) CompressTile(tile []byte) ([]byte, error) {
	var err error
	if !c.isCoords {
		c.out, err = rleCompress(tile, c.valueSize, c.out[:0])
	} else {
		switch c.cellOrder {
		case RowMajor:
			c.out, err = rleCompressCoordsRow(tile, c.valueSize, c.dimNum, c.out[:0])
		case ColMajor:
			c.out, err = rleCompressCoordsCol(tile, c.valueSize, c.dimNum, c.out[:0])
		default:
			return nil, fmt.Errorf("failed compressing with RLE: unsupported cell order")
		}
	}
	if err != nil {
		return nil, err
	}
	return c.out, nil
}

func (c *rleCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	c.out = grow(c.out, tileSize)
	var err error
	if !c.isCoords {
		err = rleDecompress(compressed, c.out, c.valueSize)
	} else {
		switch c.cellOrder {
		case RowMajor:
			err = rleDecompressCoordsRow(compressed, c.out, c.valueSize, c.dimNum)
		case ColMajor:
			err = rleDecompressCoordsCol(compressed, c.out, c.valueSize, c.dimNum)
		default:
			return nil, fmt.Errorf("failed decompressing with RLE: unsupported cell order")
		}
	}
	if err != nil {
		return nil, err
	}
	return c.out, nil
}

func putRun(out []byte, value []byte, runLen int) []byte {
	out = append(out, value...)
	return append(out, byte(runLen>>8), byte(runLen%256))
}

// rleCompress encodes a flat buffer of fixed-size values.
func rleCompress(input []byte, valueSize int, out []byte) ([]byte, error) {
	if len(input) == 0 {
		return out, nil
	}
	if len(input)%valueSize != 0 {
		return nil, fmt.Errorf("failed compressing with RLE: invalid input buffer format")
	}
	valueNum := len(input) / valueSize
	runLen := 1
	prev := input[:valueSize]
	for i := 1; i < valueNum; i++ {
		cur := input[i*valueSize : (i+1)*valueSize]
		if bytes.Equal(cur, prev) && runLen < rleMaxRunLen {
			runLen++
		} else {
			out = putRun(out, prev, runLen)
			runLen = 1
		}
		prev = cur
	}
	return putRun(out, prev, runLen), nil
}

// rleDecompress reverses rleCompress into an exactly-sized output.
func rleDecompress(input, output []byte, valueSize int) error {
	if len(input) == 0 {
		return nil
	}
	runSize := valueSize + 2
	if len(input)%runSize != 0 {
		return fmt.Errorf("failed decompressing with RLE: invalid input buffer format")
	}
	outOff := 0
	for off := 0; off < len(input); off += runSize {
		value := input[off : off+valueSize]
		runLen := int(input[off+valueSize])<<8 + int(input[off+valueSize+1])
		if outOff+valueSize*runLen > len(output) {
			return fmt.Errorf("failed decompressing with RLE: output buffer overflow")
		}
		for j := 0; j < runLen; j++ {
			copy(output[outOff:], value)
			outOff += valueSize
		}
	}
	return nil
}

// rleCompressCoordsRow compresses the first dimNum-1 dimensions of
// row-major coordinates and copies the last dimension verbatim.
func rleCompressCoordsRow(input []byte, valueSize, dimNum int, out []byte) ([]byte, error) {
	coordsSize := valueSize * dimNum
	if len(input)%coordsSize != 0 {
		return nil, fmt.Errorf("failed compressing coordinates with RLE: invalid buffer format")
	}
	coordsNum := len(input) / coordsSize
	if coordsNum == 0 {
		return out, nil
	}
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(coordsNum))
	out = append(out, count[:]...)

	for d := 0; d < dimNum-1; d++ {
		out = rleCompressDim(input, out, valueSize, coordsSize, coordsNum, d)
	}
	for i := 0; i < coordsNum; i++ {
		off := i*coordsSize + (dimNum-1)*valueSize
		out = append(out, input[off:off+valueSize]...)
	}
	return out, nil
}

// rleCompressCoordsCol copies the first dimension of col-major
// coordinates verbatim and compresses the rest.
func rleCompressCoordsCol(input []byte, valueSize, dimNum int, out []byte) ([]byte, error) {
	coordsSize := valueSize * dimNum
	if len(input)%coordsSize != 0 {
		return nil, fmt.Errorf("failed compressing coordinates with RLE: invalid buffer format")
	}
	coordsNum := len(input) / coordsSize
	if coordsNum == 0 {
		return out, nil
	}
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(coordsNum))
	out = append(out, count[:]...)

	for i := 0; i < coordsNum; i++ {
		off := i * coordsSize
		out = append(out, input[off:off+valueSize]...)
	}
	for d := 1; d < dimNum; d++ {
		out = rleCompressDim(input, out, valueSize, coordsSize, coordsNum, d)
	}
	return out, nil
}

func rleCompressDim(input, out []byte, valueSize, coordsSize, coordsNum, d int) []byte {
	runLen := 1
	prev := input[d*valueSize : d*valueSize+valueSize]
	for i := 1; i < coordsNum; i++ {
		off := i*coordsSize + d*valueSize
		cur := input[off : off+valueSize]
		if bytes.Equal(cur, prev) && runLen < rleMaxRunLen {
			runLen++
		} else {
			out = putRun(out, prev, runLen)
			runLen = 1
		}
		prev = cur
	}
	return putRun(out, prev, runLen)
}

// rleDecompressCoordsRow reverses rleCompressCoordsRow.
func rleDecompressCoordsRow(input, output []byte, valueSize, dimNum int) error {
	runSize := valueSize + 2
	coordsSize := valueSize * dimNum
	if len(input) < 8 {
		return fmt.Errorf("failed decompressing coordinates with RLE: input buffer overflow")
	}
	coordsNum := int(binary.LittleEndian.Uint64(input))
	if coordsNum == 0 {
		return nil
	}
	if coordsNum*coordsSize > len(output) {
		return fmt.Errorf("failed decompressing coordinates with RLE: output buffer overflow")
	}
	off := 8
	runsLen := len(input) - off - coordsNum*valueSize
	if runsLen < 0 || runsLen%runSize != 0 {
		return fmt.Errorf("failed decompressing coordinates with RLE: invalid input buffer format")
	}
	coordsI, d := 0, 0
	for i := 0; i < runsLen/runSize; i++ {
		value := input[off : off+valueSize]
		runLen := int(input[off+valueSize])<<8 + int(input[off+valueSize+1])
		for j := 0; j < runLen; j++ {
			copy(output[d*valueSize+coordsI*coordsSize:], value)
			coordsI++
		}
		off += runSize
		if coordsI == coordsNum {
			coordsI = 0
			d++
		}
	}
	for i := 0; i < coordsNum; i++ {
		copy(output[(dimNum-1)*valueSize+i*coordsSize:(dimNum-1)*valueSize+i*coordsSize+valueSize], input[off:])
		off += valueSize
	}
	return nil
}

// rleDecompressCoordsCol reverses rleCompressCoordsCol. (This path
// decompresses; it does not re-enter the compressor.)
func rleDecompressCoordsCol(input, output []byte, valueSize, dimNum int) error {
	runSize := valueSize + 2
	coordsSize := valueSize * dimNum
	if len(input) < 8 {
		return fmt.Errorf("failed decompressing coordinates with RLE: input buffer overflow")
	}
	coordsNum := int(binary.LittleEndian.Uint64(input))
	if coordsNum == 0 {
		return nil
	}
	if coordsNum*coordsSize > len(output) {
		return fmt.Errorf("failed decompressing coordinates with RLE: output buffer overflow")
	}
	off := 8
	if off+coordsNum*valueSize > len(input) {
		return fmt.Errorf("failed decompressing coordinates with RLE: input buffer overflow")
	}
	for i := 0; i < coordsNum; i++ {
		copy(output[i*coordsSize:i*coordsSize+valueSize], input[off:])
		off += valueSize
	}
	runsLen := len(input) - off
	if runsLen%runSize != 0 {
		return fmt.Errorf("failed decompressing coordinates with RLE: invalid input buffer format")
	}
	coordsI, d := 0, 1
	for i := 0; i < runsLen/runSize; i++ {
		value := input[off : off+valueSize]
		runLen := int(input[off+valueSize])<<8 + int(input[off+valueSize+1])
		for j := 0; j < runLen; j++ {
			copy(output[d*valueSize+coordsI*coordsSize:], value)
			coordsI++
		}
		off += runSize
		if coordsI == coordsNum {
			coordsI = 0
			d++
		}
	}
	return nil
}
