package tiledb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// bloscCodec frames tiles the Blosc way: a fixed header carrying the
// format version, the sub-compressor id, the element type size and the
// byte counts, followed by the sub-compressed payload. The blosclz
// sub-compressor maps onto the lz4 kernel, the in-process stand-in
// when the native blosclz library is not linked.

const (
	bloscHeaderLen     = 16
	bloscFormatVersion = 2
)

// Sub-compressor ids recorded in the frame header.
const (
	bloscSubLZ4 = iota
	bloscSubLZ4HC
	bloscSubSnappy
	bloscSubZlib
	bloscSubZstd
)

type bloscCodec struct {
	compression int
	level       int
	typeSize    int
	out         []byte
	scratch     []byte
	zstdEnc     *zstd.Encoder
	zstdDec     *zstd.Decoder
}

func newBloscCodec(compression, level, typeSize int) *bloscCodec {
	if level <= 0 {
		level = defaultBloscLevel
	}
	if typeSize <= 0 {
		typeSize = 1
	}
	return &bloscCodec{compression: compression, level: level, typeSize: typeSize}
}

func (c *bloscCodec) Name() string {
	switch c.compression {
	case BloscLZ4:
		return "blosc-lz4"
	case BloscLZ4HC:
		return "blosc-lz4hc"
	case BloscSnappy:
		return "blosc-snappy"
	case BloscZlib:
		return "blosc-zlib"
	case BloscZstd:
		return "blosc-zstd"
	default:
		return "blosc"
	}
}

func (c *bloscCodec) subCompressor() int {
	switch c.compression {
	case BloscLZ4HC:
		return bloscSubLZ4HC
	case BloscSnappy:
		return bloscSubSnappy
	case BloscZlib:
		return bloscSubZlib
	case BloscZstd:
		return bloscSubZstd
	default:
		return bloscSubLZ4
	}
}

func (c *bloscCodec) CompressTile(tile []byte) ([]byte, error) {
	sub := c.subCompressor()
	payload, err := c.subCompress(sub, tile)
	if err != nil {
		return nil, fmt.Errorf("could not compress with %s: %w", c.Name(), err)
	}
	c.out = grow(c.out, bloscHeaderLen+len(payload))
	c.out[0] = bloscFormatVersion
	c.out[1] = byte(sub)
	c.out[2] = byte(c.typeSize)
	c.out[3] = 0
	binary.LittleEndian.PutUint32(c.out[4:], uint32(len(tile)))
	binary.LittleEndian.PutUint32(c.out[8:], uint32(len(tile)))
	binary.LittleEndian.PutUint32(c.out[12:], uint32(len(payload)))
	copy(c.out[bloscHeaderLen:], payload)
	return c.out, nil
}

func (c *bloscCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	if len(compressed) < bloscHeaderLen {
		return nil, fmt.Errorf("could not decompress with %s: truncated frame header", c.Name())
	}
	if compressed[0] != bloscFormatVersion {
		return nil, fmt.Errorf("could not decompress with %s: unsupported format version %d", c.Name(), compressed[0])
	}
	sub := int(compressed[1])
	nbytes := int(binary.LittleEndian.Uint32(compressed[4:]))
	cbytes := int(binary.LittleEndian.Uint32(compressed[12:]))
	if nbytes != tileSize {
		return nil, fmt.Errorf("%s tile decompresses to %d bytes, expected %d", c.Name(), nbytes, tileSize)
	}
	if bloscHeaderLen+cbytes > len(compressed) {
		return nil, fmt.Errorf("could not decompress with %s: truncated payload", c.Name())
	}
	out, err := c.subDecompress(sub, compressed[bloscHeaderLen:bloscHeaderLen+cbytes], tileSize)
	if err != nil {
		return nil, fmt.Errorf("could not decompress with %s: %w", c.Name(), err)
	}
	return out, nil
}

func (c *bloscCodec) subCompress(sub int, tile []byte) ([]byte, error) {
	switch sub {
	case bloscSubLZ4, bloscSubLZ4HC:
		c.scratch = grow(c.scratch, lz4.CompressBlockBound(len(tile))+1)
		var n int
		var err error
		if sub == bloscSubLZ4HC {
			hc := lz4.CompressorHC{Level: lz4.Level4}
			n, err = hc.CompressBlock(tile, c.scratch[1:])
		} else {
			var fast lz4.Compressor
			n, err = fast.CompressBlock(tile, c.scratch[1:])
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			c.scratch = grow(c.scratch, len(tile)+1)
			c.scratch[0] = 0
			copy(c.scratch[1:], tile)
			return c.scratch[:len(tile)+1], nil
		}
		c.scratch[0] = 1
		return c.scratch[:n+1], nil
	case bloscSubSnappy:
		c.scratch = snappy.Encode(c.scratch[:cap(c.scratch)], tile)
		return c.scratch, nil
	case bloscSubZlib:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, c.level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(tile); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case bloscSubZstd:
		if c.zstdEnc == nil {
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
				zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			c.zstdEnc = enc
		}
		c.scratch = c.zstdEnc.EncodeAll(tile, c.scratch[:0])
		return c.scratch, nil
	default:
		return nil, fmt.Errorf("unknown sub-compressor %d", sub)
	}
}

func (c *bloscCodec) subDecompress(sub int, payload []byte, tileSize int) ([]byte, error) {
	switch sub {
	case bloscSubLZ4, bloscSubLZ4HC:
		if len(payload) == 0 {
			return nil, fmt.Errorf("empty lz4 payload")
		}
		c.scratch = grow(c.scratch, tileSize)
		if payload[0] == 0 {
			copy(c.scratch, payload[1:])
			return c.scratch, nil
		}
		n, err := lz4.UncompressBlock(payload[1:], c.scratch)
		if err != nil {
			return nil, err
		}
		return c.scratch[:n], nil
	case bloscSubSnappy:
		out, err := snappy.Decode(c.scratch[:cap(c.scratch)], payload)
		if err != nil {
			return nil, err
		}
		c.scratch = out
		return out, nil
	case bloscSubZlib:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		c.scratch = grow(c.scratch, tileSize)
		if _, err := io.ReadFull(r, c.scratch); err != nil {
			return nil, err
		}
		return c.scratch, nil
	case bloscSubZstd:
		if c.zstdDec == nil {
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			c.zstdDec = dec
		}
		out, err := c.zstdDec.DecodeAll(payload, c.scratch[:0])
		if err != nil {
			return nil, err
		}
		c.scratch = out
		return out, nil
	default:
		return nil, fmt.Errorf("unknown sub-compressor %d", sub)
	}
}
