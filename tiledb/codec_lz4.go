package tiledb

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec compresses tiles as single LZ4 blocks. The uncompressed
// size is known from book-keeping at read time, so no frame header is
// written; one leading marker byte distinguishes compressed payloads
// from raw stores of incompressible input.
type lz4Codec struct {
	level int
	out   []byte
	hc    lz4.CompressorHC
	fast  lz4.Compressor
}

func newLZ4Codec(level int) *lz4Codec {
	if level <= 0 {
		level = defaultLZ4Level
	}
	if level > 9 {
		level = 9
	}
	return &lz4Codec{level: level, hc: lz4.CompressorHC{Level: lz4.CompressionLevel(1 << (8 + level))}}
}

func (c *lz4Codec) Name() string { return "lz4" }

func (c *lz4Codec) CompressTile(tile []byte) ([]byte, error) {
	c.out = grow(c.out, lz4.CompressBlockBound(len(tile))+1)
	var n int
	var err error
	if c.level > 1 {
		n, err = c.hc.CompressBlock(tile, c.out[1:])
	} else {
		n, err = c.fast.CompressBlock(tile, c.out[1:])
	}
	if err != nil {
		return nil, fmt.Errorf("could not compress with lz4: %w", err)
	}
	if n == 0 {
		c.out = grow(c.out, len(tile)+1)
		c.out[0] = 0
		copy(c.out[1:], tile)
		return c.out[:len(tile)+1], nil
	}
	c.out[0] = 1
	return c.out[:n+1], nil
}

func (c *lz4Codec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, fmt.Errorf("could not decompress with lz4: empty tile")
	}
	c.out = grow(c.out, tileSize)
	if compressed[0] == 0 {
		if len(compressed)-1 != tileSize {
			return nil, fmt.Errorf("lz4 raw tile is %d bytes, expected %d", len(compressed)-1, tileSize)
		}
		copy(c.out, compressed[1:])
		return c.out, nil
	}
	n, err := lz4.UncompressBlock(compressed[1:], c.out)
	if err != nil {
		return nil, fmt.Errorf("could not decompress with lz4: %w", err)
	}
	if n != tileSize {
		return nil, fmt.Errorf("lz4 tile decompressed to %d bytes, expected %d", n, tileSize)
	}
	return c.out, nil
}
