package tiledb

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec compresses tiles with Zstandard.
type zstdCodec struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	out   []byte
}

func newZstdCodec(level int) *zstdCodec {
	if level == 0 {
		level = defaultZstdLevel
	}
	return &zstdCodec{level: level}
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) CompressTile(tile []byte) ([]byte, error) {
	if c.enc == nil {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("could not initialize zstd compression: %w", err)
		}
		c.enc = enc
	}
	c.out = c.enc.EncodeAll(tile, c.out[:0])
	return c.out, nil
}

func (c *zstdCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	if c.dec == nil {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("could not initialize zstd decompression: %w", err)
		}
		c.dec = dec
	}
	out, err := c.dec.DecodeAll(compressed, c.out[:0])
	if err != nil {
		return nil, fmt.Errorf("could not decompress with zstd: %w", err)
	}
	c.out = out
	if len(out) != tileSize {
		return nil, fmt.Errorf("zstd tile decompressed to %d bytes, expected %d", len(out), tileSize)
	}
	return out, nil
}
