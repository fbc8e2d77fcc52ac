package tiledb

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzipCodec deflates tiles with the stdlib gzip implementation.
type gzipCodec struct {
	level int
	buf   bytes.Buffer
	out   []byte
	w     *gzip.Writer
}

func newGzipCodec(level int) *gzipCodec {
	if level == 0 {
		level = defaultGzipLevel
	}
	return &gzipCodec{level: level}
}

func (c *gzipCodec) Name() string { return "gzip" }

func (c *gzipCodec) CompressTile(tile []byte) ([]byte, error) {
	c.buf.Reset()
	if c.w == nil {
		w, err := gzip.NewWriterLevel(&c.buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("could not initialize gzip compression: %w", err)
		}
		c.w = w
	} else {
		c.w.Reset(&c.buf)
	}
	if _, err := c.w.Write(tile); err != nil {
		return nil, fmt.Errorf("could not compress with gzip: %w", err)
	}
	if err := c.w.Close(); err != nil {
		return nil, fmt.Errorf("could not compress with gzip: %w", err)
	}
	return c.buf.Bytes(), nil
}

func (c *gzipCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("could not decompress with gzip: %w", err)
	}
	defer r.Close()
	c.out = grow(c.out, tileSize)
	if _, err := io.ReadFull(r, c.out); err != nil {
		return nil, fmt.Errorf("gzip tile decompressed short of %d bytes: %w", tileSize, err)
	}
	return c.out, nil
}
