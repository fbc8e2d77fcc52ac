package tiledb

import (
	"fmt"
	"sync"
)

// Codec compresses and decompresses single tiles. Implementations
// reuse an internal output buffer that grows monotonically, so the
// returned slices are only valid until the next call and instances are
// not safe for concurrent use.
type Codec interface {
	Name() string
	// CompressTile returns the compressed form of tile.
	CompressTile(tile []byte) ([]byte, error)
	// DecompressTile inflates compressed into exactly tileSize bytes.
	DecompressTile(compressed []byte, tileSize int) ([]byte, error)
}

// CodecFactory builds a codec for one attribute of a schema.
type CodecFactory func(s *ArraySchema, attributeID int, offsets bool) (Codec, error)

var (
	codecRegistryMu sync.Mutex
	codecRegistry   = make(map[int]CodecFactory)
)

// RegisterCodec installs a factory for a compression id, overriding the
// built-in dispatch. Optional codecs (JPEG2000 and friends) hook in
// here.
func RegisterCodec(compression int, factory CodecFactory) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[compression] = factory
}

func registeredCodec(compression int) (CodecFactory, bool) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	f, ok := codecRegistry[compression]
	return f, ok
}

// Descriptor field accessors: low nibble compressor, bits 4-5 the
// pre-compression filter, bits 6-7 the post-compression filter.

func compressorOf(descriptor int) int { return descriptor & compressMask }

func preFilterOf(descriptor int) int { return descriptor & preCompressMask }

func postFilterOf(descriptor int) int { return descriptor & postCompressMask }

// newCodec builds the codec pipeline for an attribute (or its offsets
// stream). A NoCompression descriptor returns nil; callers treat a nil
// codec as pass-through.
func newCodec(s *ArraySchema, attributeID int, offsets bool) (Codec, error) {
	descriptor := s.compression(attributeID)
	level := s.compressionLevel(attributeID)
	if offsets {
		descriptor = s.offsetsCompression(attributeID)
		level = s.offsetsCompressionLevel(attributeID)
	}
	compression := compressorOf(descriptor)
	if compression == NoCompression {
		return nil, nil
	}

	if factory, ok := registeredCodec(compression); ok {
		return factory(s, attributeID, offsets)
	}

	var codec Codec
	switch compression {
	case GZIP:
		codec = newGzipCodec(level)
	case ZSTD:
		codec = newZstdCodec(level)
	case LZ4:
		codec = newLZ4Codec(level)
	case Blosc, BloscLZ4, BloscLZ4HC, BloscSnappy, BloscZlib, BloscZstd:
		typeSize := s.typeOf(attributeID).Size()
		if offsets {
			typeSize = varOffsetSize
		}
		codec = newBloscCodec(compression, level, typeSize)
	case RLE:
		isCoords := attributeID == s.AttributeNum()
		valueSize := s.cellSize(attributeID)
		if s.varSize(attributeID) || isCoords {
			valueSize = s.typeOf(attributeID).Size()
		}
		codec = newRLECodec(isCoords, s.CellOrder, s.DimNum(), valueSize)
	default:
		// Ids outside the registry compress as pass-through.
		codec = noopCodec{}
	}

	switch pre := preFilterOf(descriptor); pre {
	case 0:
	case DeltaEncode:
		var filter *deltaFilter
		switch {
		case attributeID == s.AttributeNum():
			filter = newDeltaFilter(s.CoordsType, s.DimNum())
		case offsets:
			filter = newDeltaFilter(Uint64, 1)
		default:
			filter = newDeltaFilter(s.typeOf(attributeID), s.cellValNum(attributeID))
		}
		codec = &filteredCodec{pre: filter, codec: codec}
	case BitShuffle:
		codec = &filteredCodec{pre: newBitShuffleFilter(s.typeOf(attributeID)), codec: codec}
	default:
		// Unknown pre-compression filters are ignored, not fatal.
	}
	// No post-compression filters are defined yet; unknown ids are
	// likewise ignored.

	return codec, nil
}

// noopCodec passes tiles through unchanged.
type noopCodec struct{}

func (noopCodec) Name() string { return "none" }

func (noopCodec) CompressTile(tile []byte) ([]byte, error) { return tile, nil }

func (noopCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	if len(compressed) != tileSize {
		return nil, fmt.Errorf("pass-through tile is %d bytes, expected %d", len(compressed), tileSize)
	}
	return compressed, nil
}

// filteredCodec applies a pre-compression filter around a compressor.
type filteredCodec struct {
	pre   Filter
	codec Codec
}

func (f *filteredCodec) Name() string { return f.codec.Name() + "+" + f.pre.Name() }

func (f *filteredCodec) CompressTile(tile []byte) ([]byte, error) {
	coded, err := f.pre.Code(tile)
	if err != nil {
		return nil, fmt.Errorf("could not apply filter %s before compressing: %w", f.pre.Name(), err)
	}
	return f.codec.CompressTile(coded)
}

func (f *filteredCodec) DecompressTile(compressed []byte, tileSize int) ([]byte, error) {
	tile, err := f.codec.DecompressTile(compressed, tileSize)
	if err != nil {
		return nil, err
	}
	if err := f.pre.Decode(tile); err != nil {
		return nil, fmt.Errorf("could not apply filter %s after decompressing: %w", f.pre.Name(), err)
	}
	return tile, nil
}

// grow returns buf resized to n bytes, reallocating only when the
// capacity is insufficient.
func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
