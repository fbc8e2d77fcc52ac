package tiledb

import "math"

// Version of the on-disk format this library reads and writes.
const Version = "0.5.2"

// ArrayMode selects how an open array handle behaves.
type ArrayMode int

const (
	ArrayRead ArrayMode = iota
	ArrayReadSortedCol
	ArrayReadSortedRow
	ArrayWrite
	ArrayWriteSortedCol
	ArrayWriteSortedRow
	ArrayWriteUnsorted
	ArrayConsolidate
)

func (m ArrayMode) isRead() bool {
	return m == ArrayRead || m == ArrayReadSortedCol || m == ArrayReadSortedRow
}

func (m ArrayMode) isWrite() bool {
	return m == ArrayWrite || m == ArrayWriteSortedCol ||
		m == ArrayWriteSortedRow || m == ArrayWriteUnsorted
}

// AIOStatus is the state of an asynchronous request.
type AIOStatus int

const (
	AIOInProgress AIOStatus = iota
	AIOCompleted
	AIOOverflow
	AIOError
)

// Datatype is an attribute or coordinate element type.
type Datatype int

const (
	Int32 Datatype = iota
	Int64
	Float32
	Float64
	Char
	Int8
	Uint8
	Int16
	Uint16
	Uint32
	Uint64
)

// Layout is a tile or cell order.
type Layout int

const (
	RowMajor Layout = iota
	ColMajor
	Hilbert
)

// Compression ids. The low nibble of a compression descriptor.
const (
	NoCompression = 0
	GZIP          = 1
	ZSTD          = 2
	LZ4           = 3
	Blosc         = 4
	BloscLZ4      = 5
	BloscLZ4HC    = 6
	BloscSnappy   = 7
	BloscZlib     = 8
	BloscZstd     = 9
	RLE           = 10
)

// Pre-compression filter bits of a compression descriptor.
const (
	DeltaEncode = 1 << 4
	BitShuffle  = 2 << 4
)

const (
	compressMask     = 0x0F
	preCompressMask  = 0x30
	postCompressMask = 0xC0
)

// Default compression levels per compressor.
const (
	defaultGzipLevel  = -1 // the deflate library default
	defaultZstdLevel  = 1
	defaultBloscLevel = 5
	defaultLZ4Level   = 1
)

// Special attribute names and file names of the on-disk layout.
const (
	CoordsName = "__coords"
	KeyName    = "__key"

	FileSuffix = ".tdb"
	GzipSuffix = ".gz"

	ArraySchemaFilename = "__array_schema.tdb"
	BookKeepingFilename = "__book_keeping"
	FragmentFilename    = "__tiledb_fragment.tdb"
	ArrayFilename       = "__tiledb_array.tdb"
	GroupFilename       = "__tiledb_group.tdb"
	WorkspaceFilename   = "__tiledb_workspace.tdb"
)

// VarNum marks a variable cells-per-value count in a schema.
const VarNum = math.MaxInt32

// varOffsetSize is the width of one variable-length cell offset.
const varOffsetSize = 8

const (
	// NameMaxLen bounds the names of workspaces, arrays, attributes and
	// dimensions.
	NameMaxLen = 4096

	// DefaultConsolidationBufferSize is the per-attribute buffer used
	// while consolidating fragments.
	DefaultConsolidationBufferSize = 10_000_000

	// Buffers used to batch cells while sorting unsorted writes.
	DefaultSortedBufferSize    = 10_000_000
	DefaultSortedBufferVarSize = 10_000_000

	// gzipChunkSize is the window used by the streaming gzip overlay.
	gzipChunkSize = 128 * 1024
)

// Environment variables honored by Config.
const (
	EnvDisableFileLocking  = "TILEDB_DISABLE_FILE_LOCKING"
	EnvKeepFileHandlesOpen = "TILEDB_KEEP_FILE_HANDLES_OPEN"
)

// Size returns the byte width of one element of the type.
func (t Datatype) Size() int {
	switch t {
	case Char, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	default:
		return 8
	}
}

// IsInteger reports whether the type is an integer type (Char counts:
// it is a byte-width integer on disk).
func (t Datatype) IsInteger() bool {
	switch t {
	case Float32, Float64:
		return false
	}
	return true
}

func (t Datatype) String() string {
	switch t {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Char:
		return "char"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	default:
		return "unknown"
	}
}

// emptyInt is the integer empty-cell sentinel for t: the maximum value
// of the underlying type.
func (t Datatype) emptyInt() int64 {
	switch t {
	case Char, Int8:
		return math.MaxInt8
	case Uint8:
		return math.MaxUint8
	case Int16:
		return math.MaxInt16
	case Uint16:
		return math.MaxUint16
	case Int32:
		return math.MaxInt32
	case Uint32:
		return math.MaxUint32
	case Int64:
		return math.MaxInt64
	case Uint64:
		return -1 // MaxUint64 read back as a signed word
	default:
		return 0
	}
}

// emptyFloat is the floating-point empty-cell sentinel for t.
func (t Datatype) emptyFloat() float64 {
	if t == Float32 {
		return math.MaxFloat32
	}
	return math.MaxFloat64
}
