package tiledb

import (
	"os"
	"strings"
)

// ReadMethod selects how the POSIX backend reads files.
type ReadMethod int

const (
	ReadMmap ReadMethod = iota
	ReadStream
)

// Config carries the process-wide storage policies. The zero value is
// usable; NewConfig applies defaults and environment overrides.
type Config struct {
	// Home is the root path for internal metadata. Empty means the
	// working directory.
	Home string

	ReadMethod ReadMethod

	// DisableFileLocking skips advisory locks; some backends have none.
	DisableFileLocking bool

	// KeepWriteFileHandlesOpen keeps write descriptors open across
	// appends until CloseFile. Bars concurrent reads of the same file
	// within the process.
	KeepWriteFileHandlesOpen bool

	EnableSharedPosixFSOptimizations bool

	// UploadBufferSize and DownloadBufferSize are the storage-buffer
	// chunk sizes. Zero means the backend needs no chunking.
	UploadBufferSize   int
	DownloadBufferSize int

	ConsolidationBufferSize int
	SortedBufferSize        int
	SortedBufferVarSize     int

	NameMaxLen int
}

// NewConfig returns a Config with defaults and environment overrides
// applied.
func NewConfig() *Config {
	c := &Config{
		ConsolidationBufferSize: DefaultConsolidationBufferSize,
		SortedBufferSize:        DefaultSortedBufferSize,
		SortedBufferVarSize:     DefaultSortedBufferVarSize,
		NameMaxLen:              NameMaxLen,
	}
	if v, ok := envBool(EnvDisableFileLocking); ok {
		c.DisableFileLocking = v
	}
	if v, ok := envBool(EnvKeepFileHandlesOpen); ok {
		c.KeepWriteFileHandlesOpen = v
	}
	return c
}

func (c *Config) sortedBufferSize() int {
	if c == nil || c.SortedBufferSize <= 0 {
		return DefaultSortedBufferSize
	}
	return c.SortedBufferSize
}

func (c *Config) sortedBufferVarSize() int {
	if c == nil || c.SortedBufferVarSize <= 0 {
		return DefaultSortedBufferVarSize
	}
	return c.SortedBufferVarSize
}

func (c *Config) consolidationBufferSize() int {
	if c == nil || c.ConsolidationBufferSize <= 0 {
		return DefaultConsolidationBufferSize
	}
	return c.ConsolidationBufferSize
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
