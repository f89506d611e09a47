package compressors

import (
	"fmt"

	"github.com/flintdb/flint/core"
)

// Get returns the Compressor for a given on-disk compression type.
func Get(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompression(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZstd:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// FromName maps a configuration string ("none", "snappy", "lz4", "zstd") to a
// Compressor.
func FromName(name string) (core.Compressor, error) {
	switch name {
	case "", "none":
		return NewNoCompression(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "zstd":
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression name: %q", name)
	}
}
