package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is a standard header written at the start of every persistent
// file (WAL segments, SSTables, the manifest).
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// NewFileHeader creates a header with the current time and the given magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// Size returns the encoded size of the header.
func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})
