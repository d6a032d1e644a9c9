package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is a standard header for all persistent heap/log files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CompressorType CompressionType
	Reserved       uint16
	CreatedAt      int64 // UnixNano timestamp
}

// Size returns the encoded size of the header.
func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and the given
// magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CompressorType: compressorType,
		CreatedAt:      time.Now().UnixNano(),
	}
}
