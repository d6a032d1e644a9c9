package compressors

import (
	"fmt"

	"github.com/INLOpen/melange/core"
)

// NewRegistry builds the codec table used by the heap when decoding frames.
// Every codec compiled into this build is present; a frame whose compression
// byte is absent from the table surfaces ErrInvalidArgument when that frame
// is read. Opening a database does not read frames, so it does not check.
func NewRegistry(zstdLevel int) (map[core.CompressionType]core.Compressor, error) {
	zc, err := NewZstdCompressor(zstdLevel)
	if err != nil {
		return nil, err
	}
	return map[core.CompressionType]core.Compressor{
		core.CompressionNone:   NewNoCompressionCompressor(),
		core.CompressionSnappy: NewSnappyCompressor(),
		core.CompressionLZ4:    NewLz4Compressor(),
		core.CompressionZSTD:   zc,
	}, nil
}

// ForType returns the codec for a configured compression type.
func ForType(ct core.CompressionType, zstdLevel int) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(zstdLevel)
	default:
		return nil, fmt.Errorf("compression type %d: %w", ct, core.ErrInvalidArgument)
	}
}
