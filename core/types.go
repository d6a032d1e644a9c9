package core

// ObjectID is the stable 64-bit identifier of a logical object (a leaf).
// IDs are allocated monotonically by the heap and never reused while any
// live reference (cache entry, index entry, pending frame) exists.
type ObjectID uint64

// Epoch is a monotone flush-epoch counter. Writes are tagged with the epoch
// they were admitted to; reclamation of anything freed during epoch e waits
// until e is both quiesced and durable.
type Epoch uint64

// Location identifies a physical frame as (slab, slot).
type Location struct {
	SlabID uint32
	Slot   uint32
}

// TombstoneSlabID marks a metadata-log tuple as a deletion of its ObjectID
// rather than a relocation. A real slab ID never reaches this value.
const TombstoneSlabID uint32 = 0xFFFFFFFF

// IsTombstone reports whether the location is a deletion marker.
func (l Location) IsTombstone() bool {
	return l.SlabID == TombstoneSlabID
}

// CompressionType identifies the compression algorithm used for a frame
// payload. The value is stored in the frame header.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for per-frame compression codecs.
// Implementations are pure functions over byte slices.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// Decompress reverses Compress.
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, ErrInvalidArgument
	}
}
