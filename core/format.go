package core

import "fmt"

// This file centralizes constants related to on-disk formats, magic numbers,
// and file naming used across the storage engine.

// --- Magic Numbers ---
const (
	// FrameMagicNumber identifies a heap frame.
	FrameMagicNumber uint32 = 0x4D454C46 // "MELF"
	// MetaRecordMagicNumber identifies a metadata-log record.
	MetaRecordMagicNumber uint32 = 0x4D4C4F47 // "MLOG"
	// SlabMagicNumber identifies a slab file.
	SlabMagicNumber uint32 = 0x534C4142 // "SLAB"
	// MetaLogMagicNumber identifies the metadata-log file.
	MetaLogMagicNumber uint32 = 0x4D455441 // "META"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Frame layout ---
//
// [magic: 4][version: 1][flags: 1][compression: 1][reserved: 1]
// [payload_len: u32][payload][checksum: u32 over header+payload]
const (
	FrameHeaderSize = 12
	ChecksumSize    = 4
	FrameOverhead   = FrameHeaderSize + ChecksumSize

	// FrameFlagCompressed is set in the flags byte when the stored payload
	// went through a codec.
	FrameFlagCompressed uint8 = 1 << 0
)

// --- File Names ---
const (
	// MetaLogFileName is the name of the metadata log inside the database
	// directory.
	MetaLogFileName = "meta.log"

	// SlabFilePrefix and SlabFileSuffix bracket the size-class number in a
	// slab file name, e.g. slab-04.dat.
	SlabFilePrefix = "slab-"
	SlabFileSuffix = ".dat"
)

// FormatSlabFileName creates a slab file name from its size class.
func FormatSlabFileName(class int) string {
	return fmt.Sprintf("%s%02d%s", SlabFilePrefix, class, SlabFileSuffix)
}
