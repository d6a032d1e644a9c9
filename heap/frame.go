package heap

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/melange/core"
)

// Frame layout (little-endian, §frame format):
//
//	[magic: 4][version: 1][flags: 1][compression: 1][reserved: 1]
//	[payload_len: u32][payload: bytes][checksum: u32]
//
// The checksum covers the header bytes plus the stored (possibly
// compressed) payload. payload_len is the stored length.

// EncodeFrame wraps a serialized object payload in a frame, compressing it
// with the given codec. A nil codec or CompressionNone stores the payload
// verbatim with the compressed flag clear.
func EncodeFrame(payload []byte, codec core.Compressor) ([]byte, error) {
	stored := payload
	var flags uint8
	compression := core.CompressionNone

	if codec != nil && codec.Type() != core.CompressionNone {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("heap.encode: %w", err)
		}
		// Keep the smaller representation; an incompressible payload is
		// stored raw so the read path never pays for a useless decode.
		if len(compressed) < len(payload) {
			stored = compressed
			flags |= core.FrameFlagCompressed
			compression = codec.Type()
		}
	}

	frame := make([]byte, core.FrameHeaderSize+len(stored)+core.ChecksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], core.FrameMagicNumber)
	frame[4] = core.FormatVersion
	frame[5] = flags
	frame[6] = byte(compression)
	frame[7] = 0
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(stored)))
	copy(frame[core.FrameHeaderSize:], stored)

	sum := crc32.ChecksumIEEE(frame[:core.FrameHeaderSize+len(stored)])
	binary.LittleEndian.PutUint32(frame[core.FrameHeaderSize+len(stored):], sum)
	return frame, nil
}

// DecodeFrame verifies and unwraps a frame read from a slot, returning the
// uncompressed payload. The slot may be longer than the frame; the trailing
// slack is ignored.
func DecodeFrame(slot []byte, codecs map[core.CompressionType]core.Compressor) ([]byte, error) {
	if len(slot) < core.FrameOverhead {
		return nil, fmt.Errorf("heap.read: frame too short (%d bytes): %w", len(slot), core.ErrCorruption)
	}
	if magic := binary.LittleEndian.Uint32(slot[0:4]); magic != core.FrameMagicNumber {
		return nil, fmt.Errorf("heap.read: bad frame magic %#x: %w", magic, core.ErrCorruption)
	}
	if version := slot[4]; version != core.FormatVersion {
		return nil, fmt.Errorf("heap.read: unsupported frame version %d: %w", version, core.ErrCorruption)
	}

	payloadLen := int(binary.LittleEndian.Uint32(slot[8:12]))
	frameLen := core.FrameHeaderSize + payloadLen + core.ChecksumSize
	if frameLen > len(slot) {
		return nil, fmt.Errorf("heap.read: frame length %d exceeds slot %d: %w", frameLen, len(slot), core.ErrCorruption)
	}

	body := slot[core.FrameHeaderSize : core.FrameHeaderSize+payloadLen]
	want := binary.LittleEndian.Uint32(slot[core.FrameHeaderSize+payloadLen:])
	if got := crc32.ChecksumIEEE(slot[:core.FrameHeaderSize+payloadLen]); got != want {
		return nil, fmt.Errorf("heap.read: checksum %#x != %#x: %w", got, want, core.ErrCorruption)
	}

	flags := slot[5]
	if flags&core.FrameFlagCompressed == 0 {
		out := make([]byte, payloadLen)
		copy(out, body)
		return out, nil
	}

	compression := core.CompressionType(slot[6])
	codec, ok := codecs[compression]
	if !ok {
		return nil, fmt.Errorf("heap.read: frame requires codec %q that is not available: %w", compression, core.ErrInvalidArgument)
	}
	out, err := codec.Decompress(body)
	if err != nil {
		return nil, fmt.Errorf("heap.read: decompress (%s): %w", compression, err)
	}
	return out, nil
}
