package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/melange/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allCompressors(t *testing.T) []core.Compressor {
	t.Helper()
	zc, err := NewZstdCompressor(3)
	require.NoError(t, err)
	return []core.Compressor{
		NewNoCompressionCompressor(),
		NewSnappyCompressor(),
		NewLz4Compressor(),
		zc,
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("this is some test data"),
		bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 200),
		{0x00, 0x01, 0x02, 0xFF},
	}

	for _, c := range allCompressors(t) {
		for _, data := range payloads {
			compressed, err := c.Compress(data)
			require.NoError(t, err, "Compress failed for %s", c.Type())

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err, "Decompress failed for %s", c.Type())
			assert.Equal(t, data, decompressed, "round trip mismatch for %s", c.Type())
		}
	}
}

func TestCompressorTypes(t *testing.T) {
	cs := allCompressors(t)
	assert.Equal(t, core.CompressionNone, cs[0].Type())
	assert.Equal(t, core.CompressionSnappy, cs[1].Type())
	assert.Equal(t, core.CompressionLZ4, cs[2].Type())
	assert.Equal(t, core.CompressionZSTD, cs[3].Type())
}

func TestNoCompressionIsIdentity(t *testing.T) {
	c := NewNoCompressionCompressor()
	data := []byte("identity")
	out, err := c.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestRegistryCoversAllTypes(t *testing.T) {
	reg, err := NewRegistry(3)
	require.NoError(t, err)
	for _, ct := range []core.CompressionType{
		core.CompressionNone, core.CompressionSnappy,
		core.CompressionLZ4, core.CompressionZSTD,
	} {
		_, ok := reg[ct]
		assert.True(t, ok, "registry missing %s", ct)
	}
}

func TestForTypeRejectsUnknown(t *testing.T) {
	_, err := ForType(core.CompressionType(42), 3)
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}
