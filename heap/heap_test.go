package heap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/INLOpen/melange/compressors"
	"github.com/INLOpen/melange/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// immediateDeferrer runs deferred frees synchronously, standing in for the
// epoch tracker in tests that do not care about reclamation gating.
type immediateDeferrer struct{}

func (immediateDeferrer) Defer(_ core.Epoch, fn func()) { fn() }

func testHeapOptions(t *testing.T) Options {
	t.Helper()
	reg, err := compressors.NewRegistry(3)
	require.NoError(t, err)
	return Options{
		Dir:      t.TempDir(),
		Codecs:   reg,
		Deferrer: immediateDeferrer{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestFrameRoundTrip(t *testing.T) {
	reg, err := compressors.NewRegistry(3)
	require.NoError(t, err)

	payload := []byte("some leaf payload bytes")
	for ct, codec := range reg {
		frame, err := EncodeFrame(payload, codec)
		require.NoError(t, err, "encode with %s", ct)

		out, err := DecodeFrame(frame, reg)
		require.NoError(t, err, "decode with %s", ct)
		assert.Equal(t, payload, out)
	}
}

func TestFrameChecksumMismatch(t *testing.T) {
	reg, err := compressors.NewRegistry(3)
	require.NoError(t, err)

	frame, err := EncodeFrame([]byte("payload"), nil)
	require.NoError(t, err)

	frame[core.FrameHeaderSize] ^= 0xFF
	_, err = DecodeFrame(frame, reg)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestFrameUnknownCodecRejected(t *testing.T) {
	reg, err := compressors.NewRegistry(3)
	require.NoError(t, err)

	frame, err := EncodeFrame([]byte("payload payload payload payload payload payload"), reg[core.CompressionZSTD])
	require.NoError(t, err)

	// Strip every codec: a compressed frame must now refuse to decode.
	if frame[5]&core.FrameFlagCompressed != 0 {
		_, err = DecodeFrame(frame, map[core.CompressionType]core.Compressor{})
		require.ErrorIs(t, err, core.ErrInvalidArgument)
	}
}

func TestHeapWriteReadRoundTrip(t *testing.T) {
	h, err := Open(testHeapOptions(t))
	require.NoError(t, err)
	defer h.Close()

	payload := []byte("hello heap")
	loc, err := h.WriteObject(payload, nil)
	require.NoError(t, err)

	got, err := h.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHeapSmallestFitClass(t *testing.T) {
	class, err := classForSize(10)
	require.NoError(t, err)
	assert.Equal(t, 0, class, "10 bytes fits the 64B class")

	class, err = classForSize(65)
	require.NoError(t, err)
	assert.Equal(t, 1, class, "65 bytes needs the 128B class")

	_, err = classForSize(1 << 30)
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestHeapFreeSlotReuseLIFO(t *testing.T) {
	h, err := Open(testHeapOptions(t))
	require.NoError(t, err)
	defer h.Close()

	locA, err := h.WriteObject([]byte("aaaa"), nil)
	require.NoError(t, err)
	locB, err := h.WriteObject([]byte("bbbb"), nil)
	require.NoError(t, err)
	require.NotEqual(t, locA, locB)

	// Deferrer is immediate: the slot is reusable right away.
	h.FreeDeferred(locB, 1)
	locC, err := h.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, locB, locC, "freed slot should be reused LIFO")
}

func TestHeapObjectIDsMonotone(t *testing.T) {
	h, err := Open(testHeapOptions(t))
	require.NoError(t, err)
	defer h.Close()

	a := h.AllocateObjectID()
	b := h.AllocateObjectID()
	assert.Greater(t, uint64(b), uint64(a))

	h.EnsureObjectIDAfter(1000)
	c := h.AllocateObjectID()
	assert.Greater(t, uint64(c), uint64(1000))
}

func TestHeapCorruptSlotSurfacesCorruption(t *testing.T) {
	opts := testHeapOptions(t)
	h, err := Open(opts)
	require.NoError(t, err)

	loc, err := h.WriteObject([]byte("to be corrupted"), nil)
	require.NoError(t, err)

	// Flip a payload byte on disk behind the heap's back.
	s := h.slabs[int(loc.SlabID)].Load()
	off := slotOffset(s.slotSize, loc.Slot) + core.FrameHeaderSize
	_, err = s.file.WriteAt([]byte{0xFF}, off)
	require.NoError(t, err)

	_, err = h.Read(loc)
	require.ErrorIs(t, err, core.ErrCorruption)

	// The error is fatal for that read, not for the heap.
	loc2, err := h.WriteObject([]byte("still alive"), nil)
	require.NoError(t, err)
	got, err := h.Read(loc2)
	require.NoError(t, err)
	assert.Equal(t, []byte("still alive"), got)
	require.NoError(t, h.Close())
}

func TestHeapReconcileRebuildsFreeList(t *testing.T) {
	opts := testHeapOptions(t)
	h, err := Open(opts)
	require.NoError(t, err)

	id := h.AllocateObjectID()
	locLive, err := h.WriteObject([]byte("live"), nil)
	require.NoError(t, err)
	h.SetLocation(id, locLive)

	locDead, err := h.WriteObject([]byte("dead"), nil)
	require.NoError(t, err)
	_ = locDead
	require.NoError(t, h.Close())

	// Reopen: only the live location is mapped; reconcile must return the
	// dead slot to the free list.
	h2, err := Open(opts)
	require.NoError(t, err)
	defer h2.Close()
	h2.SetLocation(id, locLive)
	h2.Reconcile()

	reused, err := h2.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, locDead, reused, "dead slot reclaimed by reconcile")

	got, err := h2.Read(locLive)
	require.NoError(t, err)
	assert.Equal(t, []byte("live"), got)
}

func TestHeapConcurrentReadsDuringSlabGrowth(t *testing.T) {
	h, err := Open(testHeapOptions(t))
	require.NoError(t, err)
	defer h.Close()

	// Seed a few frames and read one so the slab is mapped at its initial
	// length before the growth starts.
	seedPayload := []byte("seed-frame-payload")
	var seeds []core.Location
	for i := 0; i < 8; i++ {
		loc, err := h.WriteObject(seedPayload, nil)
		require.NoError(t, err)
		seeds = append(seeds, loc)
	}
	got, err := h.Read(seeds[0])
	require.NoError(t, err)
	require.Equal(t, seedPayload, got)

	// Readers hammer the already-mapped slots while the writer pushes the
	// slab through several chunk boundaries, remapping on every read of a
	// slot past the old mapping's length. Run with -race.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				got, err := h.Read(seeds[i%len(seeds)])
				if err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(got, seedPayload) {
					t.Errorf("stale or torn read: %q", got)
					return
				}
			}
		}()
	}

	// 64B slots, 64KB chunks: 3000 frames cross the chunk boundary twice,
	// each crossing followed by reads that force a remap.
	for i := 0; i < 3000; i++ {
		payload := []byte(fmt.Sprintf("grow-%04d", i))
		loc, err := h.WriteObject(payload, nil)
		require.NoError(t, err)
		got, err := h.Read(loc)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
	close(stop)
	wg.Wait()
}

func TestFrameHeaderLayout(t *testing.T) {
	frame, err := EncodeFrame([]byte{1, 2, 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, core.FrameMagicNumber, binary.LittleEndian.Uint32(frame[0:4]))
	assert.Equal(t, core.FormatVersion, frame[4])
	assert.Equal(t, uint8(0), frame[5])
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(frame[8:12]))
	assert.Len(t, frame, core.FrameOverhead+3)
}
