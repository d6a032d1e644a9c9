package heap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/sys"
)

const (
	// slabHeaderSize reserves the front of every slab file for the
	// FileHeader; slot 0 starts at this offset.
	slabHeaderSize = 64

	// minChunkBytes is the smallest growth unit when a slab runs out of
	// free slots (power-of-two pages).
	minChunkBytes = 64 * 1024
)

// slab is one size class backed by one file of fixed-size slots. Free slots
// are reused LIFO to maximize cache locality.
type slab struct {
	class    int
	slotSize int64
	path     string

	mu   sync.Mutex
	file sys.FileHandle
	free []uint32 // LIFO free-slot stack
	hwm  uint32   // high-water mark: slots handed out so far; after reopen, every slot the file holds

	mapMu  sync.RWMutex
	mapped []byte // read-only mapping of the file, may lag behind growth
}

func slotOffset(slotSize int64, slot uint32) int64 {
	return slabHeaderSize + int64(slot)*slotSize
}

// openSlab opens or creates the file for a size class. An existing file's
// high-water mark is derived from its size; the free list is rebuilt later
// by reconcile.
func openSlab(dir string, class int, slotSize int64) (*slab, error) {
	path := filepath.Join(dir, core.FormatSlabFileName(class))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap.open slab %s: %w", path, err)
	}

	s := &slab{
		class:    class,
		slotSize: slotSize,
		path:     path,
		file:     file,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("heap.open slab %s: %w", path, err)
	}

	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := s.verifyHeader(); err != nil {
			file.Close()
			return nil, err
		}
		s.hwm = uint32((info.Size() - slabHeaderSize) / slotSize)
	}
	return s, nil
}

func (s *slab) writeHeader() error {
	header := core.NewFileHeader(core.SlabMagicNumber, core.CompressionNone)
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("heap.write slab header %s: %w", s.path, err)
	}
	padded := make([]byte, slabHeaderSize)
	copy(padded, buf.Bytes())
	if _, err := s.file.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("heap.write slab header %s: %w", s.path, err)
	}
	return nil
}

func (s *slab) verifyHeader() error {
	raw := make([]byte, slabHeaderSize)
	if _, err := s.file.ReadAt(raw, 0); err != nil {
		return fmt.Errorf("heap.read slab header %s: %w", s.path, err)
	}
	var header core.FileHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("heap.read slab header %s: %w", s.path, err)
	}
	if header.Magic != core.SlabMagicNumber {
		return fmt.Errorf("heap.open: bad slab magic %#x in %s: %w", header.Magic, s.path, core.ErrCorruption)
	}
	if header.Version != core.FormatVersion {
		return fmt.Errorf("heap.open: unsupported slab version %d in %s: %w", header.Version, s.path, core.ErrCorruption)
	}
	return nil
}

// allocate pops a free slot or extends the slab by one chunk.
func (s *slab) allocate() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot, nil
	}

	slot := s.hwm
	s.hwm++

	// Grow the file when the new slot crosses the current chunk boundary.
	chunkBytes := s.slotSize
	if chunkBytes < minChunkBytes {
		chunkBytes = minChunkBytes
	}
	needed := slotOffset(s.slotSize, slot) + s.slotSize
	rounded := ((needed + chunkBytes - 1) / chunkBytes) * chunkBytes
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("heap.allocate %s: %w", s.path, err)
	}
	if info.Size() < rounded {
		if err := s.file.Truncate(rounded); err != nil {
			return 0, fmt.Errorf("heap.allocate extend %s: %w", s.path, err)
		}
	}
	return slot, nil
}

// release pushes a reclaimed slot back on the free stack. Only the epoch
// tracker calls this, after the slot's retire epoch is quiesced and durable.
func (s *slab) release(slot uint32) {
	s.mu.Lock()
	s.free = append(s.free, slot)
	s.mu.Unlock()
}

// writeSlot writes a framed payload into a slot with a positioned write.
// Durability ordering is preserved: the mapping is never written through.
func (s *slab) writeSlot(slot uint32, frame []byte) error {
	if int64(len(frame)) > s.slotSize {
		return fmt.Errorf("heap.write: frame of %d bytes exceeds slot size %d: %w", len(frame), s.slotSize, core.ErrInvalidArgument)
	}
	if _, err := s.file.WriteAt(frame, slotOffset(s.slotSize, slot)); err != nil {
		return fmt.Errorf("heap.write %s slot %d: %w", s.path, slot, err)
	}
	return nil
}

// readSlot returns the bytes of a slot, copied out of the read-only
// mapping when available and falling back to a positioned read.
func (s *slab) readSlot(slot uint32) ([]byte, error) {
	off := slotOffset(s.slotSize, slot)
	end := off + s.slotSize

	if sys.MmapSupported() {
		if b, ok := s.mappedRange(off, end); ok {
			return b, nil
		}
		if err := s.remap(end); err == nil {
			if b, ok := s.mappedRange(off, end); ok {
				return b, nil
			}
		}
		// Fall through to pread on any mapping trouble.
	}

	buf := make([]byte, s.slotSize)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("heap.read %s slot %d: %w", s.path, slot, err)
	}
	return buf, nil
}

// mappedRange copies the requested range out of the mapping while the lock
// is held. The copy is what keeps a concurrent remap's Munmap of the old
// mapping safe: no slice into mapped memory ever escapes the lock.
func (s *slab) mappedRange(off, end int64) ([]byte, bool) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	if int64(len(s.mapped)) < end {
		return nil, false
	}
	buf := make([]byte, end-off)
	copy(buf, s.mapped[off:end])
	return buf, true
}

// remap refreshes the read-only mapping to cover the file up to at least
// end by mapping the whole file again. The superseded mapping is unmapped
// under the write lock; readers only ever copy out of the mapping under
// the read lock, so none can still hold a pointer into it.
func (s *slab) remap(end int64) error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if int64(len(s.mapped)) >= end {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < end {
		return fmt.Errorf("slab %s shorter than requested range", s.path)
	}
	b, err := sys.Mmap(s.file, int(info.Size()))
	if err != nil {
		return err
	}
	old := s.mapped
	s.mapped = b
	if old != nil {
		_ = sys.Munmap(old)
	}
	return nil
}

func (s *slab) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("heap.fsync %s: %w", s.path, err)
	}
	return nil
}

func (s *slab) close() error {
	s.mapMu.Lock()
	if s.mapped != nil {
		_ = sys.Munmap(s.mapped)
		s.mapped = nil
	}
	s.mapMu.Unlock()
	return s.file.Close()
}
