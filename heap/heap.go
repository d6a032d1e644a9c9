package heap

import (
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/INLOpen/melange/core"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// minSlotShift/maxSlotShift bound the geometric size-class progression:
	// 64 B up to 64 MiB per slot.
	minSlotShift = 6
	maxSlotShift = 26
	numClasses   = maxSlotShift - minSlotShift + 1
)

// Deferrer gates slot reuse on epoch retirement. The epoch tracker
// implements it: the function runs once the retire epoch is both quiesced
// and durable.
type Deferrer interface {
	Defer(retireEpoch core.Epoch, fn func())
}

// Options holds configuration for the heap.
type Options struct {
	Dir      string
	Codecs   map[core.CompressionType]core.Compressor
	Deferrer Deferrer
	Logger   *slog.Logger

	FramesWritten *expvar.Int
	FramesRead    *expvar.Int
	BytesWritten  *expvar.Int
}

// Heap is a slab-allocated on-disk object store. It owns ObjectID
// allocation, the object→location mapping, framed slot I/O with per-frame
// checksums, and deferred slot reclamation.
type Heap struct {
	dir      string
	slabs    [numClasses]atomic.Pointer[slab]
	codecs   map[core.CompressionType]core.Compressor
	deferrer Deferrer
	logger   *slog.Logger

	nextObjectID atomic.Uint64
	locations    *xsync.MapOf[core.ObjectID, core.Location]

	metricsFramesWritten *expvar.Int
	metricsFramesRead    *expvar.Int
	metricsBytesWritten  *expvar.Int
}

// Open prepares the heap directory, opening any slab files left by a
// previous run. Free lists start empty; Reconcile rebuilds them once the
// live set is known from metadata-log replay.
func Open(opts Options) (*Heap, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "heap")
	} else {
		opts.Logger = opts.Logger.With("component", "heap")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("heap.open %s: %w", opts.Dir, err)
	}

	h := &Heap{
		dir:                  opts.Dir,
		codecs:               opts.Codecs,
		deferrer:             opts.Deferrer,
		logger:               opts.Logger,
		locations:            xsync.NewMapOf[core.ObjectID, core.Location](),
		metricsFramesWritten: opts.FramesWritten,
		metricsFramesRead:    opts.FramesRead,
		metricsBytesWritten:  opts.BytesWritten,
	}
	h.nextObjectID.Store(1)

	for class := 0; class < numClasses; class++ {
		if _, err := os.Stat(filepath.Join(opts.Dir, core.FormatSlabFileName(class))); err == nil {
			s, err := openSlab(opts.Dir, class, slotSizeForClass(class))
			if err != nil {
				h.Close()
				return nil, err
			}
			h.slabs[class].Store(s)
		}
	}
	return h, nil
}

func slotSizeForClass(class int) int64 {
	return int64(1) << (minSlotShift + class)
}

// classForSize returns the smallest class whose slot fits size bytes.
func classForSize(size int) (int, error) {
	for class := 0; class < numClasses; class++ {
		if int64(size) <= slotSizeForClass(class) {
			return class, nil
		}
	}
	return 0, fmt.Errorf("heap.allocate: frame of %d bytes exceeds largest slot class: %w", size, core.ErrInvalidArgument)
}

func (h *Heap) slab(class int) (*slab, error) {
	if s := h.slabs[class].Load(); s != nil {
		return s, nil
	}
	s, err := openSlab(h.dir, class, slotSizeForClass(class))
	if err != nil {
		return nil, err
	}
	if !h.slabs[class].CompareAndSwap(nil, s) {
		_ = s.close()
		return h.slabs[class].Load(), nil
	}
	return s, nil
}

// AllocateObjectID hands out the next monotone object ID.
func (h *Heap) AllocateObjectID() core.ObjectID {
	return core.ObjectID(h.nextObjectID.Add(1) - 1)
}

// EnsureObjectIDAfter bumps the allocator past an ID observed during
// recovery so replayed objects are never shadowed.
func (h *Heap) EnsureObjectIDAfter(id core.ObjectID) {
	for {
		cur := h.nextObjectID.Load()
		if cur > uint64(id) {
			return
		}
		if h.nextObjectID.CompareAndSwap(cur, uint64(id)+1) {
			return
		}
	}
}

// Allocate returns a slot whose capacity is at least size bytes. It never
// blocks on I/O beyond extending a slab file.
func (h *Heap) Allocate(size int) (core.Location, error) {
	class, err := classForSize(size)
	if err != nil {
		return core.Location{}, err
	}
	s, err := h.slab(class)
	if err != nil {
		return core.Location{}, err
	}
	slot, err := s.allocate()
	if err != nil {
		return core.Location{}, err
	}
	return core.Location{SlabID: uint32(class), Slot: slot}, nil
}

// Write places a framed payload at the location. It returns once the bytes
// are in the OS buffer; durability requires Fsync.
func (h *Heap) Write(loc core.Location, frame []byte) error {
	s, err := h.slab(int(loc.SlabID))
	if err != nil {
		return err
	}
	if err := s.writeSlot(loc.Slot, frame); err != nil {
		return err
	}
	if h.metricsFramesWritten != nil {
		h.metricsFramesWritten.Add(1)
	}
	if h.metricsBytesWritten != nil {
		h.metricsBytesWritten.Add(int64(len(frame)))
	}
	return nil
}

// WriteObject frames, compresses, allocates and writes a payload, returning
// its new location.
func (h *Heap) WriteObject(payload []byte, codec core.Compressor) (core.Location, error) {
	frame, err := EncodeFrame(payload, codec)
	if err != nil {
		return core.Location{}, err
	}
	loc, err := h.Allocate(len(frame))
	if err != nil {
		return core.Location{}, err
	}
	if err := h.Write(loc, frame); err != nil {
		return core.Location{}, err
	}
	return loc, nil
}

// Read returns the decompressed payload of the frame at the location,
// verifying the per-frame checksum. A mismatch surfaces ErrCorruption and
// is fatal for that read only.
func (h *Heap) Read(loc core.Location) ([]byte, error) {
	s := h.slabs[int(loc.SlabID)].Load()
	if s == nil {
		return nil, fmt.Errorf("heap.read: no slab for class %d: %w", loc.SlabID, core.ErrCorruption)
	}
	raw, err := s.readSlot(loc.Slot)
	if err != nil {
		return nil, err
	}
	payload, err := DecodeFrame(raw, h.codecs)
	if err != nil {
		return nil, err
	}
	if h.metricsFramesRead != nil {
		h.metricsFramesRead.Add(1)
	}
	return payload, nil
}

// ReadObject resolves an object's current location and reads its payload.
func (h *Heap) ReadObject(id core.ObjectID) ([]byte, error) {
	loc, ok := h.locations.Load(id)
	if !ok {
		return nil, fmt.Errorf("heap.read: object %d has no location: %w", id, core.ErrNotFound)
	}
	return h.Read(loc)
}

// SetLocation publishes the current location of an object, returning the
// previous location if there was one.
func (h *Heap) SetLocation(id core.ObjectID, loc core.Location) (core.Location, bool) {
	var prev core.Location
	var had bool
	h.locations.Compute(id, func(old core.Location, loaded bool) (core.Location, bool) {
		prev, had = old, loaded
		return loc, false
	})
	return prev, had
}

// Location returns the current location of an object.
func (h *Heap) Location(id core.ObjectID) (core.Location, bool) {
	return h.locations.Load(id)
}

// DropLocation removes an object's mapping (merge or tree drop), returning
// the final location so it can be defer-freed.
func (h *Heap) DropLocation(id core.ObjectID) (core.Location, bool) {
	return h.locations.LoadAndDelete(id)
}

// FreeDeferred enqueues a slot for release once retireEpoch is both
// quiesced and its flush record is durable.
func (h *Heap) FreeDeferred(loc core.Location, retireEpoch core.Epoch) {
	h.deferrer.Defer(retireEpoch, func() { h.release(loc) })
}

func (h *Heap) release(loc core.Location) {
	if s := h.slabs[int(loc.SlabID)].Load(); s != nil {
		s.release(loc.Slot)
	}
}

// Fsync flushes all slab files.
func (h *Heap) Fsync() error {
	for class := 0; class < numClasses; class++ {
		if s := h.slabs[class].Load(); s != nil {
			if err := s.sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reconcile rebuilds each slab's free list as allocated-minus-live. Called
// once on open after the metadata log is replayed, with the location map
// already populated.
func (h *Heap) Reconcile() {
	live := make(map[int]map[uint32]struct{})
	h.locations.Range(func(_ core.ObjectID, loc core.Location) bool {
		m := live[int(loc.SlabID)]
		if m == nil {
			m = make(map[uint32]struct{})
			live[int(loc.SlabID)] = m
		}
		m[loc.Slot] = struct{}{}
		return true
	})

	for class := 0; class < numClasses; class++ {
		s := h.slabs[class].Load()
		if s == nil {
			continue
		}
		liveSlots := live[class]
		s.mu.Lock()
		s.free = s.free[:0]
		// LIFO order: lowest slots end up on top of the stack so reuse
		// stays dense at the front of the file.
		for slot := s.hwm; slot > 0; slot-- {
			if _, ok := liveSlots[slot-1]; !ok {
				s.free = append(s.free, slot-1)
			}
		}
		s.mu.Unlock()
		h.logger.Debug("reconciled slab free list",
			"class", class, "hwm", s.hwm, "free", len(s.free))
	}
}

// LiveObjects calls fn for every mapped object until fn returns false.
func (h *Heap) LiveObjects(fn func(id core.ObjectID, loc core.Location) bool) {
	h.locations.Range(fn)
}

// Close releases slab files and mappings.
func (h *Heap) Close() error {
	var firstErr error
	for class := 0; class < numClasses; class++ {
		if s := h.slabs[class].Swap(nil); s != nil {
			if err := s.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
