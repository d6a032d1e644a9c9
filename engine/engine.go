// Package engine wires the storage core together: heap, metadata log,
// epoch tracker, object cache, trees, and the flush pipeline. The DB type
// is the embedding surface; it is safe to share across goroutines for all
// read and write operations.
package engine

import (
	"encoding/binary"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/melange/cache"
	"github.com/INLOpen/melange/compressors"
	"github.com/INLOpen/melange/config"
	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/epoch"
	"github.com/INLOpen/melange/heap"
	"github.com/INLOpen/melange/metalog"
	"github.com/INLOpen/melange/tree"
)

const (
	// nameTreeID is the reserved namespace holding tree-name → tree-ID
	// entries; defaultTreeID is the unnamed tree every DB starts with.
	nameTreeID    uint64 = 0
	defaultTreeID uint64 = 1

	nameTreeName    = "__melange_names__"
	defaultTreeName = "__melange_default__"
)

// Options holds open-time dependencies beyond the config.
type Options struct {
	Config config.Config
	Logger *slog.Logger
}

// Metrics groups the engine's ambient expvar counters.
type Metrics struct {
	CacheHits      expvar.Int
	CacheMisses    expvar.Int
	CacheEvictions expvar.Int
	FlushCount     expvar.Int
	FlushBytes     expvar.Int
	WriteOps       expvar.Int
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64
	CacheBytes     int64
	CachedObjects  int
	DirtyObjects   int
	FlushCount     int64
	FlushBytes     int64
}

// DB is an open database: a namespace of trees over one heap.
type DB struct {
	cfg    config.Config
	logger *slog.Logger

	heap    *heap.Heap
	log     *metalog.Log
	tracker *epoch.Tracker
	cache   *cache.Cache
	codec   core.Compressor

	treesMu    sync.RWMutex
	trees      map[string]*tree.Tree
	nextTreeID atomic.Uint64

	nameTree    *tree.Tree
	defaultTree *tree.Tree

	poisonMu sync.Mutex
	poisoned error

	flushMu sync.Mutex

	deletesMu      sync.Mutex
	deletesByEpoch map[core.Epoch][]core.ObjectID

	controller *flushController
	stopCh     chan struct{}
	bgWg       sync.WaitGroup
	closed     atomic.Bool

	metrics      Metrics
	wasRecovered bool
}

// Open opens or creates the database at cfg.Path and recovers it to the
// last fully persisted epoch.
func Open(opts Options) (*DB, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	registry, err := compressors.NewRegistry(cfg.ZstdCompressionLevel)
	if err != nil {
		return nil, err
	}
	codec := registry[cfg.CompressionType()]

	log, records, err := metalog.Open(metalog.Options{Dir: cfg.Path, Logger: logger})
	if err != nil {
		return nil, err
	}

	// Replay forward: the latest tuple per object wins, tombstones delete.
	live := make(map[core.ObjectID]metalog.Entry)
	var maxEpoch core.Epoch
	var maxObjectID core.ObjectID
	for _, rec := range records {
		if rec.Epoch > maxEpoch {
			maxEpoch = rec.Epoch
		}
		for _, entry := range rec.Entries {
			if entry.ObjectID > maxObjectID {
				maxObjectID = entry.ObjectID
			}
			if entry.Location.IsTombstone() {
				delete(live, entry.ObjectID)
			} else {
				live[entry.ObjectID] = entry
			}
		}
	}

	tracker := epoch.NewTracker(epoch.Options{
		Logger:     logger,
		StartEpoch: maxEpoch + 1,
	})

	h, err := heap.Open(heap.Options{
		Dir:      cfg.Path,
		Codecs:   registry,
		Deferrer: tracker,
		Logger:   logger,
	})
	if err != nil {
		log.Close()
		return nil, err
	}

	d := &DB{
		cfg:            cfg,
		logger:         logger,
		heap:           h,
		log:            log,
		tracker:        tracker,
		codec:          codec,
		trees:          make(map[string]*tree.Tree),
		deletesByEpoch: make(map[core.Epoch][]core.ObjectID),
		stopCh:         make(chan struct{}),
		wasRecovered:   len(records) > 0,
	}
	d.controller = newFlushController(cfg)

	d.cache = cache.New(cache.Options{
		CapacityBytes: cfg.CacheCapacityBytes,
		Logger:        logger,
		Loader:        d.loadLeaf,
		Hits:          &d.metrics.CacheHits,
		Misses:        &d.metrics.CacheMisses,
		Evictions:     &d.metrics.CacheEvictions,
	})

	for id, entry := range live {
		h.SetLocation(id, entry.Location)
	}
	h.EnsureObjectIDAfter(maxObjectID)
	h.Reconcile()

	if err := d.buildTrees(live); err != nil {
		d.log.Close()
		d.heap.Close()
		return nil, err
	}

	d.startFlusher()
	d.logger.Info("database open",
		"path", cfg.Path,
		"recovered", d.wasRecovered,
		"epoch", uint64(tracker.Current()),
		"live_objects", len(live))
	return d, nil
}

// buildTrees partitions the recovered live set by tree-ID prefix and
// rebuilds every index, bootstrapping the reserved trees on a fresh DB.
func (d *DB) buildTrees(live map[core.ObjectID]metalog.Entry) error {
	byTree := make(map[uint64][]metalog.Entry)
	for _, entry := range live {
		if len(entry.LowKey) < 8 {
			return fmt.Errorf("engine.recover: malformed low key in metadata log: %w", core.ErrCorruption)
		}
		treeID := binary.BigEndian.Uint64(entry.LowKey[:8])
		byTree[treeID] = append(byTree[treeID], entry)
	}

	d.nameTree = d.recoverOrBootstrapTree(nameTreeName, nameTreeID, byTree[nameTreeID])
	d.defaultTree = d.recoverOrBootstrapTree(defaultTreeName, defaultTreeID, byTree[defaultTreeID])

	maxTreeID := defaultTreeID
	items, err := d.nameTree.Scan(nil, nil)
	if err != nil {
		return err
	}
	for _, item := range items {
		if len(item.Value) != 8 {
			return fmt.Errorf("engine.recover: malformed tree-ID mapping for %q: %w", item.Key, core.ErrCorruption)
		}
		treeID := binary.BigEndian.Uint64(item.Value)
		if treeID > maxTreeID {
			maxTreeID = treeID
		}
		name := string(item.Key)
		d.trees[name] = d.recoverOrBootstrapTree(name, treeID, byTree[treeID])
	}
	d.nextTreeID.Store(maxTreeID + 1)
	return nil
}

func (d *DB) recoverOrBootstrapTree(name string, id uint64, entries []metalog.Entry) *tree.Tree {
	if len(entries) == 0 {
		return tree.New(name, id, d.cfg.LeafFanout, d, d.logger, true)
	}
	t := tree.New(name, id, d.cfg.LeafFanout, d, d.logger, false)
	for _, entry := range entries {
		t.SeedRecovered(entry.LowKey, entry.ObjectID)
	}
	return t
}

// loadLeaf is the cache's miss path: read the frame, decode the payload.
func (d *DB) loadLeaf(id core.ObjectID) (cache.Object, error) {
	payload, err := d.heap.ReadObject(id)
	if err != nil {
		return nil, err
	}
	diskID, _, leaf, err := tree.DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	if diskID != id {
		return nil, fmt.Errorf("engine.load: frame holds object %d, wanted %d: %w", diskID, id, core.ErrCorruption)
	}
	return leaf, nil
}

// --- tree.Backend ---

// Resolve returns a pinned cache entry for an object.
func (d *DB) Resolve(id core.ObjectID) (*cache.Entry, error) {
	return d.cache.Resolve(id)
}

// CreateLeaf allocates an ID for a leaf born in memory and publishes it.
func (d *DB) CreateLeaf(leaf *tree.Leaf) (core.ObjectID, *cache.Entry) {
	id := d.heap.AllocateObjectID()
	return id, d.cache.Insert(id, leaf)
}

// MarkDirty publishes a mutated leaf to the epoch's dirty set.
func (d *DB) MarkDirty(entry *cache.Entry, e core.Epoch) {
	d.cache.MarkDirty(entry, e)
}

// DropLeaf retires a dead leaf: out of the cache now, frame and mapping
// freed once its retire epoch persists, and a deletion tuple queued for
// that epoch's metadata record.
func (d *DB) DropLeaf(id core.ObjectID, e core.Epoch) {
	d.cache.Remove(id)
	if loc, had := d.heap.DropLocation(id); had {
		d.heap.FreeDeferred(loc, e)
		d.recordDelete(e, id)
	}
}

// Guard pins the current epoch for a reader.
func (d *DB) Guard() *epoch.Guard {
	return d.tracker.Guard()
}

// WriterGuard pins the current epoch for a writer.
func (d *DB) WriterGuard() *epoch.Guard {
	return d.tracker.WriterGuard()
}

// CheckWritable rejects writes on a poisoned or closed engine.
func (d *DB) CheckWritable() error {
	if d.closed.Load() {
		return fmt.Errorf("engine closed: %w", core.ErrInvalidArgument)
	}
	return d.poisonedErr()
}

// RecordWrite feeds the flush controller.
func (d *DB) RecordWrite(n int) {
	d.metrics.WriteOps.Add(1)
	d.controller.recordWrite(n)
}

func (d *DB) recordDelete(e core.Epoch, id core.ObjectID) {
	d.deletesMu.Lock()
	d.deletesByEpoch[e] = append(d.deletesByEpoch[e], id)
	d.deletesMu.Unlock()
}

func (d *DB) takeDeletes(upTo core.Epoch) []core.ObjectID {
	d.deletesMu.Lock()
	defer d.deletesMu.Unlock()
	var out []core.ObjectID
	for e, ids := range d.deletesByEpoch {
		if e <= upTo {
			out = append(out, ids...)
			delete(d.deletesByEpoch, e)
		}
	}
	return out
}

func (d *DB) poison(err error) {
	d.poisonMu.Lock()
	if d.poisoned == nil {
		d.poisoned = err
		d.logger.Error("engine poisoned; writes refused until reopen", "error", err)
	}
	d.poisonMu.Unlock()
}

func (d *DB) poisonedErr() error {
	d.poisonMu.Lock()
	defer d.poisonMu.Unlock()
	if d.poisoned != nil {
		return fmt.Errorf("%w: %v", core.ErrPoisoned, d.poisoned)
	}
	return nil
}

// --- namespace operations ---

// DefaultTree returns the unnamed tree every database starts with.
func (d *DB) DefaultTree() *tree.Tree { return d.defaultTree }

// OpenTree returns the named tree, creating it if absent.
func (d *DB) OpenTree(name string) (*tree.Tree, error) {
	if name == "" {
		return nil, fmt.Errorf("engine: empty tree name: %w", core.ErrInvalidArgument)
	}
	d.treesMu.RLock()
	t, ok := d.trees[name]
	d.treesMu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := d.createTree(name, false)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTree creates a named tree, failing with ErrAlreadyExists when the
// name is taken.
func (d *DB) CreateTree(name string) (*tree.Tree, error) {
	if name == "" {
		return nil, fmt.Errorf("engine: empty tree name: %w", core.ErrInvalidArgument)
	}
	return d.createTree(name, true)
}

func (d *DB) createTree(name string, mustNotExist bool) (*tree.Tree, error) {
	if err := d.CheckWritable(); err != nil {
		return nil, err
	}
	d.treesMu.Lock()
	defer d.treesMu.Unlock()
	if t, ok := d.trees[name]; ok {
		if mustNotExist {
			return nil, fmt.Errorf("engine: tree %q: %w", name, core.ErrAlreadyExists)
		}
		return t, nil
	}

	treeID := d.nextTreeID.Add(1) - 1
	t := tree.New(name, treeID, d.cfg.LeafFanout, d, d.logger, true)

	idVal := make([]byte, 8)
	binary.BigEndian.PutUint64(idVal, treeID)
	if _, err := d.nameTree.Set([]byte(name), idVal); err != nil {
		return nil, err
	}
	d.trees[name] = t
	d.logger.Info("tree created", "name", name, "tree_id", treeID)
	return t, nil
}

// DropTree deletes a named tree and all of its leaves.
func (d *DB) DropTree(name string) error {
	if err := d.CheckWritable(); err != nil {
		return err
	}
	d.treesMu.Lock()
	t, ok := d.trees[name]
	if ok {
		delete(d.trees, name)
	}
	d.treesMu.Unlock()
	if !ok {
		return fmt.Errorf("engine: tree %q: %w", name, core.ErrNotFound)
	}

	if _, err := d.nameTree.Delete([]byte(name)); err != nil && err != core.ErrNotFound {
		return err
	}

	g := d.tracker.WriterGuard()
	defer g.Release()
	var ids []core.ObjectID
	t.LiveLeaves(func(_ []byte, id core.ObjectID) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		d.DropLeaf(id, g.Epoch())
	}
	d.logger.Info("tree dropped", "name", name, "leaves", len(ids))
	return nil
}

// ListTrees returns the names of all user trees.
func (d *DB) ListTrees() []string {
	d.treesMu.RLock()
	defer d.treesMu.RUnlock()
	names := make([]string, 0, len(d.trees))
	for name := range d.trees {
		names = append(names, name)
	}
	return names
}

// WasRecovered reports whether the open rebuilt state from a previous run.
func (d *DB) WasRecovered() bool { return d.wasRecovered }

// Stats snapshots the engine counters.
func (d *DB) Stats() Stats {
	return Stats{
		CacheHits:      d.metrics.CacheHits.Value(),
		CacheMisses:    d.metrics.CacheMisses.Value(),
		CacheEvictions: d.metrics.CacheEvictions.Value(),
		CacheBytes:     d.cache.UsedBytes(),
		CachedObjects:  d.cache.Len(),
		DirtyObjects:   d.cache.DirtyLen(),
		FlushCount:     d.metrics.FlushCount.Value(),
		FlushBytes:     d.metrics.FlushBytes.Value(),
	}
}

// Close flushes outstanding state and releases files. The DB must not be
// used afterwards.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	close(d.stopCh)
	d.bgWg.Wait()

	flushErr := d.Flush()
	if flushErr != nil {
		d.logger.Error("final flush failed on close", "error", flushErr)
	}

	if err := d.log.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := d.heap.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// --- default-tree convenience surface ---

// Insert stores key→value in the default tree, returning the previous
// value if any.
func (d *DB) Insert(key, value []byte) ([]byte, error) {
	return d.defaultTree.Set(key, value)
}

// Get reads key from the default tree.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.defaultTree.Get(key)
}

// Remove deletes key from the default tree, returning the previous value.
func (d *DB) Remove(key []byte) ([]byte, error) {
	return d.defaultTree.Delete(key)
}

// ContainsKey reports whether key is present in the default tree.
func (d *DB) ContainsKey(key []byte) (bool, error) {
	return d.defaultTree.ContainsKey(key)
}

// ScanPrefix materializes the default-tree entries under prefix.
func (d *DB) ScanPrefix(prefix []byte) ([]tree.Item, error) {
	return d.defaultTree.ScanPrefix(prefix)
}

// Batch applies an atomic write batch to the default tree.
func (d *DB) Batch(ops []tree.Op) error {
	return d.defaultTree.Batch(ops)
}

// Len counts default-tree entries.
func (d *DB) Len() (int, error) { return d.defaultTree.Len() }

// IsEmpty reports whether the default tree is empty.
func (d *DB) IsEmpty() (bool, error) { return d.defaultTree.IsEmpty() }

// First returns the smallest default-tree entry.
func (d *DB) First() ([]byte, []byte, error) { return d.defaultTree.First() }

// Last returns the greatest default-tree entry.
func (d *DB) Last() ([]byte, []byte, error) { return d.defaultTree.Last() }

// Clear removes every default-tree entry.
func (d *DB) Clear() error { return d.defaultTree.Clear() }

// SetTestingOnlyInjectMetaLogAppendError forces metadata-log appends to
// fail, exercising flush poisoning and partial-batch drop semantics.
func (d *DB) SetTestingOnlyInjectMetaLogAppendError(err error) {
	d.log.SetTestingOnlyInjectAppendError(err)
}

var _ tree.Backend = (*DB)(nil)
