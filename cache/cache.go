// Package cache implements the object cache: a concurrent map from ObjectID
// to in-memory leaf, with a byte-budget clock eviction policy, pinning, and
// dirty tracking. Dirty leaves are never evicted; the flush pipeline is the
// only mechanism that demotes dirty to clean.
package cache

import (
	"expvar"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/melange/core"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Object is the cached value. The cache only needs its in-memory footprint;
// the tree package provides the concrete leaf type.
type Object interface {
	SizeBytes() int64
}

// Entry is one cached leaf together with its in-memory bookkeeping: the
// leaf's exclusive lock, dirty epoch, pin count, and clock-referenced bit.
type Entry struct {
	ID core.ObjectID

	mu   sync.Mutex
	leaf Object

	dirtyEpoch atomic.Uint64 // 0 = clean
	pins       atomic.Int32
	referenced atomic.Bool
	size       atomic.Int64
}

// Lock acquires the leaf's exclusive lock.
func (e *Entry) Lock() { e.mu.Lock() }

// TryLock acquires the leaf lock without blocking.
func (e *Entry) TryLock() bool { return e.mu.TryLock() }

// Unlock releases the leaf's exclusive lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// Leaf returns the cached object. Callers mutate it only under Lock.
func (e *Entry) Leaf() Object { return e.leaf }

// Pin prevents eviction until the matching Unpin.
func (e *Entry) Pin() { e.pins.Add(1) }

// Unpin releases a pin.
func (e *Entry) Unpin() { e.pins.Add(-1) }

// DirtyEpoch returns the epoch of the latest mutation, 0 when clean.
func (e *Entry) DirtyEpoch() core.Epoch {
	return core.Epoch(e.dirtyEpoch.Load())
}

// Loader resolves a cache miss by reading and decoding the object from the
// heap.
type Loader func(id core.ObjectID) (Object, error)

// Options holds configuration for the cache.
type Options struct {
	// CapacityBytes is the soft upper bound on cached leaf memory.
	CapacityBytes int64
	Loader        Loader
	Logger        *slog.Logger

	Hits      *expvar.Int
	Misses    *expvar.Int
	Evictions *expvar.Int
}

// Cache is the concurrent object cache.
type Cache struct {
	capacity int64
	entries  *xsync.MapOf[core.ObjectID, *Entry]
	dirty    *xsync.MapOf[core.ObjectID, *Entry]
	loader   Loader
	group    singleflight.Group
	used     atomic.Int64
	logger   *slog.Logger

	metricsHits      *expvar.Int
	metricsMisses    *expvar.Int
	metricsEvictions *expvar.Int
}

// New creates an object cache with the given byte budget.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "cache")
	} else {
		opts.Logger = opts.Logger.With("component", "cache")
	}
	return &Cache{
		capacity:         opts.CapacityBytes,
		entries:          xsync.NewMapOf[core.ObjectID, *Entry](),
		dirty:            xsync.NewMapOf[core.ObjectID, *Entry](),
		loader:           opts.Loader,
		logger:           opts.Logger,
		metricsHits:      opts.Hits,
		metricsMisses:    opts.Misses,
		metricsEvictions: opts.Evictions,
	}
}

// Resolve returns a pinned entry for the object, loading and decoding it
// from the heap on a miss. At most one concurrent load runs per ID; racing
// resolvers share the loaded result. Callers must Unpin when done.
func (c *Cache) Resolve(id core.ObjectID) (*Entry, error) {
	for {
		if entry, ok := c.entries.Load(id); ok {
			entry.Pin()
			// Re-check: a concurrent eviction or Remove may have dropped
			// the entry between the load and the pin. A pinned entry that
			// is still published cannot be evicted.
			if current, ok := c.entries.Load(id); ok && current == entry {
				entry.referenced.Store(true)
				if c.metricsHits != nil {
					c.metricsHits.Add(1)
				}
				return entry, nil
			}
			entry.Unpin()
			continue
		}

		if c.metricsMisses != nil {
			c.metricsMisses.Add(1)
		}

		v, err, _ := c.group.Do(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
			if entry, ok := c.entries.Load(id); ok {
				return entry, nil
			}
			leaf, err := c.loader(id)
			if err != nil {
				return nil, err
			}
			return c.insert(id, leaf), nil
		})
		if err != nil {
			return nil, fmt.Errorf("cache.resolve object %d: %w", id, err)
		}
		entry := v.(*Entry)
		entry.Pin()
		if current, ok := c.entries.Load(id); ok && current == entry {
			entry.referenced.Store(true)
			c.MaybeEvict()
			return entry, nil
		}
		// Raced an eviction between load and pin; go around again.
		entry.Unpin()
	}
}

// Insert publishes a leaf born in memory (tree creation or split). The
// returned entry is pinned.
func (c *Cache) Insert(id core.ObjectID, leaf Object) *Entry {
	entry := c.insert(id, leaf)
	entry.Pin()
	entry.referenced.Store(true)
	return entry
}

func (c *Cache) insert(id core.ObjectID, leaf Object) *Entry {
	entry := &Entry{ID: id, leaf: leaf}
	size := leaf.SizeBytes()
	entry.size.Store(size)

	prev, loaded := c.entries.LoadAndStore(id, entry)
	if loaded {
		c.used.Add(-prev.size.Load())
	}
	c.used.Add(size)
	return entry
}

// MarkDirty publishes the entry to the dirty set under the given epoch and
// refreshes its byte accounting. Called with the entry's lock held, after
// the mutation.
func (c *Cache) MarkDirty(entry *Entry, e core.Epoch) {
	for {
		cur := entry.dirtyEpoch.Load()
		if cur >= uint64(e) {
			break
		}
		if entry.dirtyEpoch.CompareAndSwap(cur, uint64(e)) {
			break
		}
	}
	c.dirty.Store(entry.ID, entry)
	c.refreshSize(entry)
}

func (c *Cache) refreshSize(entry *Entry) {
	newSize := entry.leaf.SizeBytes()
	old := entry.size.Swap(newSize)
	c.used.Add(newSize - old)
}

// SnapshotDirty returns the entries whose dirty epoch is at or before e.
func (c *Cache) SnapshotDirty(e core.Epoch) []*Entry {
	var out []*Entry
	c.dirty.Range(func(_ core.ObjectID, entry *Entry) bool {
		de := entry.dirtyEpoch.Load()
		if de != 0 && de <= uint64(e) {
			out = append(out, entry)
		}
		return true
	})
	return out
}

// ClearDirty demotes an entry to clean after its epoch flushed, unless it
// was re-dirtied at a later epoch while flushing. Called with the entry's
// lock held.
func (c *Cache) ClearDirty(entry *Entry, flushed core.Epoch) {
	cur := entry.dirtyEpoch.Load()
	if cur != 0 && cur <= uint64(flushed) {
		if entry.dirtyEpoch.CompareAndSwap(cur, 0) {
			c.dirty.Delete(entry.ID)
		}
	}
}

// Remove drops an object from the cache (merge victim or dropped tree).
func (c *Cache) Remove(id core.ObjectID) {
	if entry, ok := c.entries.LoadAndDelete(id); ok {
		c.used.Add(-entry.size.Load())
		c.dirty.Delete(id)
	}
}

// MaybeEvict sweeps the cache while over budget, evicting clean, unpinned,
// unreferenced entries. Referenced bits are cleared on the way so hot
// entries survive one extra lap.
func (c *Cache) MaybeEvict() {
	if c.capacity <= 0 || c.used.Load() <= c.capacity {
		return
	}
	c.entries.Range(func(id core.ObjectID, entry *Entry) bool {
		if c.used.Load() <= c.capacity {
			return false
		}
		if entry.referenced.Swap(false) {
			return true // second chance
		}
		c.evictIfClean(id, entry)
		return true
	})
}

func (c *Cache) evictIfClean(id core.ObjectID, entry *Entry) {
	if entry.dirtyEpoch.Load() != 0 || entry.pins.Load() > 0 {
		return
	}
	if !entry.TryLock() {
		return
	}
	defer entry.Unlock()
	// Re-check under the leaf lock; a mutator may have dirtied or pinned
	// between the first check and the lock.
	if entry.dirtyEpoch.Load() != 0 || entry.pins.Load() > 0 {
		return
	}
	if _, ok := c.entries.LoadAndDelete(id); ok {
		c.used.Add(-entry.size.Load())
		if c.metricsEvictions != nil {
			c.metricsEvictions.Add(1)
		}
	}
}

// Lookup returns the entry for id without pinning it. The flush pipeline
// uses it to detect entries removed (merge victims, dropped trees) between
// dirty-set snapshot and serialization.
func (c *Cache) Lookup(id core.ObjectID) (*Entry, bool) {
	return c.entries.Load(id)
}

// UsedBytes reports the cache's current byte accounting.
func (c *Cache) UsedBytes() int64 { return c.used.Load() }

// Len reports the number of cached objects.
func (c *Cache) Len() int { return c.entries.Size() }

// DirtyLen reports the number of dirty objects.
func (c *Cache) DirtyLen() int { return c.dirty.Size() }

// Range calls fn for every cached entry until fn returns false.
func (c *Cache) Range(fn func(id core.ObjectID, entry *Entry) bool) {
	c.entries.Range(fn)
}
