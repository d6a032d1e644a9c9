// Package tree implements the ordered index over leaves. Each tree owns an
// in-memory ordered map from low key to leaf ObjectID; leaves are resolved
// through the object cache and mutated under their own exclusive lock.
package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/melange/cache"
	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/epoch"
	"github.com/INLOpen/skiplist"
)

// Backend is the engine surface a tree operates against: leaf resolution,
// leaf lifecycle, epoch guards, and write admission.
type Backend interface {
	// Resolve returns a pinned cache entry for the object.
	Resolve(id core.ObjectID) (*cache.Entry, error)
	// CreateLeaf allocates an ObjectID for a leaf born in memory and
	// publishes it to the cache. The returned entry is pinned.
	CreateLeaf(leaf *Leaf) (core.ObjectID, *cache.Entry)
	// MarkDirty publishes a mutated leaf to the epoch's dirty set.
	MarkDirty(entry *cache.Entry, e core.Epoch)
	// DropLeaf retires a leaf that died (merge victim, tree drop): removes
	// it from the cache and schedules its frame and ID for deferred free
	// under the given epoch.
	DropLeaf(id core.ObjectID, e core.Epoch)
	// Guard pins the current epoch for a reader.
	Guard() *epoch.Guard
	// WriterGuard pins the current epoch for a writer; the flush pipeline
	// waits for writer guards before sealing an epoch's record.
	WriterGuard() *epoch.Guard
	// CheckWritable fails with ErrPoisoned after an unrecoverable flush
	// error.
	CheckWritable() error
	// RecordWrite feeds the smart-flush controller.
	RecordWrite(bytes int)
}

// Op is one element of an atomic batch.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Item is one key→value pair yielded by scans.
type Item struct {
	Key   []byte
	Value []byte
}

// Tree is a named namespace: an ordered map over namespaced keys, sharded
// into leaves.
type Tree struct {
	name   string
	id     uint64
	prefix [8]byte
	fanout int

	backend Backend
	logger  *slog.Logger

	idxMu sync.RWMutex
	idx   *skiplist.SkipList[[]byte, core.ObjectID]
}

// New creates a tree handle. When bootstrap is set, the tree is given its
// birth leaf (empty, low key = the tree's -∞) marked dirty in the current
// epoch.
func New(name string, id uint64, fanout int, backend Backend, logger *slog.Logger, bootstrap bool) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{
		name:    name,
		id:      id,
		fanout:  fanout,
		backend: backend,
		logger:  logger.With("tree", name),
		idx:     skiplist.NewWithComparator[[]byte, core.ObjectID](core.CompareKeys),
	}
	binary.BigEndian.PutUint64(t.prefix[:], id)

	if bootstrap {
		g := backend.WriterGuard()
		root := NewLeaf(t.prefix[:])
		rootID, entry := backend.CreateLeaf(root)
		backend.MarkDirty(entry, g.Epoch())
		entry.Unpin()
		t.idx.Insert(bytes.Clone(root.LowKey), rootID)
		g.Release()
	}
	return t
}

// Name returns the tree's name.
func (t *Tree) Name() string { return t.name }

// ID returns the tree's namespace ID.
func (t *Tree) ID() uint64 { return t.id }

// SeedRecovered installs a recovered index entry. Only used while
// rebuilding the index on open, before the tree is shared.
func (t *Tree) SeedRecovered(lowKey []byte, id core.ObjectID) {
	t.idx.Insert(bytes.Clone(lowKey), id)
}

// IndexLen reports the number of leaves in the index.
func (t *Tree) IndexLen() int {
	t.idxMu.RLock()
	defer t.idxMu.RUnlock()
	return t.idx.Len()
}

// LiveLeaves calls fn for every (lowKey, id) index entry.
func (t *Tree) LiveLeaves(fn func(lowKey []byte, id core.ObjectID) bool) {
	t.idxMu.RLock()
	defer t.idxMu.RUnlock()
	t.idx.Range(func(lowKey []byte, id core.ObjectID) bool {
		return fn(lowKey, id)
	})
}

func (t *Tree) nsKey(key []byte) []byte {
	out := make([]byte, 8+len(key))
	copy(out, t.prefix[:])
	copy(out[8:], key)
	return out
}

// predLocked finds the greatest low key <= key. Callers hold idxMu.
func (t *Tree) predLocked(key []byte) ([]byte, core.ObjectID, bool) {
	it := t.idx.NewIterator(skiplist.WithReverse[[]byte, core.ObjectID]())
	ok := it.Seek(key)
	if !ok {
		ok = it.Last()
	}
	for ok && core.CompareKeys(it.Key(), key) > 0 {
		ok = it.Next()
	}
	if !ok {
		return nil, 0, false
	}
	return it.Key(), it.Value(), true
}

func (t *Tree) pred(key []byte) ([]byte, core.ObjectID, bool) {
	t.idxMu.RLock()
	defer t.idxMu.RUnlock()
	return t.predLocked(key)
}

// access resolves the leaf owning nsKey, locks it, re-verifies the index
// mapping (a split or merge may have raced the resolution), and runs fn.
// The retry-on-bounds-miss loop guarantees fn always sees the owning leaf.
func (t *Tree) access(nsKey []byte, fn func(entry *cache.Entry, leaf *Leaf) error) error {
	for {
		_, id, ok := t.pred(nsKey)
		if !ok {
			return fmt.Errorf("tree %q: no leaf owns key: %w", t.name, core.ErrCorruption)
		}
		entry, err := t.backend.Resolve(id)
		if err != nil {
			return err
		}
		entry.Lock()
		_, id2, ok2 := t.pred(nsKey)
		if !ok2 || id2 != id {
			entry.Unlock()
			entry.Unpin()
			continue
		}
		leaf, ok := entry.Leaf().(*Leaf)
		if !ok {
			entry.Unlock()
			entry.Unpin()
			return fmt.Errorf("tree %q: object %d is not a leaf: %w", t.name, id, core.ErrCorruption)
		}
		err = fn(entry, leaf)
		entry.Unlock()
		entry.Unpin()
		return err
	}
}

// Get returns the value for key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	g := t.backend.Guard()
	defer g.Release()

	ns := t.nsKey(key)
	var value []byte
	found := false
	err := t.access(ns, func(_ *cache.Entry, leaf *Leaf) error {
		if v, ok := leaf.get(ns); ok {
			value = bytes.Clone(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrNotFound
	}
	return value, nil
}

// ContainsKey reports whether key is present.
func (t *Tree) ContainsKey(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == nil {
		return true, nil
	}
	if err == core.ErrNotFound {
		return false, nil
	}
	return false, err
}

// Set inserts or updates key, returning the previous value (nil if absent).
func (t *Tree) Set(key, value []byte) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := t.backend.CheckWritable(); err != nil {
		return nil, err
	}
	g := t.backend.WriterGuard()
	defer g.Release()

	ns := t.nsKey(key)
	var old []byte
	err := t.access(ns, func(entry *cache.Entry, leaf *Leaf) error {
		prev, existed := leaf.set(ns, bytes.Clone(value))
		if existed {
			old = prev
		}
		t.backend.MarkDirty(entry, g.Epoch())
		if leaf.Len() > t.fanout {
			t.split(entry, leaf, g.Epoch())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.backend.RecordWrite(len(key) + len(value))
	return old, nil
}

// Delete removes key, returning the previous value. Deleting an absent key
// returns ErrNotFound.
func (t *Tree) Delete(key []byte) ([]byte, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := t.backend.CheckWritable(); err != nil {
		return nil, err
	}
	g := t.backend.WriterGuard()
	defer g.Release()

	ns := t.nsKey(key)
	var old []byte
	found := false
	err := t.access(ns, func(entry *cache.Entry, leaf *Leaf) error {
		prev, existed := leaf.remove(ns)
		if !existed {
			return nil
		}
		old = prev
		found = true
		t.backend.MarkDirty(entry, g.Epoch())
		if leaf.Len() < t.fanout/4 {
			t.tryMergeRight(entry, leaf, g.Epoch())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrNotFound
	}
	t.backend.RecordWrite(len(key))
	return old, nil
}

// CompareAndSwap atomically replaces the value for key when the current
// value equals expected. nil expected means "must be absent"; nil
// replacement deletes. It returns the value observed and whether the swap
// was applied.
func (t *Tree) CompareAndSwap(key, expected, replacement []byte) ([]byte, bool, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if err := t.backend.CheckWritable(); err != nil {
		return nil, false, err
	}
	g := t.backend.WriterGuard()
	defer g.Release()

	ns := t.nsKey(key)
	var observed []byte
	swapped := false
	err := t.access(ns, func(entry *cache.Entry, leaf *Leaf) error {
		cur, ok := leaf.get(ns)
		if ok {
			observed = bytes.Clone(cur)
		}
		match := (expected == nil && !ok) || (expected != nil && ok && bytes.Equal(cur, expected))
		if !match {
			return nil
		}
		swapped = true
		if replacement == nil {
			if ok {
				leaf.remove(ns)
			}
		} else {
			leaf.set(ns, bytes.Clone(replacement))
		}
		t.backend.MarkDirty(entry, g.Epoch())
		if leaf.Len() > t.fanout {
			t.split(entry, leaf, g.Epoch())
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if swapped {
		t.backend.RecordWrite(len(key) + len(replacement))
	}
	return observed, swapped, nil
}

// split carves the upper part of an overflowing leaf into one or more new
// right siblings, each within fanout, and publishes their index entries
// atomically with respect to lookups. Caller holds the leaf lock.
func (t *Tree) split(entry *cache.Entry, leaf *Leaf, e core.Epoch) {
	type newborn struct {
		id    core.ObjectID
		entry *cache.Entry
		leaf  *Leaf
	}
	var born []newborn

	tailNext := leaf.Next
	for leaf.Len() > t.fanout {
		carve := leaf.Len() / 2
		if carve > t.fanout {
			carve = t.fanout
		}
		mid := leaf.Len() - carve
		right := &Leaf{
			LowKey: bytes.Clone(leaf.Keys[mid]),
			Keys:   append([][]byte(nil), leaf.Keys[mid:]...),
			Vals:   append([][]byte(nil), leaf.Vals[mid:]...),
		}
		leaf.Keys = leaf.Keys[:mid:mid]
		leaf.Vals = leaf.Vals[:mid:mid]

		id, rightEntry := t.backend.CreateLeaf(right)
		born = append(born, newborn{id: id, entry: rightEntry, leaf: right})
	}

	// born was carved right-to-left; link the chain left-to-right.
	for i := len(born) - 1; i >= 0; i-- {
		if i == 0 {
			born[i].leaf.Next = tailNext
		} else {
			born[i].leaf.Next = born[i-1].id
		}
	}
	leaf.Next = born[len(born)-1].id

	t.idxMu.Lock()
	for _, nb := range born {
		t.idx.Insert(bytes.Clone(nb.leaf.LowKey), nb.id)
	}
	t.idxMu.Unlock()

	for _, nb := range born {
		t.backend.MarkDirty(nb.entry, e)
		nb.entry.Unpin()
	}
	t.backend.MarkDirty(entry, e)
	t.logger.Debug("leaf split", "new_leaves", len(born), "remaining", leaf.Len())
}

// tryMergeRight coalesces the right sibling into leaf when the combined
// size fits. Merging is advisory: any contention or miss aborts silently.
// Caller holds the leaf lock.
func (t *Tree) tryMergeRight(entry *cache.Entry, leaf *Leaf, e core.Epoch) {
	rightID := leaf.Next
	if rightID == 0 {
		return
	}
	rightEntry, err := t.backend.Resolve(rightID)
	if err != nil {
		return
	}
	defer rightEntry.Unpin()
	if !rightEntry.TryLock() {
		return
	}
	defer rightEntry.Unlock()

	right, ok := rightEntry.Leaf().(*Leaf)
	if !ok || leaf.Len()+right.Len() > t.fanout {
		return
	}
	// The sibling must still be the one the index knows about.
	t.idxMu.Lock()
	node, found := t.idx.Seek(right.LowKey)
	if !found || !bytes.Equal(node.Key(), right.LowKey) || node.Value() != rightID {
		t.idxMu.Unlock()
		return
	}
	t.idx.Delete(right.LowKey)
	t.idxMu.Unlock()

	leaf.Keys = append(leaf.Keys, right.Keys...)
	leaf.Vals = append(leaf.Vals, right.Vals...)
	leaf.Next = right.Next

	t.backend.MarkDirty(entry, e)
	t.backend.DropLeaf(rightID, e)
	t.logger.Debug("leaf merged", "victim", rightID, "size", leaf.Len())
}

// Batch applies a set of put/delete operations so that either all or none
// are observable after a crash: all affected leaves are locked in ascending
// low-key order and every mutation is tagged with the same epoch, so the
// epoch's metadata record carries the whole batch or none of it.
func (t *Tree) Batch(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if err := core.ValidateKey(op.Key); err != nil {
			return err
		}
	}
	if err := t.backend.CheckWritable(); err != nil {
		return err
	}
	g := t.backend.WriterGuard()
	defer g.Release()

	type group struct {
		lowKey []byte
		id     core.ObjectID
		ops    []Op
		entry  *cache.Entry
	}

	bytesWritten := 0
	for {
		// Map every op to its owning leaf under a single index snapshot.
		groups := make(map[core.ObjectID]*group)
		t.idxMu.RLock()
		for _, op := range ops {
			ns := t.nsKey(op.Key)
			lowKey, id, ok := t.predLocked(ns)
			if !ok {
				t.idxMu.RUnlock()
				return fmt.Errorf("tree %q: no leaf owns batch key: %w", t.name, core.ErrCorruption)
			}
			grp := groups[id]
			if grp == nil {
				grp = &group{lowKey: bytes.Clone(lowKey), id: id}
				groups[id] = grp
			}
			grp.ops = append(grp.ops, op)
		}
		t.idxMu.RUnlock()

		ordered := make([]*group, 0, len(groups))
		for _, grp := range groups {
			ordered = append(ordered, grp)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return core.CompareKeys(ordered[i].lowKey, ordered[j].lowKey) < 0
		})

		// Resolve and lock in canonical (ascending low-key) order.
		ok := true
		locked := 0
		for _, grp := range ordered {
			entry, err := t.backend.Resolve(grp.id)
			if err != nil {
				for _, g2 := range ordered[:locked] {
					g2.entry.Unlock()
				}
				for _, g2 := range ordered {
					if g2.entry != nil {
						g2.entry.Unpin()
					}
				}
				return err
			}
			grp.entry = entry
			entry.Lock()
			locked++
		}

		// Re-verify the mapping under the locks; a racing split/merge
		// restarts the batch.
		t.idxMu.RLock()
		for _, grp := range ordered {
			for _, op := range grp.ops {
				_, id, found := t.predLocked(t.nsKey(op.Key))
				if !found || id != grp.id {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		t.idxMu.RUnlock()

		if !ok {
			for _, grp := range ordered {
				grp.entry.Unlock()
				grp.entry.Unpin()
			}
			continue
		}

		for _, grp := range ordered {
			leaf := grp.entry.Leaf().(*Leaf)
			for _, op := range grp.ops {
				ns := t.nsKey(op.Key)
				if op.Delete {
					leaf.remove(ns)
					bytesWritten += len(op.Key)
				} else {
					leaf.set(ns, bytes.Clone(op.Value))
					bytesWritten += len(op.Key) + len(op.Value)
				}
			}
			t.backend.MarkDirty(grp.entry, g.Epoch())
			if leaf.Len() > t.fanout {
				t.split(grp.entry, leaf, g.Epoch())
			}
		}
		for _, grp := range ordered {
			grp.entry.Unlock()
			grp.entry.Unpin()
		}
		t.backend.RecordWrite(bytesWritten)
		return nil
	}
}

// First returns the smallest key and its value.
func (t *Tree) First() ([]byte, []byte, error) {
	it := t.NewIterator(nil, nil)
	defer it.Close()
	if it.Next() {
		return it.Key(), it.Value(), nil
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return nil, nil, core.ErrNotFound
}

// Last returns the greatest key and its value.
func (t *Tree) Last() ([]byte, []byte, error) {
	g := t.backend.Guard()
	defer g.Release()

	// Leaves at the tail of the chain may be empty after deletes; walk the
	// index snapshot backwards until one yields an entry.
	t.idxMu.RLock()
	snapshot := make([]core.ObjectID, 0, t.idx.Len())
	t.idx.Range(func(_ []byte, id core.ObjectID) bool {
		snapshot = append(snapshot, id)
		return true
	})
	t.idxMu.RUnlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		entry, err := t.backend.Resolve(snapshot[i])
		if err != nil {
			return nil, nil, err
		}
		entry.Lock()
		leaf, ok := entry.Leaf().(*Leaf)
		if ok && leaf.Len() > 0 {
			key := bytes.Clone(leaf.Keys[leaf.Len()-1][8:])
			val := bytes.Clone(leaf.Vals[leaf.Len()-1])
			entry.Unlock()
			entry.Unpin()
			return key, val, nil
		}
		entry.Unlock()
		entry.Unpin()
	}
	return nil, nil, core.ErrNotFound
}

// Len counts the entries in the tree. Linear in the number of entries.
func (t *Tree) Len() (int, error) {
	it := t.NewIterator(nil, nil)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// IsEmpty reports whether the tree holds no entries.
func (t *Tree) IsEmpty() (bool, error) {
	it := t.NewIterator(nil, nil)
	defer it.Close()
	if it.Next() {
		return false, nil
	}
	return true, it.Error()
}

// Clear removes every entry.
func (t *Tree) Clear() error {
	for {
		it := t.NewIterator(nil, nil)
		var keys [][]byte
		for it.Next() && len(keys) < 1024 {
			keys = append(keys, it.Key())
		}
		err := it.Error()
		it.Close()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		ops := make([]Op, len(keys))
		for i, k := range keys {
			ops[i] = Op{Key: k, Delete: true}
		}
		if err := t.Batch(ops); err != nil {
			return err
		}
	}
}
