package tree

import (
	"bytes"

	"github.com/INLOpen/melange/cache"
	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/epoch"
)

// Iterator walks a range in ascending key order by following leaf next
// pointers, snapshotting one leaf at a time under its lock. It pins the
// current epoch for its whole lifetime; callers MUST call Close.
// It is not safe for concurrent use by multiple goroutines.
type Iterator struct {
	tree *Tree
	g    *epoch.Guard

	nsStart []byte // inclusive, namespaced
	nsEnd   []byte // exclusive, namespaced; nil = to the end of the tree

	items  []Item
	pos    int
	nextID core.ObjectID
	done   bool
	primed bool
	err    error
	closed bool
}

// NewIterator creates an iterator over [start, end) in user-key space. A
// nil start begins at the tree's first key; a nil end runs to the last.
func (t *Tree) NewIterator(start, end []byte) *Iterator {
	it := &Iterator{
		tree: t,
		g:    t.backend.Guard(),
		pos:  -1,
	}
	if start != nil {
		it.nsStart = t.nsKey(start)
	} else {
		it.nsStart = bytes.Clone(t.prefix[:])
	}
	if end != nil {
		it.nsEnd = t.nsKey(end)
	}
	return it
}

// NewPrefixIterator iterates every key having the given prefix.
func (t *Tree) NewPrefixIterator(prefix []byte) *Iterator {
	it := t.NewIterator(prefix, nil)
	if succ := core.PrefixSuccessor(prefix); succ != nil {
		it.nsEnd = t.nsKey(succ)
	}
	// An all-0xFF prefix runs to the end of the tree.
	return it
}

// Next advances to the next entry, returning false at the end of the range
// or on error.
func (it *Iterator) Next() bool {
	if it.closed || it.err != nil || it.done {
		return false
	}

	if !it.primed {
		it.primed = true
		if !it.loadStartLeaf() {
			return false
		}
	}

	for {
		it.pos++
		if it.pos < len(it.items) {
			return true
		}
		if !it.loadNextLeaf() {
			return false
		}
	}
}

// loadStartLeaf positions the iterator on the leaf owning nsStart.
func (it *Iterator) loadStartLeaf() bool {
	t := it.tree
	for {
		_, id, ok := t.pred(it.nsStart)
		if !ok {
			it.done = true
			return false
		}
		entry, err := t.backend.Resolve(id)
		if err != nil {
			it.err = err
			return false
		}
		entry.Lock()
		_, id2, ok2 := t.pred(it.nsStart)
		if !ok2 || id2 != id {
			entry.Unlock()
			entry.Unpin()
			continue
		}
		it.snapshotLeaf(entry, it.nsStart)
		entry.Unlock()
		entry.Unpin()
		return !it.done
	}
}

// loadNextLeaf follows the next pointer. Readers that raced a split resolve
// the stale sibling whose next pointer was updated atomically, so the walk
// still visits every key exactly once.
func (it *Iterator) loadNextLeaf() bool {
	if it.nextID == 0 {
		it.done = true
		return false
	}
	entry, err := it.tree.backend.Resolve(it.nextID)
	if err != nil {
		it.err = err
		return false
	}
	entry.Lock()
	it.snapshotLeaf(entry, nil)
	entry.Unlock()
	entry.Unpin()
	return !it.done
}

// snapshotLeaf copies the in-range tail of a leaf. Caller holds the leaf
// lock.
func (it *Iterator) snapshotLeaf(entry *cache.Entry, from []byte) {
	leaf, ok := entry.Leaf().(*Leaf)
	if !ok {
		it.err = core.ErrCorruption
		return
	}
	it.items = it.items[:0]
	it.pos = -1
	for i := 0; i < leaf.Len(); i++ {
		key := leaf.Keys[i]
		if from != nil && core.CompareKeys(key, from) < 0 {
			continue
		}
		if it.nsEnd != nil && core.CompareKeys(key, it.nsEnd) >= 0 {
			// Keep the in-range entries already copied from this leaf; the
			// walk ends once they are consumed.
			it.nextID = 0
			if len(it.items) == 0 {
				it.done = true
			}
			return
		}
		it.items = append(it.items, Item{
			Key:   bytes.Clone(key[8:]),
			Value: bytes.Clone(leaf.Vals[i]),
		})
	}
	it.nextID = leaf.Next
	if it.nextID == 0 && len(it.items) == 0 {
		it.done = true
	}
}

// Key returns the current entry's key (without the tree namespace).
func (it *Iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos].Key
}

// Value returns the current entry's value.
func (it *Iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos].Value
}

// Error reports the first error the iterator hit.
func (it *Iterator) Error() error { return it.err }

// Close releases the iterator's epoch guard.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.g.Release()
}

// Scan materializes the range [start, end) in ascending order.
func (t *Tree) Scan(start, end []byte) ([]Item, error) {
	it := t.NewIterator(start, end)
	defer it.Close()
	var out []Item
	for it.Next() {
		out = append(out, Item{Key: it.Key(), Value: it.Value()})
	}
	return out, it.Error()
}

// ScanPrefix materializes every entry whose key has the given prefix.
func (t *Tree) ScanPrefix(prefix []byte) ([]Item, error) {
	it := t.NewPrefixIterator(prefix)
	defer it.Close()
	var out []Item
	for it.Next() {
		out = append(out, Item{Key: it.Key(), Value: it.Value()})
	}
	return out, it.Error()
}
