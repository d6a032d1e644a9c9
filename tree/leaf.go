package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/INLOpen/melange/core"
)

// Leaf is a bounded-size sorted run of key→value entries. Keys are stored
// namespaced (8-byte tree prefix + user key) so every comparison against
// LowKey is uniform. Entries are kept strictly ascending; every key is >=
// LowKey, and the right sibling's LowKey is greater than every key here.
type Leaf struct {
	LowKey []byte
	Next   core.ObjectID
	Keys   [][]byte
	Vals   [][]byte
}

// NewLeaf creates an empty leaf with the given low key.
func NewLeaf(lowKey []byte) *Leaf {
	return &Leaf{LowKey: bytes.Clone(lowKey)}
}

// Len returns the number of entries.
func (l *Leaf) Len() int { return len(l.Keys) }

// search locates key, returning its index and whether it was found. When
// absent, the index is the insertion point.
func (l *Leaf) search(key []byte) (int, bool) {
	i := sort.Search(len(l.Keys), func(i int) bool {
		return core.CompareKeys(l.Keys[i], key) >= 0
	})
	if i < len(l.Keys) && bytes.Equal(l.Keys[i], key) {
		return i, true
	}
	return i, false
}

// get returns the value for key.
func (l *Leaf) get(key []byte) ([]byte, bool) {
	if i, found := l.search(key); found {
		return l.Vals[i], true
	}
	return nil, false
}

// set inserts or updates an entry, returning the previous value if any.
func (l *Leaf) set(key, value []byte) ([]byte, bool) {
	i, found := l.search(key)
	if found {
		old := l.Vals[i]
		l.Vals[i] = value
		return old, true
	}
	l.Keys = append(l.Keys, nil)
	copy(l.Keys[i+1:], l.Keys[i:])
	l.Keys[i] = key
	l.Vals = append(l.Vals, nil)
	copy(l.Vals[i+1:], l.Vals[i:])
	l.Vals[i] = value
	return nil, false
}

// remove deletes an entry, returning the previous value if it existed.
func (l *Leaf) remove(key []byte) ([]byte, bool) {
	i, found := l.search(key)
	if !found {
		return nil, false
	}
	old := l.Vals[i]
	l.Keys = append(l.Keys[:i], l.Keys[i+1:]...)
	l.Vals = append(l.Vals[:i], l.Vals[i+1:]...)
	return old, true
}

// SizeBytes estimates the in-memory footprint for cache accounting.
func (l *Leaf) SizeBytes() int64 {
	size := int64(len(l.LowKey)) + 64
	for i := range l.Keys {
		size += int64(len(l.Keys[i]) + len(l.Vals[i]) + 48)
	}
	return size
}

// Payload layout (little-endian):
//
//	[object_id: u64][epoch: u64][low_key_len: u32][low_key]
//	[next_id: u64][entry_count: u32]
//	entries: [key_len: u32][val_len: u32][key][value], ascending by key.

// EncodePayload serializes the leaf for the heap.
func (l *Leaf) EncodePayload(id core.ObjectID, e core.Epoch) []byte {
	size := 8 + 8 + 4 + len(l.LowKey) + 8 + 4
	for i := range l.Keys {
		size += 8 + len(l.Keys[i]) + len(l.Vals[i])
	}

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(id))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.LowKey)))
	off += 4
	copy(buf[off:], l.LowKey)
	off += len(l.LowKey)
	binary.LittleEndian.PutUint64(buf[off:], uint64(l.Next))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.Keys)))
	off += 4

	for i := range l.Keys {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.Keys[i])))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.Vals[i])))
		off += 4
		copy(buf[off:], l.Keys[i])
		off += len(l.Keys[i])
		copy(buf[off:], l.Vals[i])
		off += len(l.Vals[i])
	}
	return buf
}

// DecodePayload parses a heap payload back into a leaf, returning the
// object ID and flush epoch recorded in it.
func DecodePayload(payload []byte) (core.ObjectID, core.Epoch, *Leaf, error) {
	corrupt := func(what string) error {
		return fmt.Errorf("leaf payload %s: %w", what, core.ErrCorruption)
	}
	if len(payload) < 8+8+4 {
		return 0, 0, nil, corrupt("too short")
	}
	off := 0
	id := core.ObjectID(binary.LittleEndian.Uint64(payload[off:]))
	off += 8
	e := core.Epoch(binary.LittleEndian.Uint64(payload[off:]))
	off += 8
	lowKeyLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+lowKeyLen+8+4 > len(payload) {
		return 0, 0, nil, corrupt("low key overruns")
	}
	leaf := &Leaf{LowKey: bytes.Clone(payload[off : off+lowKeyLen])}
	off += lowKeyLen
	leaf.Next = core.ObjectID(binary.LittleEndian.Uint64(payload[off:]))
	off += 8
	count := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4

	leaf.Keys = make([][]byte, 0, count)
	leaf.Vals = make([][]byte, 0, count)
	var prev []byte
	for i := 0; i < count; i++ {
		if off+8 > len(payload) {
			return 0, 0, nil, corrupt("entry header overruns")
		}
		keyLen := int(binary.LittleEndian.Uint32(payload[off:]))
		valLen := int(binary.LittleEndian.Uint32(payload[off+4:]))
		off += 8
		if off+keyLen+valLen > len(payload) {
			return 0, 0, nil, corrupt("entry overruns")
		}
		key := bytes.Clone(payload[off : off+keyLen])
		off += keyLen
		val := bytes.Clone(payload[off : off+valLen])
		off += valLen
		if prev != nil && core.CompareKeys(prev, key) >= 0 {
			return 0, 0, nil, corrupt("entries not strictly ascending")
		}
		prev = key
		leaf.Keys = append(leaf.Keys, key)
		leaf.Vals = append(leaf.Vals, val)
	}
	return id, e, leaf, nil
}
