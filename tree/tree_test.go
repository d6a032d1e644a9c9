package tree

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/melange/cache"
	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/epoch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend keeps every leaf in the cache and never touches a heap. It is
// enough to exercise index, split/merge, scan, and batch behavior.
type memBackend struct {
	cache   *cache.Cache
	tracker *epoch.Tracker
	nextID  atomic.Uint64

	mu      sync.Mutex
	dropped []core.ObjectID
}

func newMemBackend(t *testing.T) *memBackend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := &memBackend{
		tracker: epoch.NewTracker(epoch.Options{Logger: logger}),
	}
	b.nextID.Store(1)
	b.cache = cache.New(cache.Options{
		CapacityBytes: 1 << 30,
		Logger:        logger,
		Loader: func(id core.ObjectID) (cache.Object, error) {
			return nil, fmt.Errorf("leaf %d evicted from test backend: %w", id, core.ErrNotFound)
		},
	})
	return b
}

func (b *memBackend) Resolve(id core.ObjectID) (*cache.Entry, error) {
	return b.cache.Resolve(id)
}

func (b *memBackend) CreateLeaf(leaf *Leaf) (core.ObjectID, *cache.Entry) {
	id := core.ObjectID(b.nextID.Add(1) - 1)
	return id, b.cache.Insert(id, leaf)
}

func (b *memBackend) MarkDirty(entry *cache.Entry, e core.Epoch) {
	b.cache.MarkDirty(entry, e)
}

func (b *memBackend) DropLeaf(id core.ObjectID, e core.Epoch) {
	b.cache.Remove(id)
	b.mu.Lock()
	b.dropped = append(b.dropped, id)
	b.mu.Unlock()
}

func (b *memBackend) Guard() *epoch.Guard       { return b.tracker.Guard() }
func (b *memBackend) WriterGuard() *epoch.Guard { return b.tracker.WriterGuard() }
func (b *memBackend) CheckWritable() error      { return nil }
func (b *memBackend) RecordWrite(bytes int)     {}

func newTestTree(t *testing.T, fanout int) (*Tree, *memBackend) {
	t.Helper()
	b := newMemBackend(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("test", 1, fanout, b, logger, true), b
}

func TestPutGetRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	_, err := tr.Set([]byte("a"), []byte("1"))
	require.NoError(t, err)

	v, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = tr.Get([]byte("b"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestOverwriteLastWriteWins(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	_, err := tr.Set([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	old, err := tr.Set([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old)

	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	_, err := tr.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	old, err := tr.Delete([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), old)

	_, err = tr.Get([]byte("k"))
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = tr.Delete([]byte("k"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestZeroLengthKeyRejected(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	_, err := tr.Set(nil, []byte("v"))
	require.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = tr.Get([]byte{})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSplitOnOverflow(t *testing.T) {
	tr, _ := newTestTree(t, 4)

	for _, k := range []string{"01", "02", "03", "04", "05"} {
		_, err := tr.Set([]byte(k), []byte("v"+k))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, tr.IndexLen(), "overflowing a fanout-4 leaf splits into two")

	v, err := tr.Get([]byte("03"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v03"), v)
	v, err = tr.Get([]byte("05"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v05"), v)

	items, err := tr.Scan([]byte("00"), []byte("ff"))
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("%02d", i+1), string(item.Key))
	}
}

func TestSplitPreservesInvariants(t *testing.T) {
	tr, b := newTestTree(t, 8)

	for i := 0; i < 200; i++ {
		_, err := tr.Set([]byte(fmt.Sprintf("key-%04d", i)), []byte("x"))
		require.NoError(t, err)
	}

	// Every leaf: strictly ascending entries within bounds, |entries| <= fanout,
	// and adjacent low keys bracket the entries.
	var lows [][]byte
	tr.LiveLeaves(func(lowKey []byte, id core.ObjectID) bool {
		lows = append(lows, append([]byte(nil), lowKey...))
		entry, err := b.Resolve(id)
		require.NoError(t, err)
		leaf := entry.Leaf().(*Leaf)
		assert.LessOrEqual(t, leaf.Len(), 8)
		for i := 0; i < leaf.Len(); i++ {
			assert.GreaterOrEqual(t, core.CompareKeys(leaf.Keys[i], leaf.LowKey), 0)
			if i > 0 {
				assert.Negative(t, core.CompareKeys(leaf.Keys[i-1], leaf.Keys[i]))
			}
		}
		entry.Unpin()
		return true
	})
	for i := 1; i < len(lows); i++ {
		assert.Negative(t, core.CompareKeys(lows[i-1], lows[i]))
	}

	n, err := tr.Len()
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}

func TestRangeScanHalfOpenInterval(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		_, err := tr.Set([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	items, err := tr.Scan([]byte("b"), []byte("e"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "b", string(items[0].Key))
	assert.Equal(t, "d", string(items[2].Key))
}

func TestScanPrefix(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	for _, k := range []string{"app:1", "app:2", "app:3", "base:1", "zzz"} {
		_, err := tr.Set([]byte(k), []byte("v"))
		require.NoError(t, err)
	}

	items, err := tr.ScanPrefix([]byte("app:"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "app:1", string(items[0].Key))
	assert.Equal(t, "app:3", string(items[2].Key))
}

func TestDeleteAllLeavesEmptyLeaf(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	for i := 0; i < 10; i++ {
		_, err := tr.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := tr.Delete([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}

	empty, err := tr.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
	assert.GreaterOrEqual(t, tr.IndexLen(), 1, "index entry preserved for empty leaf")
}

func TestMergeCoalescesSparseNeighbors(t *testing.T) {
	tr, b := newTestTree(t, 4)

	for i := 0; i < 20; i++ {
		_, err := tr.Set([]byte(fmt.Sprintf("%03d", i)), []byte("v"))
		require.NoError(t, err)
	}
	leavesBefore := tr.IndexLen()
	require.Greater(t, leavesBefore, 2)

	for i := 0; i < 20; i++ {
		_, err := tr.Delete([]byte(fmt.Sprintf("%03d", i)))
		require.NoError(t, err)
	}

	assert.Less(t, tr.IndexLen(), leavesBefore, "merges shrink the index")
	b.mu.Lock()
	assert.NotEmpty(t, b.dropped, "merge victims are dropped")
	b.mu.Unlock()

	// Data remains correct after merges.
	empty, err := tr.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestBatchAppliesAtomicallyInMemory(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	_, err := tr.Set([]byte("x"), []byte("old"))
	require.NoError(t, err)

	err = tr.Batch([]Op{
		{Key: []byte("x"), Value: []byte("1")},
		{Key: []byte("y"), Value: []byte("2")},
		{Key: []byte("z"), Delete: true}, // deleting an absent key is fine
	})
	require.NoError(t, err)

	v, err := tr.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	v, err = tr.Get([]byte("y"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestBatchLargeSpansLeaves(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	var ops []Op
	for i := 0; i < 50; i++ {
		ops = append(ops, Op{
			Key:   []byte(fmt.Sprintf("key-%03d", i)),
			Value: []byte(fmt.Sprintf("val-%03d", i)),
		})
	}
	require.NoError(t, tr.Batch(ops))

	n, err := tr.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	items, err := tr.Scan(nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 50)
	for i, item := range items {
		assert.Equal(t, fmt.Sprintf("key-%03d", i), string(item.Key))
	}
}

func TestCompareAndSwap(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	// Absent key: expected nil succeeds.
	_, swapped, err := tr.CompareAndSwap([]byte("k"), nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, swapped)

	// Wrong expectation fails and reports the observed value.
	observed, swapped, err := tr.CompareAndSwap([]byte("k"), []byte("nope"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, []byte("v1"), observed)

	// Correct expectation swaps.
	_, swapped, err = tr.CompareAndSwap([]byte("k"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	// nil replacement deletes.
	_, swapped, err = tr.CompareAndSwap([]byte("k"), []byte("v2"), nil)
	require.NoError(t, err)
	assert.True(t, swapped)
	_, err = tr.Get([]byte("k"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFirstLast(t *testing.T) {
	tr, _ := newTestTree(t, 4)

	_, _, err := tr.First()
	require.ErrorIs(t, err, core.ErrNotFound)

	for _, k := range []string{"m", "a", "z", "q"} {
		_, err := tr.Set([]byte(k), []byte("v-"+k))
		require.NoError(t, err)
	}

	k, v, err := tr.First()
	require.NoError(t, err)
	assert.Equal(t, "a", string(k))
	assert.Equal(t, "v-a", string(v))

	k, v, err = tr.Last()
	require.NoError(t, err)
	assert.Equal(t, "z", string(k))
	assert.Equal(t, "v-z", string(v))
}

func TestClear(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	for i := 0; i < 30; i++ {
		_, err := tr.Set([]byte(fmt.Sprintf("k%02d", i)), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Clear())

	empty, err := tr.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestConcurrentWritersDisjointKeys(t *testing.T) {
	tr, _ := newTestTree(t, 16)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				if _, err := tr.Set(key, key); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := tr.Len()
	require.NoError(t, err)
	assert.Equal(t, 8*200, n)

	for w := 0; w < 8; w++ {
		for i := 0; i < 200; i += 37 {
			key := []byte(fmt.Sprintf("w%d-%04d", w, i))
			v, err := tr.Get(key)
			require.NoError(t, err)
			assert.Equal(t, key, v)
		}
	}
}

func TestLeafPayloadRoundTrip(t *testing.T) {
	leaf := NewLeaf([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	leaf.Next = 42
	leaf.set([]byte{0, 0, 0, 0, 0, 0, 0, 1, 'a'}, []byte("va"))
	leaf.set([]byte{0, 0, 0, 0, 0, 0, 0, 1, 'b'}, []byte("vb"))

	payload := leaf.EncodePayload(7, 3)
	id, e, decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, core.ObjectID(7), id)
	assert.Equal(t, core.Epoch(3), e)
	assert.Equal(t, leaf.LowKey, decoded.LowKey)
	assert.Equal(t, core.ObjectID(42), decoded.Next)
	assert.Equal(t, leaf.Keys, decoded.Keys)
	assert.Equal(t, leaf.Vals, decoded.Vals)
}

func TestLeafPayloadRejectsGarbage(t *testing.T) {
	_, _, _, err := DecodePayload([]byte{1, 2, 3})
	require.ErrorIs(t, err, core.ErrCorruption)
}
