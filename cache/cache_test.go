package cache

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/melange/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeaf struct {
	size int64
}

func (f *fakeLeaf) SizeBytes() int64 { return f.size }

func testCacheOptions(t *testing.T, capacity int64, loader Loader) Options {
	t.Helper()
	return Options{
		CapacityBytes: capacity,
		Loader:        loader,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestResolveLoadsOnMiss(t *testing.T) {
	var loads atomic.Int32
	c := New(testCacheOptions(t, 1<<20, func(id core.ObjectID) (Object, error) {
		loads.Add(1)
		return &fakeLeaf{size: 100}, nil
	}))

	e, err := c.Resolve(7)
	require.NoError(t, err)
	defer e.Unpin()
	assert.Equal(t, core.ObjectID(7), e.ID)
	assert.Equal(t, int32(1), loads.Load())

	// Second resolve is a hit.
	e2, err := c.Resolve(7)
	require.NoError(t, err)
	defer e2.Unpin()
	assert.Equal(t, int32(1), loads.Load())
	assert.Same(t, e, e2)
}

func TestResolvePropagatesLoaderError(t *testing.T) {
	boom := errors.New("boom")
	c := New(testCacheOptions(t, 1<<20, func(id core.ObjectID) (Object, error) {
		return nil, boom
	}))
	_, err := c.Resolve(1)
	require.ErrorIs(t, err, boom)
}

func TestSingleflightLoad(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	c := New(testCacheOptions(t, 1<<20, func(id core.ObjectID) (Object, error) {
		loads.Add(1)
		<-release
		return &fakeLeaf{size: 10}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Resolve(42)
			if err == nil {
				e.Unpin()
			}
		}()
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load(), "at most one concurrent load per ID")
}

func TestDirtyLifecycle(t *testing.T) {
	c := New(testCacheOptions(t, 1<<20, nil))
	entry := c.Insert(1, &fakeLeaf{size: 64})
	defer entry.Unpin()

	assert.Equal(t, core.Epoch(0), entry.DirtyEpoch())

	c.MarkDirty(entry, 5)
	assert.Equal(t, core.Epoch(5), entry.DirtyEpoch())
	assert.Len(t, c.SnapshotDirty(5), 1)
	assert.Empty(t, c.SnapshotDirty(4), "dirty at 5 is not included at 4")

	// Re-dirty at a later epoch; clearing the older flush must keep it.
	c.MarkDirty(entry, 7)
	c.ClearDirty(entry, 5)
	assert.Equal(t, core.Epoch(7), entry.DirtyEpoch())
	assert.Equal(t, 1, c.DirtyLen())

	c.ClearDirty(entry, 7)
	assert.Equal(t, core.Epoch(0), entry.DirtyEpoch())
	assert.Equal(t, 0, c.DirtyLen())
}

func TestEvictionRespectsDirtyAndPins(t *testing.T) {
	c := New(testCacheOptions(t, 150, nil))

	dirty := c.Insert(1, &fakeLeaf{size: 100})
	c.MarkDirty(dirty, 1)
	dirty.Unpin()

	pinned := c.Insert(2, &fakeLeaf{size: 100})
	// pinned stays pinned

	clean := c.Insert(3, &fakeLeaf{size: 100})
	clean.Unpin()

	// Two sweeps: the first clears referenced bits, the second evicts.
	c.MaybeEvict()
	c.MaybeEvict()

	_, dirtyThere := c.entries.Load(1)
	_, pinnedThere := c.entries.Load(2)
	_, cleanThere := c.entries.Load(3)
	assert.True(t, dirtyThere, "dirty leaves cannot be evicted")
	assert.True(t, pinnedThere, "pinned leaves cannot be evicted")
	assert.False(t, cleanThere, "clean unpinned leaf is evicted when over budget")
	pinned.Unpin()
}

func TestByteAccountingFollowsLeafGrowth(t *testing.T) {
	c := New(testCacheOptions(t, 1<<20, nil))
	leaf := &fakeLeaf{size: 10}
	entry := c.Insert(9, leaf)
	defer entry.Unpin()
	assert.Equal(t, int64(10), c.UsedBytes())

	leaf.size = 500
	c.MarkDirty(entry, 1)
	assert.Equal(t, int64(500), c.UsedBytes())

	c.Remove(9)
	assert.Equal(t, int64(0), c.UsedBytes())
	assert.Equal(t, 0, c.Len())
}
