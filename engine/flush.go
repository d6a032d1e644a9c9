package engine

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/melange/cache"
	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/metalog"
	"github.com/INLOpen/melange/tree"
)

// Flush closes the current epoch and runs the pipeline for it: serialize
// every dirty leaf, write frames, append the epoch's metadata record, fsync
// heap then log, mark the epoch durable (releasing deferred frees), and
// demote flushed leaves to clean. Synchronous for the caller; serialized
// against the background flusher by flushMu.
//
// Any write error poisons the engine: subsequent user writes fail with
// ErrPoisoned, reads continue from cache, and later Flush calls keep
// returning the sticky error. Partial progress is tolerated because the
// metadata record is appended only after all frame writes succeeded.
func (d *DB) Flush() error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	if err := d.poisonedErr(); err != nil {
		return err
	}

	e := d.tracker.Advance()
	if err := d.flushEpoch(e); err != nil {
		d.poison(err)
		return err
	}
	return nil
}

func (d *DB) flushEpoch(e core.Epoch) error {
	// Writers admitted to e (or earlier) must finish before the snapshot so
	// an atomic batch never straddles the record boundary.
	d.tracker.WaitWriterQuiesced(e)

	dirty := d.cache.SnapshotDirty(e)
	deletes := d.takeDeletes(e)

	if len(dirty) == 0 && len(deletes) == 0 {
		d.tracker.MarkDurable(e)
		return nil
	}

	rec := metalog.Record{Epoch: e}
	var flushed []*cache.Entry
	var flushedBytes int64

	for _, entry := range dirty {
		entry.Lock()
		// A merge or tree drop may have retired this leaf after the
		// snapshot; its tombstone rides in this or a later record instead.
		if cur, ok := d.cache.Lookup(entry.ID); !ok || cur != entry {
			entry.Unlock()
			continue
		}
		de := entry.DirtyEpoch()
		if de == 0 || de > e {
			entry.Unlock()
			continue
		}

		leaf, ok := entry.Leaf().(*tree.Leaf)
		if !ok {
			entry.Unlock()
			return fmt.Errorf("flush: object %d is not a leaf: %w", entry.ID, core.ErrCorruption)
		}
		payload := leaf.EncodePayload(entry.ID, e)
		loc, err := d.heap.WriteObject(payload, d.codec)
		if err != nil {
			entry.Unlock()
			return err
		}
		if old, had := d.heap.SetLocation(entry.ID, loc); had {
			// The previous frame becomes reclaimable once this epoch both
			// quiesces and persists.
			d.heap.FreeDeferred(old, e)
		}
		rec.Entries = append(rec.Entries, metalog.Entry{
			ObjectID: entry.ID,
			Location: loc,
			LowKey:   bytes.Clone(leaf.LowKey),
		})
		flushedBytes += int64(len(payload))
		entry.Unlock()
		flushed = append(flushed, entry)
	}

	for _, id := range deletes {
		rec.Entries = append(rec.Entries, metalog.Entry{
			ObjectID: id,
			Location: core.Location{SlabID: core.TombstoneSlabID},
		})
	}

	if len(rec.Entries) > 0 {
		if err := d.log.Append(rec); err != nil {
			return err
		}
		if err := d.heap.Fsync(); err != nil {
			return err
		}
		if err := d.log.Sync(); err != nil {
			return err
		}
	}

	d.tracker.MarkDurable(e)

	// Leaves re-dirtied at an epoch beyond e stay dirty for the next cycle.
	for _, entry := range flushed {
		entry.Lock()
		d.cache.ClearDirty(entry, e)
		entry.Unlock()
	}

	d.metrics.FlushCount.Add(1)
	d.metrics.FlushBytes.Add(flushedBytes)
	d.controller.onFlush()
	d.cache.MaybeEvict()

	d.logger.Debug("epoch flushed",
		"epoch", uint64(e),
		"leaves", len(flushed),
		"tombstones", len(deletes),
		"bytes", flushedBytes)
	return nil
}
