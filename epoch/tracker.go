// Package epoch implements the flush-epoch tracker. The engine runs in one
// epoch at a time; readers and writers pin the active epoch with a guard,
// and anything freed during an epoch is reclaimed only after that epoch is
// both quiesced (no live guards at or before it) and durable (its flush
// record is on disk). Both conditions are necessary: the first keeps live
// readers away from reused slots, the second keeps a crash from resurrecting
// references to a half-rewritten slot.
//
// Readers and writers are tracked separately per epoch. Writer guards
// additionally gate the flush pipeline: a closed epoch's write set is
// snapshotted only after every writer admitted to it has finished, so a
// batch is always wholly inside one metadata record.
package epoch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/melange/core"
)

// Guard records participation in an epoch. Guards are strictly scoped and
// non-reentrant: acquire, do the critical section, release. Release is
// idempotent.
type Guard struct {
	tracker  *Tracker
	epoch    core.Epoch
	writer   bool
	released atomic.Bool
}

// Epoch returns the epoch this guard pinned.
func (g *Guard) Epoch() core.Epoch {
	return g.epoch
}

// Release drops the guard's pin on its epoch.
func (g *Guard) Release() {
	if g.released.Swap(true) {
		return
	}
	g.tracker.exit(g.epoch, g.writer)
}

// epochState tracks one epoch's lifecycle.
type epochState struct {
	readers int
	writers int
	closed  bool
	durable bool
	frees   []func()
}

// Options holds configuration for the tracker.
type Options struct {
	Logger *slog.Logger
	// StartEpoch seeds the counter, typically one past the last durable
	// epoch found during recovery.
	StartEpoch core.Epoch
}

// Tracker maintains the monotone current epoch, per-epoch guard refcounts,
// and the deferred-free queues keyed by retire epoch.
type Tracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current core.Epoch
	oldest  core.Epoch
	states  map[core.Epoch]*epochState
	logger  *slog.Logger
}

// NewTracker creates a tracker with the given start epoch open.
func NewTracker(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "epoch")
	} else {
		opts.Logger = opts.Logger.With("component", "epoch")
	}
	start := opts.StartEpoch
	if start == 0 {
		start = 1
	}
	t := &Tracker{
		current: start,
		oldest:  start,
		states:  map[core.Epoch]*epochState{start: {}},
		logger:  opts.Logger,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Current returns the active epoch.
func (t *Tracker) Current() core.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Guard pins the active epoch for a reader.
func (t *Tracker) Guard() *Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[t.current].readers++
	return &Guard{tracker: t, epoch: t.current}
}

// WriterGuard pins the active epoch for a writer, admitting its mutations
// to the epoch's write set.
func (t *Tracker) WriterGuard() *Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[t.current].writers++
	return &Guard{tracker: t, epoch: t.current, writer: true}
}

func (t *Tracker) exit(e core.Epoch, writer bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[e]
	if st == nil {
		t.logger.Error("guard release for retired epoch", "epoch", e)
		return
	}
	if writer {
		st.writers--
	} else {
		st.readers--
	}
	if st.readers < 0 || st.writers < 0 {
		t.logger.Error("guard refcount underflow", "epoch", e)
	}
	t.reclaimLocked()
	t.cond.Broadcast()
}

// Defer enqueues fn on the retire epoch's free queue. It runs once every
// epoch up to and including retireEpoch is quiesced and retireEpoch is
// durable. A retire epoch already fully retired runs fn immediately.
func (t *Tracker) Defer(retireEpoch core.Epoch, fn func()) {
	t.mu.Lock()
	if retireEpoch < t.oldest {
		t.mu.Unlock()
		fn()
		return
	}
	st := t.states[retireEpoch]
	if st == nil {
		st = &epochState{}
		t.states[retireEpoch] = st
	}
	st.frees = append(st.frees, fn)
	t.mu.Unlock()
}

// Advance closes the current epoch to new admissions and opens its
// successor, returning the closed epoch for the flush pipeline.
func (t *Tracker) Advance() core.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	closed := t.current
	t.states[closed].closed = true
	t.current++
	if t.states[t.current] == nil {
		t.states[t.current] = &epochState{}
	}
	t.reclaimLocked()
	return closed
}

// WaitWriterQuiesced blocks until no writer guard entered at any epoch up
// to and including e is still live. The flush pipeline calls it before
// snapshotting e's dirty set, so in-flight batches land wholly inside e's
// record or wholly inside a later one.
func (t *Tracker) WaitWriterQuiesced(e core.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		busy := false
		for epoch := t.oldest; epoch <= e; epoch++ {
			if st := t.states[epoch]; st != nil && st.writers > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		t.cond.Wait()
	}
}

// MarkDurable records that the flush record for epoch e (and implicitly all
// earlier epochs) is on disk, releasing any free queues that are also
// quiesced.
func (t *Tracker) MarkDurable(e core.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for epoch := t.oldest; epoch <= e; epoch++ {
		if st := t.states[epoch]; st != nil {
			st.durable = true
		}
	}
	t.reclaimLocked()
}

// reclaimLocked walks epochs in order from the oldest, running free queues
// for every epoch that is closed, durable, and has no guards at or before
// it. Walking in order enforces the "no guard entered at epoch <= e"
// condition. Frees run with the lock held; they only push slots onto slab
// free stacks and never re-enter the tracker.
func (t *Tracker) reclaimLocked() {
	for {
		st := t.states[t.oldest]
		if st == nil || !st.closed || !st.durable || st.readers > 0 || st.writers > 0 {
			return
		}
		for _, fn := range st.frees {
			fn()
		}
		delete(t.states, t.oldest)
		t.oldest++
	}
}

// PendingFrees reports how many deferred frees are queued, for tests and
// stats.
func (t *Tracker) PendingFrees() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.states {
		n += len(st.frees)
	}
	return n
}
