// Package router implements the mailbox isolation layer for atomic counters
// and routed DB operations. Epoch guards are scoped per call; invoking
// engine operations from a context that already participates in an epoch
// (say, inside a scan callback) risks reentrancy into the guard
// bookkeeping. The router removes the hazard entirely: callers enqueue
// commands onto single-consumer FIFOs and block on a one-shot reply, so
// only two dedicated workers ever touch the counters and the routed engine
// surface.
//
// CounterWorker owns the in-memory name → value map and the arithmetic,
// fully non-blocking; after each write-style op it posts a persist command
// onto DbWorker's queue. DbWorker owns exclusive use of the engine for
// routed calls and drains its queue serially. Counter ops are linearizable
// with respect to one another, routed DB ops likewise; the auto-persist of
// a counter op is ordered behind the counter update in DbWorker's FIFO, so
// recovery always observes at least the persisted value that was returned.
package router

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/INLOpen/melange/core"
	"github.com/INLOpen/melange/engine"
	"github.com/INLOpen/melange/tree"
)

// CounterKeyPrefix is the reserved default-tree prefix under which counter
// values persist, 8 bytes little-endian each.
const CounterKeyPrefix = "__atomic_counter__:"

const mailboxDepth = 1024

var errRouterClosed = fmt.Errorf("router closed: %w", core.ErrInvalidArgument)

type counterOpKind int

const (
	opIncrement counterOpKind = iota
	opDecrement
	opMultiply
	opDivide
	opPercentage
	opCompareAndSwap
	opGet
	opReset
	opLoad // seed from persistence, no reply, no persist-back
)

type counterReply struct {
	value   uint64
	ok      bool // counter existed (Get), or swap applied (CompareAndSwap)
	err     error
}

type counterCmd struct {
	kind  counterOpKind
	name  string
	a, b  uint64
	reply chan counterReply
}

type dbCmd struct {
	run   func() dbReply
	reply chan dbReply
}

type dbReply struct {
	value []byte
	items []tree.Item
	n     int
	ok    bool
	err   error
}

// Router fronts an engine with the two-worker mailbox topology.
type Router struct {
	db     *engine.DB
	logger *slog.Logger

	counterQ chan counterCmd
	dbQ      chan dbCmd

	sendMu    sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New starts the CounterWorker and DbWorker for the given engine.
func New(db *engine.DB, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		db:       db,
		logger:   logger.With("component", "router"),
		counterQ: make(chan counterCmd, mailboxDepth),
		dbQ:      make(chan dbCmd, mailboxDepth),
		closed:   make(chan struct{}),
	}
	r.wg.Add(2)
	go r.counterWorker()
	go r.dbWorker()
	return r
}

// Close drains both workers and stops them. Pending commands complete.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		// Taking the write lock waits out in-flight senders; after closed
		// is set no new command can enter either mailbox.
		r.sendMu.Lock()
		close(r.closed)
		r.sendMu.Unlock()
		close(r.counterQ)
		r.wg.Wait()
	})
}

func (r *Router) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// counterWorker is the single consumer of the counter mailbox. The map
// needs no lock: only this goroutine touches it.
func (r *Router) counterWorker() {
	defer r.wg.Done()
	// The DB queue must outlive the counter worker: persist commands for
	// the final counter ops still need a consumer. Closing dbQ happens
	// once the counter worker drained.
	defer close(r.dbQ)

	counters := make(map[string]uint64)
	for cmd := range r.counterQ {
		r.handleCounter(counters, cmd)
	}
}

func (r *Router) handleCounter(counters map[string]uint64, cmd counterCmd) {
	var rep counterReply
	persist := false

	switch cmd.kind {
	case opIncrement:
		counters[cmd.name] += cmd.a
		rep.value = counters[cmd.name]
		persist = true
	case opDecrement:
		cur := counters[cmd.name]
		if cmd.a > cur {
			counters[cmd.name] = 0
		} else {
			counters[cmd.name] = cur - cmd.a
		}
		rep.value = counters[cmd.name]
		persist = true
	case opMultiply:
		counters[cmd.name] *= cmd.a
		rep.value = counters[cmd.name]
		persist = true
	case opDivide:
		if cmd.a == 0 {
			rep.err = fmt.Errorf("divide counter %q by zero: %w", cmd.name, core.ErrInvalidArgument)
			break
		}
		counters[cmd.name] /= cmd.a
		rep.value = counters[cmd.name]
		persist = true
	case opPercentage:
		counters[cmd.name] = counters[cmd.name] * cmd.a / 100
		rep.value = counters[cmd.name]
		persist = true
	case opCompareAndSwap:
		cur := counters[cmd.name]
		rep.value = cur
		if cur == cmd.a {
			counters[cmd.name] = cmd.b
			rep.value = cmd.b
			rep.ok = true
			persist = true
		}
	case opGet:
		rep.value, rep.ok = counters[cmd.name]
	case opReset:
		counters[cmd.name] = cmd.a
		rep.value = cmd.a
		persist = true
	case opLoad:
		if _, exists := counters[cmd.name]; !exists {
			counters[cmd.name] = cmd.a
		}
	}

	if cmd.reply != nil {
		cmd.reply <- rep
	}
	if persist && rep.err == nil {
		r.enqueuePersist(cmd.name, counters[cmd.name])
	}
}

// enqueuePersist posts the counter's durable update behind any routed DB
// work already queued.
func (r *Router) enqueuePersist(name string, value uint64) {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, value)
	key := []byte(CounterKeyPrefix + name)
	r.dbQ <- dbCmd{run: func() dbReply {
		if _, err := r.db.Insert(key, val); err != nil {
			r.logger.Warn("counter auto-persist failed", "counter", name, "error", err)
			return dbReply{err: err}
		}
		return dbReply{}
	}}
}

// dbWorker serially drains the routed-engine mailbox.
func (r *Router) dbWorker() {
	defer r.wg.Done()
	for cmd := range r.dbQ {
		rep := cmd.run()
		if cmd.reply != nil {
			cmd.reply <- rep
		}
	}
}

func (r *Router) sendCounter(cmd counterCmd) (counterReply, error) {
	r.sendMu.RLock()
	if r.isClosed() {
		r.sendMu.RUnlock()
		return counterReply{}, errRouterClosed
	}
	cmd.reply = make(chan counterReply, 1)
	r.counterQ <- cmd
	r.sendMu.RUnlock()
	rep := <-cmd.reply
	return rep, rep.err
}

func (r *Router) sendDB(run func() dbReply) (dbReply, error) {
	r.sendMu.RLock()
	if r.isClosed() {
		r.sendMu.RUnlock()
		return dbReply{}, errRouterClosed
	}
	cmd := dbCmd{run: run, reply: make(chan dbReply, 1)}
	r.dbQ <- cmd
	r.sendMu.RUnlock()
	rep := <-cmd.reply
	return rep, rep.err
}

// --- counter surface ---

// Increment adds delta and returns the new value.
func (r *Router) Increment(name string, delta uint64) (uint64, error) {
	rep, err := r.sendCounter(counterCmd{kind: opIncrement, name: name, a: delta})
	return rep.value, err
}

// Decrement subtracts delta, saturating at zero, and returns the new value.
func (r *Router) Decrement(name string, delta uint64) (uint64, error) {
	rep, err := r.sendCounter(counterCmd{kind: opDecrement, name: name, a: delta})
	return rep.value, err
}

// Multiply scales the counter by factor and returns the new value.
func (r *Router) Multiply(name string, factor uint64) (uint64, error) {
	rep, err := r.sendCounter(counterCmd{kind: opMultiply, name: name, a: factor})
	return rep.value, err
}

// Divide divides the counter by divisor and returns the new value. A zero
// divisor fails with ErrInvalidArgument.
func (r *Router) Divide(name string, divisor uint64) (uint64, error) {
	rep, err := r.sendCounter(counterCmd{kind: opDivide, name: name, a: divisor})
	return rep.value, err
}

// Percentage sets the counter to value*pct/100 and returns the new value.
func (r *Router) Percentage(name string, pct uint64) (uint64, error) {
	rep, err := r.sendCounter(counterCmd{kind: opPercentage, name: name, a: pct})
	return rep.value, err
}

// CompareAndSwap installs newValue when the counter equals expected. It
// returns the resulting value and whether the swap applied.
func (r *Router) CompareAndSwap(name string, expected, newValue uint64) (uint64, bool, error) {
	rep, err := r.sendCounter(counterCmd{kind: opCompareAndSwap, name: name, a: expected, b: newValue})
	return rep.value, rep.ok, err
}

// Get returns the counter's value and whether it exists.
func (r *Router) Get(name string) (uint64, bool, error) {
	rep, err := r.sendCounter(counterCmd{kind: opGet, name: name})
	return rep.value, rep.ok, err
}

// Reset sets the counter to value.
func (r *Router) Reset(name string, value uint64) error {
	_, err := r.sendCounter(counterCmd{kind: opReset, name: name, a: value})
	return err
}

// PreloadCounters scans the reserved key prefix through the DbWorker and
// seeds the CounterWorker's map, returning how many counters loaded.
func (r *Router) PreloadCounters() (int, error) {
	rep, err := r.sendDB(func() dbReply {
		items, err := r.db.ScanPrefix([]byte(CounterKeyPrefix))
		if err != nil {
			return dbReply{err: err}
		}
		return dbReply{items: items}
	})
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, item := range rep.items {
		name := strings.TrimPrefix(string(item.Key), CounterKeyPrefix)
		if name == string(item.Key) || len(item.Value) < 8 {
			continue
		}
		value := binary.LittleEndian.Uint64(item.Value[:8])
		r.sendMu.RLock()
		if r.isClosed() {
			r.sendMu.RUnlock()
			return loaded, errRouterClosed
		}
		r.counterQ <- counterCmd{kind: opLoad, name: name, a: value}
		r.sendMu.RUnlock()
		loaded++
	}
	return loaded, nil
}

// --- routed engine surface ---

// Insert stores key→value through the DbWorker, returning the previous
// value.
func (r *Router) Insert(key, value []byte) ([]byte, error) {
	rep, err := r.sendDB(func() dbReply {
		old, err := r.db.Insert(key, value)
		return dbReply{value: old, err: err}
	})
	return rep.value, err
}

// GetData reads key through the DbWorker.
func (r *Router) GetData(key []byte) ([]byte, error) {
	rep, err := r.sendDB(func() dbReply {
		v, err := r.db.Get(key)
		return dbReply{value: v, err: err}
	})
	return rep.value, err
}

// Remove deletes key through the DbWorker, returning the previous value.
func (r *Router) Remove(key []byte) ([]byte, error) {
	rep, err := r.sendDB(func() dbReply {
		old, err := r.db.Remove(key)
		return dbReply{value: old, err: err}
	})
	return rep.value, err
}

// ContainsKey reports presence through the DbWorker.
func (r *Router) ContainsKey(key []byte) (bool, error) {
	rep, err := r.sendDB(func() dbReply {
		ok, err := r.db.ContainsKey(key)
		return dbReply{ok: ok, err: err}
	})
	return rep.ok, err
}

// ScanPrefix materializes a prefix range through the DbWorker.
func (r *Router) ScanPrefix(prefix []byte) ([]tree.Item, error) {
	rep, err := r.sendDB(func() dbReply {
		items, err := r.db.ScanPrefix(prefix)
		return dbReply{items: items, err: err}
	})
	return rep.items, err
}

// Len counts default-tree entries through the DbWorker.
func (r *Router) Len() (int, error) {
	rep, err := r.sendDB(func() dbReply {
		n, err := r.db.Len()
		return dbReply{n: n, err: err}
	})
	return rep.n, err
}

// IsEmpty reports emptiness through the DbWorker.
func (r *Router) IsEmpty() (bool, error) {
	rep, err := r.sendDB(func() dbReply {
		ok, err := r.db.IsEmpty()
		return dbReply{ok: ok, err: err}
	})
	return rep.ok, err
}

// First returns the smallest entry through the DbWorker.
func (r *Router) First() ([]byte, []byte, error) {
	var key []byte
	rep, err := r.sendDB(func() dbReply {
		k, v, err := r.db.First()
		key = k
		return dbReply{value: v, err: err}
	})
	return key, rep.value, err
}

// Last returns the greatest entry through the DbWorker.
func (r *Router) Last() ([]byte, []byte, error) {
	var key []byte
	rep, err := r.sendDB(func() dbReply {
		k, v, err := r.db.Last()
		key = k
		return dbReply{value: v, err: err}
	})
	return key, rep.value, err
}

// Clear removes every default-tree entry through the DbWorker.
func (r *Router) Clear() error {
	_, err := r.sendDB(func() dbReply {
		return dbReply{err: r.db.Clear()}
	})
	return err
}
