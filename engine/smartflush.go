package engine

import (
	"sync/atomic"
	"time"

	"github.com/INLOpen/melange/config"
)

// flushController paces the background flusher. In legacy mode it ticks at
// a fixed interval; in smart mode it adapts the cadence to the observed
// write rate and forces a flush once enough dirty bytes accumulate.
type flushController struct {
	smart  bool
	legacy time.Duration
	cfg    config.SmartFlushConfig

	writeOps    atomic.Uint64
	accumulated atomic.Int64
	rateEMA     atomic.Uint64 // ops/s, exponential moving average

	lastSampleNanos atomic.Int64
}

func newFlushController(cfg config.Config) *flushController {
	c := &flushController{
		smart: cfg.SmartFlush.Enabled,
		cfg:   cfg.SmartFlush,
	}
	if !c.smart && cfg.FlushEveryMs > 0 {
		c.legacy = time.Duration(cfg.FlushEveryMs) * time.Millisecond
	}
	c.lastSampleNanos.Store(time.Now().UnixNano())
	return c
}

// enabled reports whether a background flusher should run at all.
func (c *flushController) enabled() bool {
	return c.smart || c.legacy > 0
}

func (c *flushController) recordWrite(bytes int) {
	c.writeOps.Add(1)
	c.accumulated.Add(int64(bytes))
}

func (c *flushController) onFlush() {
	c.accumulated.Store(0)
}

// bytesThresholdExceeded reports that the dirty-byte budget forces an
// immediate flush.
func (c *flushController) bytesThresholdExceeded() bool {
	return c.smart && c.accumulated.Load() >= c.cfg.AccumulatedBytesThreshold
}

// sampleRate folds the ops counter since the last sample into the EMA.
func (c *flushController) sampleRate() uint64 {
	now := time.Now().UnixNano()
	last := c.lastSampleNanos.Swap(now)
	elapsed := time.Duration(now - last)
	if elapsed <= 0 {
		return c.rateEMA.Load()
	}
	ops := c.writeOps.Swap(0)
	instant := uint64(float64(ops) / elapsed.Seconds())

	old := c.rateEMA.Load()
	ema := uint64(0.7*float64(old) + 0.3*float64(instant))
	c.rateEMA.Store(ema)
	return ema
}

// interval computes the next flush delay: the base cadence, shortened under
// high write rates and lengthened under light load, clamped into
// [min, max].
func (c *flushController) interval() time.Duration {
	if !c.smart {
		return c.legacy
	}
	base := time.Duration(c.cfg.BaseIntervalMs) * time.Millisecond
	minI := time.Duration(c.cfg.MinIntervalMs) * time.Millisecond
	maxI := time.Duration(c.cfg.MaxIntervalMs) * time.Millisecond

	rate := c.sampleRate()
	next := base
	switch {
	case rate >= c.cfg.WriteRateThreshold:
		// Busy: scale the interval down in proportion to the overload.
		scale := float64(c.cfg.WriteRateThreshold) / float64(rate)
		next = time.Duration(float64(base) * scale)
	case rate < c.cfg.WriteRateThreshold/4:
		// Light load: stretch toward the max to batch more per flush.
		next = base * 2
	}

	if next < minI {
		next = minI
	}
	if next > maxI {
		next = maxI
	}
	return next
}

// startFlusher launches the background flush goroutine when a mode is
// configured. A short poll keeps the byte-threshold trigger responsive
// between scheduled flushes.
func (d *DB) startFlusher() {
	if !d.controller.enabled() {
		return
	}
	d.bgWg.Add(1)
	go func() {
		defer d.bgWg.Done()
		timer := time.NewTimer(d.controller.interval())
		defer timer.Stop()

		poll := time.NewTicker(10 * time.Millisecond)
		defer poll.Stop()

		for {
			select {
			case <-d.stopCh:
				return
			case <-poll.C:
				if d.controller.bytesThresholdExceeded() {
					d.backgroundFlush()
					timer.Reset(d.controller.interval())
				}
			case <-timer.C:
				d.backgroundFlush()
				timer.Reset(d.controller.interval())
			}
		}
	}()
}

func (d *DB) backgroundFlush() {
	if err := d.Flush(); err != nil {
		// Poisoning already logged; nothing else to do from the background.
		d.logger.Debug("background flush error", "error", err)
	}
}
