// Package debounce provides a generic debouncer: callers add keys as they
// arrive, and a flush callback fires once with the whole batch after a
// quiet period with no new arrivals. It's grounded on the teacher's
// DebouncedRebuilder and eventDebouncer (internal/indexing), generalized
// from their file-specific pending sets to any comparable key, since this
// core uses the exact same shape twice: batching dependency-update
// notifications by affected file, and batching file-change events by file.
package debounce

import (
	"sync"
	"time"
)

// Debouncer batches keys of type K, flushing the accumulated set to
// onFlush once no key has arrived for `quiet`. Zero value is not usable;
// use New.
type Debouncer[K comparable] struct {
	quiet   time.Duration
	onFlush func(map[K]struct{})

	mu      sync.Mutex
	pending map[K]struct{}
	timer   *time.Timer
	stopped bool
}

// New creates a debouncer with the given quiet period and flush callback.
// onFlush is invoked from the debouncer's internal timer goroutine; it
// must not block for long or hold locks the caller also needs from Add.
func New[K comparable](quiet time.Duration, onFlush func(map[K]struct{})) *Debouncer[K] {
	return &Debouncer[K]{
		quiet:   quiet,
		onFlush: onFlush,
		pending: make(map[K]struct{}),
	}
}

// Add records key as pending and resets the quiet-period timer, the same
// "store latest, reset timer" pattern as the teacher's addEvent/ScheduleRebuild.
func (d *Debouncer[K]) Add(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[key] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.flush)
}

func (d *Debouncer[K]) flush() {
	d.mu.Lock()
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = make(map[K]struct{})
	d.mu.Unlock()

	d.onFlush(batch)
}

// Flush triggers an immediate flush of whatever is pending, without
// waiting for the quiet period.
func (d *Debouncer[K]) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.flush()
}

// PendingCount reports how many distinct keys are waiting to flush.
func (d *Debouncer[K]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop halts the timer and suppresses any further flushes. Matching the
// teacher's eventDebouncer.run on shutdown, a flush already pending is not
// forced through: losing a debounce window of events is acceptable when
// the owner is tearing down anyway.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
