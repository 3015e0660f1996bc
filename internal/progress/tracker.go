package progress

import "sync/atomic"

// Tracker is the shared progress state of one phase. The controller is the
// only writer; the reporter reads it without locking. The counter is only
// ever displayed, so a slightly stale read is acceptable.
type Tracker struct {
	progress atomic.Uint64
	running  atomic.Bool
}

// NewTracker returns a tracker at zero, not running
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin resets the counter to start and raises the running flag
func (t *Tracker) Begin(start uint64) {
	t.progress.Store(start)
	t.running.Store(true)
}

// Add advances the counter by n
func (t *Tracker) Add(n uint64) {
	t.progress.Add(n)
}

// Set moves the counter to v. Values below the current one are ignored so
// the counter never goes backwards within a phase.
func (t *Tracker) Set(v uint64) {
	for {
		cur := t.progress.Load()
		if v <= cur || t.progress.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Load returns the current counter value
func (t *Tracker) Load() uint64 {
	return t.progress.Load()
}

// Running reports whether the phase is still in progress
func (t *Tracker) Running() bool {
	return t.running.Load()
}

// Stop clears the running flag
func (t *Tracker) Stop() {
	t.running.Store(false)
}
