// Package gesture records when the user last interacted with a page.
//
// A Tracker is owned by one guarded tab. The page script keeps its own
// timestamp for synchronous decisions inside the page and forwards trusted
// gestures here so browser-level checks see the same input stream.
package gesture

import (
	"math"
	"sync"
	"time"
)

// Never is returned by TimeSinceLastGesture before any gesture was recorded.
const Never = time.Duration(math.MaxInt64)

// Tracker holds the timestamp of the most recent genuine user gesture.
type Tracker struct {
	mu   sync.RWMutex
	last time.Time
	now  func() time.Time
}

// NewTracker creates a Tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// NewTrackerWithClock creates a Tracker reading time from now.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// RecordGesture marks the current instant as the latest gesture.
func (t *Tracker) RecordGesture() {
	t.RecordGestureAt(t.now())
}

// RecordGestureAt records a gesture observed at ts. Older timestamps than
// the current one are ignored so out-of-order reports cannot rewind it.
func (t *Tracker) RecordGestureAt(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts.After(t.last) {
		t.last = ts
	}
}

// TimeSinceLastGesture returns the elapsed time since the last gesture,
// or Never if none was recorded.
func (t *Tracker) TimeSinceLastGesture() time.Duration {
	t.mu.RLock()
	last := t.last
	t.mu.RUnlock()

	if last.IsZero() {
		return Never
	}
	d := t.now().Sub(last)
	if d < 0 {
		return 0
	}
	return d
}

// LastGesture returns the timestamp of the last gesture, zero if none.
func (t *Tracker) LastGesture() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Reset forgets the recorded gesture.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Time{}
}
