package gesture

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimeSinceLastGesture(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTrackerWithClock(clock.Now)

	if got := tr.TimeSinceLastGesture(); got != Never {
		t.Errorf("before any gesture = %v, want Never", got)
	}

	tr.RecordGesture()
	clock.Advance(250 * time.Millisecond)
	if got := tr.TimeSinceLastGesture(); got != 250*time.Millisecond {
		t.Errorf("TimeSinceLastGesture() = %v, want 250ms", got)
	}

	clock.Advance(2 * time.Second)
	if got := tr.TimeSinceLastGesture(); got != 2250*time.Millisecond {
		t.Errorf("TimeSinceLastGesture() = %v, want 2.25s", got)
	}
}

func TestRecordGestureAtIgnoresOlder(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)}
	tr := NewTrackerWithClock(clock.Now)

	tr.RecordGestureAt(clock.t.Add(-1 * time.Second))
	tr.RecordGestureAt(clock.t.Add(-5 * time.Second))

	if got := tr.TimeSinceLastGesture(); got != time.Second {
		t.Errorf("TimeSinceLastGesture() = %v, want 1s", got)
	}
}

func TestFutureGestureClampsToZero(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTrackerWithClock(clock.Now)

	tr.RecordGestureAt(clock.t.Add(time.Second))
	if got := tr.TimeSinceLastGesture(); got != 0 {
		t.Errorf("TimeSinceLastGesture() = %v, want 0 for skewed report", got)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.RecordGesture()
	tr.Reset()

	if !tr.LastGesture().IsZero() {
		t.Error("LastGesture() should be zero after Reset")
	}
	if tr.TimeSinceLastGesture() != Never {
		t.Error("TimeSinceLastGesture() should be Never after Reset")
	}
}
