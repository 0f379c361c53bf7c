// Package monitor watches a page for overlays and removes them.
//
// Two triggers feed one reclassify-and-sweep operation: mutation batches
// reported by the page and a fixed sweep interval. A single goroutine owns
// the debounce timer and the interval ticker, so Stop can guarantee that no
// sweep runs after it returns.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/classify"
	"github.com/Rorqualx/popguard-go/internal/metrics"
)

// State of the monitor loop.
type State int32

const (
	// Idle means no sweep is pending.
	Idle State = iota
	// Scheduled means a debounced sweep is pending.
	Scheduled
	// Scanning means a batch or sweep is being processed.
	Scanning
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Scanning:
		return "scanning"
	default:
		return "idle"
	}
}

// Defaults for Config.
const (
	DefaultDebounce          = 100 * time.Millisecond
	DefaultInterval          = 3000 * time.Millisecond
	DefaultMutationThreshold = 1
)

// ErrAlreadyDetached is returned by Page.Remove when the page removed the
// element first. The monitor treats it as a no-op.
var ErrAlreadyDetached = errors.New("element already detached")

// Batch is one delivery of mutation records from the page.
type Batch struct {
	Added   []classify.ElementSnapshot
	Changed []classify.ElementSnapshot
	// Volume is the number of mutation records in the batch.
	Volume int
}

// MutationSource delivers mutation batches in the order they occurred.
type MutationSource interface {
	Subscribe(ctx context.Context) (<-chan Batch, error)
	Unsubscribe(ctx context.Context) error
}

// Page gives the monitor privileged DOM access.
type Page interface {
	// Snapshot measures every sweep candidate in the document.
	Snapshot(ctx context.Context) ([]classify.ElementSnapshot, error)
	// Remove detaches the element behind handle.
	Remove(ctx context.Context, handle string) error
	// UnlockScroll restores forced non-scrollable overflow on body and html
	// unless it was set through marker. It reports whether anything changed.
	UnlockScroll(ctx context.Context, marker string) (bool, error)
}

// Classifier decides whether a snapshot is an overlay.
type Classifier interface {
	Classify(s classify.ElementSnapshot) (classify.Verdict, error)
}

// Recorder is told about every removed overlay.
type Recorder interface {
	RecordOverlay(ctx context.Context, rule string)
}

// Config tunes the monitor.
type Config struct {
	Debounce          time.Duration
	Interval          time.Duration
	MutationThreshold int
	Marker            string
}

// SweepResult summarises one full sweep.
type SweepResult struct {
	Candidates     int
	Removed        int
	ScrollRestored bool
	Duration       time.Duration
}

// Monitor runs the overlay sweep loop for one tab.
type Monitor struct {
	cfg        Config
	classifier Classifier
	page       Page
	source     MutationSource
	recorder   Recorder

	state   atomic.Int32
	sweeps  atomic.Int64
	removed atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a stopped Monitor.
func New(cfg Config, classifier Classifier, page Page, source MutationSource, recorder Recorder) *Monitor {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MutationThreshold <= 0 {
		cfg.MutationThreshold = DefaultMutationThreshold
	}
	return &Monitor{
		cfg:        cfg,
		classifier: classifier,
		page:       page,
		source:     source,
		recorder:   recorder,
	}
}

// State returns the current loop state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Sweeps returns the number of completed sweeps.
func (m *Monitor) Sweeps() int64 {
	return m.sweeps.Load()
}

// Removed returns the number of overlays removed.
func (m *Monitor) Removed() int64 {
	return m.removed.Load()
}

// Start subscribes to mutations and starts the loop. An initial sweep is
// scheduled after the debounce delay. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	batches, err := m.source.Subscribe(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	m.state.Store(int32(Scheduled))

	go m.run(loopCtx, batches, m.stopCh, m.done)
	return nil
}

// Stop ends the loop, clears the pending debounce and the interval, and
// disconnects the mutation subscription. When Stop returns no sweep or
// batch handler is running or will run.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	close(m.stopCh)
	m.cancel()
	<-m.done
	m.state.Store(int32(Idle))

	if err := m.source.Unsubscribe(ctx); err != nil {
		log.Debug().Err(err).Msg("Mutation unsubscribe failed")
		return err
	}
	return nil
}

func (m *Monitor) run(ctx context.Context, batches <-chan Batch, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(m.cfg.Debounce)
	defer debounce.Stop()
	pending := true

	for {
		// Stop wins over any trigger that became ready at the same time.
		select {
		case <-stop:
			return
		default:
		}

		select {
		case <-stop:
			return

		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			m.state.Store(int32(Scanning))
			if m.handleBatch(ctx, b) {
				debounce.Reset(m.cfg.Debounce)
				pending = true
			}
			m.settle(pending)

		case <-debounce.C:
			pending = false
			m.state.Store(int32(Scanning))
			m.Sweep(ctx)
			m.settle(pending)

		case <-ticker.C:
			m.state.Store(int32(Scanning))
			m.Sweep(ctx)
			m.settle(pending)
		}
	}
}

func (m *Monitor) settle(pending bool) {
	if pending {
		m.state.Store(int32(Scheduled))
	} else {
		m.state.Store(int32(Idle))
	}
}

// handleBatch classifies inserted and changed elements right away. It
// reports whether a debounced sweep should follow.
func (m *Monitor) handleBatch(ctx context.Context, b Batch) bool {
	nonOverlays := 0
	for _, s := range b.Added {
		if !m.consider(ctx, s) {
			nonOverlays++
		}
	}
	for _, s := range b.Changed {
		m.consider(ctx, s)
	}
	return nonOverlays > 0 && b.Volume >= m.cfg.MutationThreshold
}

// consider classifies s and removes it if it is an overlay. It reports
// whether s was classified as an overlay.
func (m *Monitor) consider(ctx context.Context, s classify.ElementSnapshot) bool {
	verdict, err := m.classifier.Classify(s)
	if err != nil {
		log.Debug().Err(err).Str("handle", s.Handle).Msg("Skipping unmeasurable element")
		return false
	}
	if !verdict.IsOverlay {
		return false
	}

	rule := verdict.Rule.String()
	if err := m.page.Remove(ctx, s.Handle); err != nil {
		if errors.Is(err, ErrAlreadyDetached) {
			return true
		}
		log.Debug().Err(err).Str("handle", s.Handle).Str("rule", rule).Msg("Overlay removal failed")
		return true
	}

	m.removed.Add(1)
	log.Debug().
		Str("handle", s.Handle).
		Str("tag", s.Tag).
		Str("rule", rule).
		Float64("coverage", verdict.Coverage).
		Int("z_index", verdict.ZIndex).
		Msg("Removed overlay")
	if m.recorder != nil {
		m.recorder.RecordOverlay(ctx, rule)
	}
	return true
}

// Sweep classifies every candidate in the document, removes overlays and
// restores page scrolling. It is run by the loop and may be called directly
// while the monitor is stopped.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	var res SweepResult

	snaps, err := m.page.Snapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Sweep snapshot failed")
	}
	res.Candidates = len(snaps)

	before := m.removed.Load()
	for _, s := range snaps {
		if ctx.Err() != nil {
			break
		}
		m.consider(ctx, s)
	}
	res.Removed = int(m.removed.Load() - before)

	if ctx.Err() == nil {
		restored, err := m.page.UnlockScroll(ctx, m.cfg.Marker)
		if err != nil {
			log.Debug().Err(err).Msg("Scroll restore failed")
		}
		res.ScrollRestored = restored
	}

	res.Duration = time.Since(start)
	m.sweeps.Add(1)
	metrics.RecordSweep(res.Duration)
	return res
}
