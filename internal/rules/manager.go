package rules

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about rule reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable rules.
// It keeps the embedded defaults and optionally watches an external file
// for runtime updates. Reads are lock-free using atomic.Value.
type Manager struct {
	embedded     *Rules
	current      atomic.Value // *Rules
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a new rules Manager.
// If externalPath is empty, only embedded rules are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.loadExternal(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external rules, using embedded defaults")
	} else {
		log.Info().Str("path", externalPath).Msg("Loaded external rules file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", externalPath).Msg("Hot-reload enabled for rules file")
		}
	}

	return m, nil
}

// NewStaticManager returns a Manager that serves r and never reloads.
func NewStaticManager(r *Rules) *Manager {
	m := &Manager{embedded: r, stopCh: make(chan struct{})}
	m.current.Store(r)
	return m
}

// Get returns the current Rules.
// This is a lock-free O(1) operation safe for concurrent use.
func (m *Manager) Get() *Rules {
	return m.current.Load().(*Rules)
}

// Reload manually reloads rules from the external file.
// On failure, the previous rules remain in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external rules path configured")
	}
	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	parsed, err := parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	m.current.Store(m.mergeWithEmbedded(parsed))

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Rules hot-reloaded successfully")

	return nil
}

func parseAndValidate(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// mergeWithEmbedded overlays external values on the embedded rules.
// Zero-valued thresholds and empty lists keep the embedded value.
func (m *Manager) mergeWithEmbedded(external *Rules) *Rules {
	e := m.embedded
	merged := &Rules{
		Thresholds:         mergeThresholds(external.Thresholds, e.Thresholds),
		Keywords:           pickList(external.Keywords, e.Keywords),
		SweepSelectors:     pickList(external.SweepSelectors, e.SweepSelectors),
		RestrictedSchemes:  pickList(external.RestrictedSchemes, e.RestrictedSchemes),
		HijackHrefs:        pickList(external.HijackHrefs, e.HijackHrefs),
		MaxSweepCandidates: e.MaxSweepCandidates,
		Marker:             e.Marker,
		SourceTag:          e.SourceTag,
	}
	if external.MaxSweepCandidates > 0 {
		merged.MaxSweepCandidates = external.MaxSweepCandidates
	}
	// Marker and source tag are baked into scripts already running in
	// open pages, so they are not reloadable.
	if external.Marker != "" && external.Marker != e.Marker {
		log.Warn().Str("marker", external.Marker).Msg("Rules marker cannot be overridden, ignoring")
	}
	return merged
}

func pickList(external, embedded []string) []string {
	if len(external) > 0 {
		return external
	}
	return embedded
}

func mergeThresholds(ext, emb Thresholds) Thresholds {
	out := emb
	if ext.HighStackZIndex != 0 {
		out.HighStackZIndex = ext.HighStackZIndex
	}
	if ext.HighStackCoverage != 0 {
		out.HighStackCoverage = ext.HighStackCoverage
	}
	if ext.FullBleedCoverage != 0 {
		out.FullBleedCoverage = ext.FullBleedCoverage
	}
	if ext.KeywordZIndex != 0 {
		out.KeywordZIndex = ext.KeywordZIndex
	}
	if ext.KeywordCoverage != 0 {
		out.KeywordCoverage = ext.KeywordCoverage
	}
	if ext.LargeFixedZIndex != 0 {
		out.LargeFixedZIndex = ext.LargeFixedZIndex
	}
	if ext.LargeFixedRatio != 0 {
		out.LargeFixedRatio = ext.LargeFixedRatio
	}
	if ext.FrameZIndex != 0 {
		out.FrameZIndex = ext.FrameZIndex
	}
	if ext.FrameCoverage != 0 {
		out.FrameCoverage = ext.FrameCoverage
	}
	if ext.MinOpacity != 0 {
		out.MinOpacity = ext.MinOpacity
	}
	return out
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher
	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile coalesces bursts of write events into one reload.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Rules file changed")
			debounce.Reset(debounceDelay)

		case <-debounce.C:
			if err := m.Reload(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.externalPath).
					Msg("Hot-reload failed, keeping previous rules")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			return
		}
	}
}
