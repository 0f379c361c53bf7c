// Package tabs manages guarded browser tabs.
// Each tab owns a page, its guard state machine and its notification bridge.
package tabs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/popguard-go/internal/bridge"
	"github.com/Rorqualx/popguard-go/internal/browser"
	"github.com/Rorqualx/popguard-go/internal/classify"
	"github.com/Rorqualx/popguard-go/internal/config"
	"github.com/Rorqualx/popguard-go/internal/gesture"
	"github.com/Rorqualx/popguard-go/internal/intercept"
	"github.com/Rorqualx/popguard-go/internal/lifecycle"
	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/monitor"
	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Counter persists and reads suppression counts. *counter.Counter
// satisfies it.
type Counter interface {
	bridge.Counter
	lifecycle.Counter
}

// RulesSource supplies the current rules.
type RulesSource interface {
	Get() *rules.Rules
}

// PageFactory creates the page of a new tab. release returns whatever the
// page holds once the tab is closed.
type PageFactory func(ctx context.Context, events browser.Events) (page Page, release func(), err error)

// Deps are the shared collaborators of every tab.
type Deps struct {
	Rules     RulesSource
	Counter   Counter
	Whitelist lifecycle.Whitelist
	Settings  lifecycle.Settings
	NewPage   PageFactory
}

// Manager handles tab lifecycle and cleanup.
type Manager struct {
	mu      sync.RWMutex
	tabs    map[string]*Tab
	pending int
	closed  bool

	config *config.Config
	deps   Deps
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a tab manager and starts the idle tab cleanup.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		tabs:   make(map[string]*Tab),
		config: cfg,
		deps:   deps,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupRoutine()
	}()

	log.Info().
		Dur("ttl", cfg.TabTTL).
		Dur("cleanup_interval", cfg.TabCleanupInterval).
		Int("max_tabs", cfg.MaxTabs).
		Msg("Tab manager initialized")
	return m
}

// PoolPages returns a PageFactory that places each tab on the pool.
func PoolPages(pool *browser.Pool, rs RulesSource) PageFactory {
	return func(ctx context.Context, events browser.Events) (Page, func(), error) {
		b, err := pool.Place(ctx)
		if err != nil {
			return nil, nil, err
		}
		release := func() { pool.Release(b) }

		page, err := browser.NewPage(ctx, b)
		if err != nil {
			release()
			return nil, nil, err
		}
		return browser.NewPageDriver(page, b, rs, intercept.DefaultBinding, events), release, nil
	}
}

// Open creates a tab, applies the persisted guard choice and navigates to
// rawURL. A tab whose first navigation fails is closed again.
func (m *Manager) Open(ctx context.Context, rawURL string) (*Tab, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.ErrTabClosed
	}
	if len(m.tabs)+m.pending >= m.config.MaxTabs {
		m.mu.Unlock()
		return nil, types.ErrTooManyTabs
	}
	m.pending++
	m.mu.Unlock()

	tab, err := m.build(ctx)

	m.mu.Lock()
	m.pending--
	if err == nil && m.closed {
		err = types.ErrTabClosed
	}
	if err == nil {
		m.tabs[tab.ID] = tab
	}
	count := len(m.tabs)
	m.mu.Unlock()

	if err != nil {
		if tab != nil {
			_ = tab.close(context.WithoutCancel(ctx))
		}
		return nil, err
	}
	metrics.UpdateTabMetrics(count)

	log.Info().Str("tab_id", tab.ID).Int("total_tabs", count).Msg("Tab opened")

	if err := tab.Navigate(ctx, rawURL); err != nil {
		_ = m.CloseTab(context.WithoutCancel(ctx), tab.ID)
		return nil, fmt.Errorf("failed to open %s: %w", rawURL, err)
	}
	return tab, nil
}

// build assembles a tab around a new page. On error the returned tab, if
// any, must still be closed.
func (m *Manager) build(ctx context.Context) (*Tab, error) {
	now := time.Now()
	r := m.deps.Rules.Get()
	policy := intercept.Policy{
		OpenGestureWindow:   m.config.OpenGestureWindow,
		DialogGestureWindow: m.config.DialogGestureWindow,
	}
	responder := intercept.StaticResponder{Accept: m.config.DialogResponse != config.DialogDismiss}

	t := &Tab{
		ID:        uuid.NewString(),
		CreatedAt: now,
		responder: responder,
		timeout:   m.config.NavigateTimeout,
	}
	t.Touch()

	page, release, err := m.deps.NewPage(ctx, browser.Events{
		Gesture:   t.onGesture,
		Report:    t.onReport,
		Allow:     t.onAllow,
		Dialog:    t.onDialog,
		Popup:     t.onPopup,
		Navigated: t.onNavigated,
	})
	if err != nil {
		return nil, err
	}
	t.page = page
	t.release = release

	tracker := gesture.NewTracker()
	token := bridge.NewToken()

	t.bridge = bridge.New(bridge.Config{
		SourceTag:        r.SourceTag,
		Token:            token,
		Marker:           r.Marker,
		ToastTimeout:     m.config.ToastTimeout,
		MaxNotifications: m.config.MaxNotifications,
		AllowBinding:     browser.AllowBinding,
	}, bridge.Deps{
		Counter:  m.deps.Counter,
		Gestures: tracker,
		Opener:   trustedOpener{m},
		Page:     page,
		PageURL:  page.URL,
	})
	t.guard = intercept.NewGuard(policy, tracker, responder, t.bridge)

	t.monitor = monitor.New(monitor.Config{
		Debounce:          m.config.SweepDebounce,
		Interval:          m.config.SweepInterval,
		MutationThreshold: m.config.SweepMutationThreshold,
		Marker:            r.Marker,
	}, classify.New(m.deps.Rules), page, page, t.bridge)

	interceptor := intercept.New(page, m.deps.Rules, intercept.Options{
		Policy: policy,
		Token:  token,
	})

	t.controller = lifecycle.New(t.ID, lifecycle.Deps{
		Interceptor: interceptor,
		Monitor:     t.monitor,
		Bridge:      t.bridge,
		Whitelist:   m.deps.Whitelist,
		Settings:    m.deps.Settings,
		Counter:     m.deps.Counter,
		Rules:       m.deps.Rules,
		PageURL:     page.URL,
	})

	if err := page.Start(ctx); err != nil {
		return t, fmt.Errorf("failed to start page: %w", err)
	}
	return t, nil
}

// Get returns the tab with the given id and marks it used.
func (m *Manager) Get(id string) (*Tab, error) {
	m.mu.RLock()
	tab, ok := m.tabs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrTabNotFound
	}
	tab.Touch()
	return tab, nil
}

// CloseTab tears down and removes a tab.
func (m *Manager) CloseTab(ctx context.Context, id string) error {
	m.mu.Lock()
	tab, ok := m.tabs[id]
	if ok {
		delete(m.tabs, id)
	}
	count := len(m.tabs)
	m.mu.Unlock()

	if !ok {
		return types.ErrTabNotFound
	}
	metrics.UpdateTabMetrics(count)

	if err := tab.close(ctx); err != nil {
		log.Debug().Err(err).Str("tab_id", id).Msg("Error closing tab")
	}
	log.Info().
		Str("tab_id", id).
		Dur("lifetime", time.Since(tab.CreatedAt)).
		Msg("Tab closed")
	return nil
}

// List describes every open tab, oldest first.
func (m *Manager) List() []types.TabInfo {
	m.mu.RLock()
	infos := make([]types.TabInfo, 0, len(m.tabs))
	for _, tab := range m.tabs {
		infos = append(infos, tab.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of open tabs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tabs)
}

// ReconcileAll re-applies the persisted choice and the whitelist to every
// tab. It runs after the whitelist changes.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	m.mu.RLock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, tab)
	}
	m.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, tab := range tabs {
		eg.Go(func() error {
			if err := tab.Reconcile(ctx); err != nil {
				return fmt.Errorf("tab %s: %w", tab.ID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.TabCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// cleanupExpired closes tabs idle for longer than the TTL. Tabs are
// collected under the lock and closed outside it.
func (m *Manager) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Tab
	for id, tab := range m.tabs {
		if now.Sub(tab.LastUsedTime()) > m.config.TabTTL {
			expired = append(expired, tab)
			delete(m.tabs, id)
		}
	}
	remaining := len(m.tabs)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.UpdateTabMetrics(remaining)

	m.closeAll(expired, "expired")
	log.Debug().
		Int("expired_count", len(expired)).
		Int("remaining", remaining).
		Msg("Tab cleanup completed")
}

func (m *Manager) closeAll(tabs []*Tab, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, tab := range tabs {
		eg.Go(func() error {
			if err := tab.close(ctx); err != nil {
				log.Debug().Err(err).Str("tab_id", tab.ID).Str("reason", reason).Msg("Error closing tab")
			}
			log.Info().Str("tab_id", tab.ID).Str("reason", reason).Msg("Tab closed")
			return nil
		})
	}
	_ = eg.Wait()
}

// Close stops the cleanup routine and closes every tab. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, tab)
	}
	m.tabs = make(map[string]*Tab)
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.closeAll(tabs, "shutdown")
	metrics.UpdateTabMetrics(0)
	log.Info().Int("closed_tabs", len(tabs)).Msg("Tab manager closed")
	return nil
}

// trustedOpener opens allowed popups as new guarded tabs.
type trustedOpener struct{ m *Manager }

func (o trustedOpener) Open(ctx context.Context, url string) error {
	tab, err := o.m.Open(ctx, url)
	if err != nil {
		return err
	}
	log.Info().Str("tab_id", tab.ID).Str("url", url).Msg("Opened allowed popup in a new tab")
	return nil
}
