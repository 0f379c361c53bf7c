package tabs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/bridge"
	"github.com/Rorqualx/popguard-go/internal/intercept"
	"github.com/Rorqualx/popguard-go/internal/lifecycle"
	"github.com/Rorqualx/popguard-go/internal/monitor"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Page is the browser side of a tab. *browser.PageDriver satisfies it.
type Page interface {
	intercept.ScriptHost
	monitor.Page
	monitor.MutationSource
	bridge.Evaluator

	Start(ctx context.Context) error
	SetURL(rawURL string)
	Navigate(ctx context.Context, rawURL string) error
	Close() error
}

// Tab is one guarded browser tab.
type Tab struct {
	ID        string
	CreatedAt time.Time
	lastUsed  atomic.Int64

	page       Page
	release    func()
	bridge     *bridge.Bridge
	guard      *intercept.Guard
	responder  intercept.DialogResponder
	monitor    *monitor.Monitor
	controller *lifecycle.Controller
	timeout    time.Duration

	navMu sync.Mutex // serialises navigations
}

// Touch marks the tab as used.
func (t *Tab) Touch() {
	t.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns when the tab was last used.
func (t *Tab) LastUsedTime() time.Time {
	return time.Unix(0, t.lastUsed.Load())
}

// URL returns the URL the tab is bound to.
func (t *Tab) URL() string {
	return t.page.URL()
}

// Info describes the tab for listings.
func (t *Tab) Info() types.TabInfo {
	u := t.page.URL()
	return types.TabInfo{
		ID:        t.ID,
		URL:       u,
		Domain:    stats.ExtractDomain(u),
		Guard:     t.controller.State().String(),
		CreatedAt: t.CreatedAt,
		LastUsed:  t.LastUsedTime(),
	}
}

// Navigate loads rawURL. The persisted choice is applied to the new domain
// before the document loads, so the page script is in place before any
// page script runs.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	t.navMu.Lock()
	defer t.navMu.Unlock()
	t.Touch()

	t.page.SetURL(rawURL)
	if err := t.controller.Reconcile(ctx); err != nil {
		// The page still loads unguarded; the guard state reports it.
		log.Warn().Err(err).Str("tab_id", t.ID).Str("url", rawURL).Msg("Guard not applied before navigation")
	}
	return t.page.Navigate(ctx, rawURL)
}

// Enable turns the guard on for this tab and persists the choice.
func (t *Tab) Enable(ctx context.Context) error {
	t.Touch()
	return t.controller.Enable(ctx)
}

// Disable turns the guard off for this tab and persists the choice.
func (t *Tab) Disable(ctx context.Context) error {
	t.Touch()
	return t.controller.Disable(ctx)
}

// Reconcile re-applies the persisted choice and the whitelist.
func (t *Tab) Reconcile(ctx context.Context) error {
	return t.controller.Reconcile(ctx)
}

// State answers the sniff-state query.
func (t *Tab) State(ctx context.Context) (types.GuardState, error) {
	t.Touch()
	return t.controller.Snapshot(ctx)
}

// Notifications returns the tab's recent notifications, oldest first.
func (t *Tab) Notifications() []types.Notification {
	t.Touch()
	return t.bridge.Notifications()
}

// Allow performs the one-time trusted open of a notification.
func (t *Tab) Allow(ctx context.Context, id string) (types.Notification, error) {
	t.Touch()
	return t.bridge.Allow(ctx, id)
}

// Sweep runs one overlay sweep right away.
func (t *Tab) Sweep(ctx context.Context) monitor.SweepResult {
	t.Touch()
	return t.monitor.Sweep(ctx)
}

// close tears the guard down, closes the page and returns the browser slot.
func (t *Tab) close(ctx context.Context) error {
	var errs []error
	if err := t.controller.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.release != nil {
		t.release()
	}
	return errors.Join(errs...)
}

// onGesture runs on the browser event goroutine. t.bridge is set before the
// page starts delivering events.
func (t *Tab) onGesture(payload string) bool {
	return t.bridge.HandleGesture(payload)
}

func (t *Tab) onAllow(ctx context.Context, id string) {
	t.Touch()
	t.bridge.HandleToastAllow(ctx, id)
}

func (t *Tab) onReport(ctx context.Context, payload string) {
	if err := t.bridge.HandlePayload(ctx, payload); err != nil {
		log.Debug().Err(err).Str("tab_id", t.ID).Msg("Rejected page report")
	}
}

// onDialog applies the gesture policy while the guard is active. Otherwise
// the dialog is answered the way an unguarded headless browser would.
func (t *Tab) onDialog(ctx context.Context, d intercept.Dialog) intercept.DialogResponse {
	if t.bridge.Running() {
		return t.guard.HandleDialog(ctx, d)
	}
	return t.responder.Respond(d)
}

func (t *Tab) onPopup(ctx context.Context, p intercept.Popup) bool {
	if !t.bridge.Running() {
		return true
	}
	return t.guard.HandlePopup(ctx, p)
}

func (t *Tab) onNavigated(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.controller.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Str("tab_id", t.ID).Str("url", url).Msg("Guard reconcile after navigation failed")
	}
}
