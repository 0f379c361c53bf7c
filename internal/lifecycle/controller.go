// Package lifecycle implements the per-tab guard state machine.
//
// A Controller moves between Disabled, Enabling, Active and Disabling. The
// page interceptor and the overlay monitor are attached if and only if the
// state is Active, and teardown completes before the state returns to
// Disabled.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// State of a guarded tab.
type State int32

const (
	Disabled State = iota
	Enabling
	Active
	Disabling
)

func (s State) String() string {
	switch s {
	case Enabling:
		return "enabling"
	case Active:
		return "active"
	case Disabling:
		return "disabling"
	default:
		return "disabled"
	}
}

// Interceptor is the page-context half of the guard.
type Interceptor interface {
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	Attached() bool
}

// Monitor is the overlay sweep loop.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// Bridge accepts page reports while started.
type Bridge interface {
	Start()
	Stop()
	Running() bool
}

// Whitelist answers whether a domain is exempt.
type Whitelist interface {
	Contains(ctx context.Context, domain string) (bool, error)
}

// Settings persists the user's enabled choice.
type Settings interface {
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
}

// Counter reads suppression totals for the sniff-state query.
type Counter interface {
	Read(ctx context.Context, domain string) (int64, error)
	Breakdown(domain string) stats.DomainStatsJSON
}

// RulesSource supplies the current rules.
type RulesSource interface {
	Get() *rules.Rules
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Interceptor Interceptor
	Monitor     Monitor
	Bridge      Bridge
	Whitelist   Whitelist
	Settings    Settings
	Counter     Counter
	Rules       RulesSource
	// PageURL returns the URL of the document the tab is bound to.
	PageURL func() string
}

// Controller drives the guard of one tab.
type Controller struct {
	tabID string
	deps  Deps

	mu    sync.Mutex // serialises transitions
	state atomic.Int32
}

// New creates a Controller in the Disabled state.
func New(tabID string, deps Deps) *Controller {
	return &Controller{tabID: tabID, deps: deps}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	metrics.RecordTransition(s.String())
}

// Enable is the user's request to guard the page. The choice is persisted.
// Enabling an active tab is a no-op. Restricted pages fail with a
// *types.InjectionError and leave nothing attached; whitelisted domains
// return types.ErrDomainWhitelisted without attaching anything.
func (c *Controller) Enable(ctx context.Context) error {
	if !c.mu.TryLock() {
		return types.ErrTransitionInProgress
	}
	defer c.mu.Unlock()

	pageURL := c.deps.PageURL()
	if !c.deps.Rules.Get().Injectable(pageURL) {
		return types.NewRestrictedPageError(pageURL)
	}
	if err := c.deps.Settings.SetEnabled(ctx, true); err != nil {
		return err
	}
	return c.enableLocked(ctx, pageURL)
}

// Disable is the user's request to stop guarding. The choice is persisted.
func (c *Controller) Disable(ctx context.Context) error {
	if !c.mu.TryLock() {
		return types.ErrTransitionInProgress
	}
	defer c.mu.Unlock()

	teardownErr := c.disableLocked(ctx)
	if err := c.deps.Settings.SetEnabled(ctx, false); err != nil {
		return errors.Join(teardownErr, err)
	}
	return teardownErr
}

// Teardown detaches everything without touching the persisted choice. It is
// used when the tab itself goes away.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disableLocked(ctx)
}

// Reconcile applies the persisted choice to the current document, subject
// to the same eligibility and whitelist checks as Enable. It is run when a
// tab opens, before each navigation and after the main frame navigates.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enabled, err := c.deps.Settings.Enabled(ctx)
	if err != nil {
		return err
	}

	pageURL := c.deps.PageURL()
	want := enabled && c.deps.Rules.Get().Injectable(pageURL)
	if want {
		whitelisted, err := c.deps.Whitelist.Contains(ctx, stats.ExtractDomain(pageURL))
		if err != nil {
			return err
		}
		want = !whitelisted
	}

	switch {
	case want && c.State() != Active:
		return c.enableLocked(ctx, pageURL)
	case !want && c.State() == Active:
		return c.disableLocked(ctx)
	}
	return nil
}

// enableLocked must be called with c.mu held.
func (c *Controller) enableLocked(ctx context.Context, pageURL string) error {
	if c.State() == Active {
		return nil
	}

	domain := stats.ExtractDomain(pageURL)
	whitelisted, err := c.deps.Whitelist.Contains(ctx, domain)
	if err != nil {
		return err
	}
	if whitelisted {
		log.Info().Str("tab_id", c.tabID).Str("domain", domain).Msg("Domain whitelisted, guard not attached")
		return fmt.Errorf("%w: %s", types.ErrDomainWhitelisted, domain)
	}

	c.setState(Enabling)

	c.deps.Bridge.Start()
	if err := c.deps.Interceptor.Attach(ctx); err != nil {
		c.deps.Bridge.Stop()
		c.setState(Disabled)
		log.Warn().Err(err).Str("tab_id", c.tabID).Str("url", pageURL).Msg("Guard enable aborted")
		return err
	}
	if err := c.deps.Monitor.Start(ctx); err != nil {
		if derr := c.deps.Interceptor.Detach(ctx); derr != nil {
			log.Warn().Err(derr).Str("tab_id", c.tabID).Msg("Rollback detach failed")
		}
		c.deps.Bridge.Stop()
		c.setState(Disabled)
		log.Warn().Err(err).Str("tab_id", c.tabID).Str("url", pageURL).Msg("Guard enable aborted")
		return types.NewInjectionFailedError(pageURL, err)
	}

	c.setState(Active)
	log.Info().Str("tab_id", c.tabID).Str("domain", domain).Msg("Guard active")
	return nil
}

// disableLocked must be called with c.mu held. Every step runs even if an
// earlier one fails, so nothing stays attached.
func (c *Controller) disableLocked(ctx context.Context) error {
	if c.State() == Disabled {
		return nil
	}
	c.setState(Disabling)

	var errs []error
	if err := c.deps.Interceptor.Detach(ctx); err != nil {
		errs = append(errs, fmt.Errorf("detach interceptor: %w", err))
	}
	if err := c.deps.Monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop monitor: %w", err))
	}
	c.deps.Bridge.Stop()

	c.setState(Disabled)
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", c.tabID).Msg("Guard teardown reported errors")
	} else {
		log.Info().Str("tab_id", c.tabID).Msg("Guard disabled")
	}
	return err
}

// Snapshot answers the sniff-state query for the tab.
func (c *Controller) Snapshot(ctx context.Context) (types.GuardState, error) {
	pageURL := c.deps.PageURL()
	domain := stats.ExtractDomain(pageURL)

	gs := types.GuardState{
		TabID:      c.tabID,
		Domain:     domain,
		State:      c.State().String(),
		Injectable: c.deps.Rules.Get().Injectable(pageURL),
	}

	var err error
	if gs.Enabled, err = c.deps.Settings.Enabled(ctx); err != nil {
		return gs, err
	}
	if domain == "" {
		return gs, nil
	}
	if gs.Whitelisted, err = c.deps.Whitelist.Contains(ctx, domain); err != nil {
		return gs, err
	}
	if gs.Suppressed, err = c.deps.Counter.Read(ctx, domain); err != nil {
		return gs, err
	}
	gs.ByKind = c.deps.Counter.Breakdown(domain).ByKind
	return gs, nil
}
