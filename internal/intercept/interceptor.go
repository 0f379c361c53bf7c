package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/bridge"
	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Names of the page globals used by the interceptor.
const (
	DefaultBinding      = "__popguardReport"
	DefaultMarkerGlobal = "__popguardInterceptor"
)

const (
	defaultDetachTimeout = 2 * time.Second
	detachPollInterval   = 20 * time.Millisecond
)

// ScriptHost is the page-context side of a tab.
type ScriptHost interface {
	// URL returns the URL of the current document.
	URL() string
	// HasGlobal reports whether window[name] exists in the page context.
	HasGlobal(ctx context.Context, name string) (bool, error)
	// AddScript runs js in the current document and registers it for every
	// new document before page scripts run. remove drops the registration.
	AddScript(ctx context.Context, js string) (remove func() error, err error)
	// Post delivers msg to the page with window.postMessage.
	Post(ctx context.Context, msg any) error
}

// RulesSource supplies the current rules.
type RulesSource interface {
	Get() *rules.Rules
}

// Options configures an Interceptor.
type Options struct {
	Policy        Policy
	Token         string
	Binding       string
	MarkerGlobal  string
	DetachTimeout time.Duration
}

// Interceptor owns the page script of one tab.
type Interceptor struct {
	mu       sync.Mutex
	host     ScriptHost
	rules    RulesSource
	opts     Options
	remove   func() error
	attached bool

	// disableToken authorises the disable signal of the installed script.
	// The signal is visible to the page, so every install gets a new one.
	disableToken string
}

// New creates an Interceptor for host.
func New(host ScriptHost, rs RulesSource, opts Options) *Interceptor {
	if opts.Binding == "" {
		opts.Binding = DefaultBinding
	}
	if opts.MarkerGlobal == "" {
		opts.MarkerGlobal = DefaultMarkerGlobal
	}
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = defaultDetachTimeout
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	return &Interceptor{host: host, rules: rs, opts: opts}
}

// Attached reports whether the page script is installed.
func (i *Interceptor) Attached() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attached
}

// Attach installs the page script. Calling it on an attached page is a no-op.
// Restricted pages return a *types.InjectionError and leave nothing installed.
func (i *Interceptor) Attach(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	r := i.rules.Get()
	pageURL := i.host.URL()
	if !r.Injectable(pageURL) {
		return types.NewRestrictedPageError(pageURL)
	}

	present, err := i.host.HasGlobal(ctx, i.opts.MarkerGlobal)
	if err != nil {
		return types.NewInjectionFailedError(pageURL, err)
	}
	if present {
		if !i.attached {
			log.Debug().Str("url", pageURL).Msg("Interceptor marker already present, adopting existing install")
		}
		i.attached = true
		return nil
	}

	disableToken := bridge.NewToken()
	script, err := RenderScript(ScriptConfig{
		Policy:       i.opts.Policy,
		SourceTag:    r.SourceTag,
		Token:        i.opts.Token,
		DisableToken: disableToken,
		Binding:      i.opts.Binding,
		Marker:       r.Marker,
		MarkerGlobal: i.opts.MarkerGlobal,
		HijackHrefs:  r.HijackHrefs,
	})
	if err != nil {
		return types.NewInjectionFailedError(pageURL, err)
	}

	remove, err := i.host.AddScript(ctx, script)
	if err != nil {
		return types.NewInjectionFailedError(pageURL, err)
	}

	i.remove = remove
	i.disableToken = disableToken
	i.attached = true
	log.Debug().Str("url", pageURL).Msg("Interceptor attached")
	return nil
}

// Detach asks the page script to restore the original primitives, drops the
// new-document registration and waits until the marker is gone.
func (i *Interceptor) Detach(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.attached {
		return nil
	}
	i.attached = false

	var errs []error
	if i.remove != nil {
		if err := i.remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove new-document script: %w", err))
		}
		i.remove = nil
	}

	msg := bridge.Message{
		Source: i.rules.Get().SourceTag,
		Token:  i.disableToken,
		Event:  bridge.EventDisable,
	}
	if err := i.host.Post(ctx, msg); err != nil {
		// The document is gone, so is the script.
		log.Debug().Err(err).Msg("Disable signal not delivered")
		return errors.Join(errs...)
	}

	if err := i.waitGone(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (i *Interceptor) waitGone(ctx context.Context) error {
	deadline := time.Now().Add(i.opts.DetachTimeout)
	ticker := time.NewTicker(detachPollInterval)
	defer ticker.Stop()

	for {
		present, err := i.host.HasGlobal(ctx, i.opts.MarkerGlobal)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Page navigated or closed; the old document took the script with it.
			return nil
		}
		if !present {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("interceptor still installed %s after disable", i.opts.DetachTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
