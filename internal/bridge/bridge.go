package bridge

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/counter"
	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

//go:embed toast.js
var toastScript string

// Defaults for Config.
const (
	DefaultToastTimeout     = 10 * time.Second
	DefaultMaxNotifications = 50
)

// Counter persists suppressions. *counter.Counter satisfies it.
type Counter interface {
	Increment(ctx context.Context, domain, kind string) (int64, error)
	RecordOverlay(ctx context.Context, domain, rule string) (int64, error)
}

// GestureRecorder receives gestures forwarded by the page.
type GestureRecorder interface {
	RecordGesture()
}

// Opener opens a URL with full navigation trust, bypassing the page script.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Evaluator runs a function expression with one argument in a context the
// page's own scripts cannot reach.
type Evaluator interface {
	Evaluate(ctx context.Context, fn string, arg any) error
}

// Config configures a Bridge.
type Config struct {
	SourceTag        string
	Token            string
	Marker           string
	ToastTimeout     time.Duration
	MaxNotifications int

	// AllowBinding is the binding the toast calls with a notification id.
	// It must only exist outside the page's main world.
	AllowBinding string
}

// Deps are the collaborators of a Bridge.
type Deps struct {
	Counter  Counter
	Gestures GestureRecorder
	Opener   Opener
	Page     Evaluator
	// PageURL returns the URL of the guarded document.
	PageURL func() string
}

// Bridge handles page reports for one tab.
type Bridge struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu            sync.Mutex
	running       bool
	notifications []*types.Notification
}

// New creates a stopped Bridge.
func New(cfg Config, deps Deps) *Bridge {
	if cfg.ToastTimeout <= 0 {
		cfg.ToastTimeout = DefaultToastTimeout
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = DefaultMaxNotifications
	}
	return &Bridge{cfg: cfg, deps: deps, now: time.Now}
}

// Start begins accepting page reports.
func (b *Bridge) Start() {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
}

// Stop drops further page reports. Existing notifications stay available.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

// Running reports whether page reports are accepted.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Token returns the token page messages must carry.
func (b *Bridge) Token() string {
	return b.cfg.Token
}

// HandlePayload decodes and dispatches one binding payload from the page.
func (b *Bridge) HandlePayload(ctx context.Context, payload string) error {
	if !b.Running() {
		return nil
	}

	msg, err := Decode(payload, b.cfg.SourceTag, b.cfg.Token)
	if err != nil {
		log.Debug().Err(err).Msg("Dropped bridge message")
		return err
	}

	switch msg.Event {
	case EventGesture:
		if b.deps.Gestures != nil {
			b.deps.Gestures.RecordGesture()
		}
	case EventBlocked:
		b.Record(ctx, msg.Kind, msg.URL)
	}
	return nil
}

// HandleGesture records payload right away when it is a valid gesture
// report and reports whether it was consumed. It does no I/O, so it can run
// on the browser event goroutine ahead of a dialog the same gesture opened.
func (b *Bridge) HandleGesture(payload string) bool {
	if !b.Running() {
		return false
	}
	msg, err := Decode(payload, b.cfg.SourceTag, b.cfg.Token)
	if err != nil || msg.Event != EventGesture {
		return false
	}
	if b.deps.Gestures != nil {
		b.deps.Gestures.RecordGesture()
	}
	return true
}

// HandleToastAllow performs the override the user requested by clicking
// "Allow & Open" in a toast.
func (b *Bridge) HandleToastAllow(ctx context.Context, id string) {
	if _, err := b.Allow(ctx, id); err != nil {
		log.Warn().Err(err).Str("notification", id).Msg("Override from toast rejected")
	}
}

// Record counts one suppression on the current domain. Blocked opens and
// closed popups also create a notification and a toast in the page.
func (b *Bridge) Record(ctx context.Context, kind, url string) {
	domain := b.domain()
	if _, err := b.deps.Counter.Increment(ctx, domain, kind); err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("kind", kind).Msg("Suppression not counted")
	}

	if kind != counter.KindOpen && kind != counter.KindPopup {
		return
	}

	n := b.addNotification(kind, url)
	if err := b.showToast(ctx, n); err != nil {
		log.Debug().Err(err).Str("notification", n.ID).Msg("Toast not rendered")
	}
}

// RecordOverlay counts one overlay removed from the current domain.
func (b *Bridge) RecordOverlay(ctx context.Context, rule string) {
	domain := b.domain()
	if _, err := b.deps.Counter.RecordOverlay(ctx, domain, rule); err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("rule", rule).Msg("Overlay removal not counted")
	}
}

func (b *Bridge) domain() string {
	if b.deps.PageURL == nil {
		return ""
	}
	return stats.ExtractDomain(b.deps.PageURL())
}

func (b *Bridge) addNotification(kind, url string) types.Notification {
	n := &types.Notification{
		ID:   NewToken(),
		Kind: kind,
		URL:  url,
		At:   b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
	if over := len(b.notifications) - b.cfg.MaxNotifications; over > 0 {
		b.notifications = append(b.notifications[:0:0], b.notifications[over:]...)
	}
	return *n
}

type toastArgs struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Marker    string `json:"marker"`
	Binding   string `json:"binding"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (b *Bridge) showToast(ctx context.Context, n types.Notification) error {
	if b.deps.Page == nil {
		return nil
	}
	title := "Popup blocked"
	if n.Kind == counter.KindPopup {
		title = "Popup window closed"
	}
	return b.deps.Page.Evaluate(ctx, toastScript, toastArgs{
		ID:        n.ID,
		Title:     title,
		URL:       n.URL,
		Marker:    b.cfg.Marker,
		Binding:   b.cfg.AllowBinding,
		TimeoutMs: b.cfg.ToastTimeout.Milliseconds(),
	})
}

// Allow opens the URL of notification id once through the trusted opener.
// A notification can be allowed at most once.
func (b *Bridge) Allow(ctx context.Context, id string) (types.Notification, error) {
	b.mu.Lock()
	n := b.find(id)
	switch {
	case n == nil:
		b.mu.Unlock()
		return types.Notification{}, types.ErrNotificationNotFound
	case n.Allowed:
		b.mu.Unlock()
		return *n, types.ErrNotificationUsed
	case n.URL == "":
		b.mu.Unlock()
		return *n, types.ErrNothingToOpen
	}
	n.Allowed = true
	allowed := *n
	b.mu.Unlock()

	if b.deps.Opener == nil {
		return b.revert(id, errors.New("no trusted opener configured"))
	}
	if err := b.deps.Opener.Open(ctx, allowed.URL); err != nil {
		return b.revert(id, err)
	}

	metrics.RecordOverride()
	log.Info().Str("notification", id).Str("url", allowed.URL).Msg("Opened blocked popup on request")
	return allowed, nil
}

func (b *Bridge) revert(id string, err error) (types.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.find(id)
	if n == nil {
		return types.Notification{}, err
	}
	n.Allowed = false
	return *n, err
}

// find must be called with b.mu held.
func (b *Bridge) find(id string) *types.Notification {
	for _, n := range b.notifications {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Notifications returns the notifications, oldest first.
func (b *Bridge) Notifications() []types.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Notification, len(b.notifications))
	for i, n := range b.notifications {
		out[i] = *n
	}
	return out
}
