package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/popguard-go/internal/bridge"
	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// fakeHost models a page: running the script sets the marker global and a
// matching disable message clears it.
type fakeHost struct {
	mu          sync.Mutex
	url         string
	globals     map[string]bool
	scripts     []string
	registered  int
	removed     int
	posted      []any
	addErr      error
	ignorePosts bool
	token       string

	// disableToken is the one the last installed script accepts.
	disableToken string
}

func newFakeHost(url, token string) *fakeHost {
	return &fakeHost{url: url, globals: make(map[string]bool), token: token}
}

func (h *fakeHost) URL() string { return h.url }

func (h *fakeHost) HasGlobal(_ context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globals[name], nil
}

func (h *fakeHost) AddScript(_ context.Context, js string) (func() error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addErr != nil {
		return nil, h.addErr
	}
	h.scripts = append(h.scripts, js)
	h.disableToken = scriptDisableToken(js)
	h.registered++
	h.globals[DefaultMarkerGlobal] = true
	return func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.registered--
		h.removed++
		return nil
	}, nil
}

func (h *fakeHost) Post(_ context.Context, msg any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posted = append(h.posted, msg)
	m, ok := msg.(bridge.Message)
	if ok && !h.ignorePosts && m.Event == bridge.EventDisable && m.Token == h.disableToken {
		delete(h.globals, DefaultMarkerGlobal)
	}
	return nil
}

// scriptDisableToken reads the disable token out of a rendered script.
func scriptDisableToken(js string) string {
	idx := strings.LastIndex(js, "})(")
	if idx < 0 {
		return ""
	}
	var cfg pageConfig
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimSpace(js[idx+3:]), ");")), &cfg); err != nil {
		return ""
	}
	return cfg.DisableToken
}

func newTestInterceptor(h *fakeHost) *Interceptor {
	return New(h, rules.NewStaticManager(rules.Get()), Options{
		Token:         h.token,
		DetachTimeout: 100 * time.Millisecond,
	})
}

func TestAttachInstallsOnce(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	i := newTestInterceptor(h)
	ctx := context.Background()

	for n := 0; n < 3; n++ {
		if err := i.Attach(ctx); err != nil {
			t.Fatalf("Attach() #%d error = %v", n+1, err)
		}
	}

	if len(h.scripts) != 1 {
		t.Errorf("script installed %d times, want 1", len(h.scripts))
	}
	if !i.Attached() {
		t.Error("Attached() = false after Attach")
	}
	if !strings.Contains(h.scripts[0], `"token":"tok"`) {
		t.Error("installed script does not carry the tab token")
	}
}

func TestAttachRestrictedPage(t *testing.T) {
	for _, u := range []string{"chrome://settings", "about:blank", "view-source:https://a.example", ""} {
		h := newFakeHost(u, "tok")
		i := newTestInterceptor(h)

		err := i.Attach(context.Background())
		var ie *types.InjectionError
		if !errors.As(err, &ie) {
			t.Fatalf("Attach(%q) error = %v, want *types.InjectionError", u, err)
		}
		if ie.Reason != "restricted_scheme" {
			t.Errorf("Reason = %q, want restricted_scheme", ie.Reason)
		}
		if !errors.Is(err, types.ErrPageNotInjectable) {
			t.Error("error should wrap ErrPageNotInjectable")
		}
		if len(h.scripts) != 0 || i.Attached() {
			t.Errorf("restricted page %q left the script attached", u)
		}
	}
}

func TestAttachAddScriptFailure(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	h.addErr = errors.New("target closed")
	i := newTestInterceptor(h)

	err := i.Attach(context.Background())
	if !errors.Is(err, types.ErrPageNotInjectable) {
		t.Fatalf("Attach() error = %v, want ErrPageNotInjectable", err)
	}
	if i.Attached() {
		t.Error("failed Attach must leave the interceptor detached")
	}
}

func TestAttachAdoptsExistingMarker(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	h.globals[DefaultMarkerGlobal] = true
	i := newTestInterceptor(h)

	if err := i.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.scripts) != 0 {
		t.Error("Attach wrapped a page that already carries the marker")
	}
	if !i.Attached() {
		t.Error("Attached() = false after adopting existing install")
	}
}

func TestDetachRestoresAndUnregisters(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	i := newTestInterceptor(h)
	ctx := context.Background()

	if err := i.Attach(ctx); err != nil {
		t.Fatal(err)
	}
	if err := i.Detach(ctx); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	if i.Attached() {
		t.Error("Attached() = true after Detach")
	}
	if h.registered != 0 || h.removed != 1 {
		t.Errorf("registered=%d removed=%d, want 0/1", h.registered, h.removed)
	}
	if h.globals[DefaultMarkerGlobal] {
		t.Error("marker still present after Detach")
	}
	msg, ok := h.posted[0].(bridge.Message)
	if !ok || msg.Event != bridge.EventDisable || msg.Source != rules.Get().SourceTag {
		t.Errorf("posted %+v, want disable message with source tag", h.posted[0])
	}

	if err := i.Detach(ctx); err != nil {
		t.Errorf("second Detach() error = %v", err)
	}
	if len(h.posted) != 1 {
		t.Error("second Detach posted another disable message")
	}
}

func TestEnableDisableCyclesNeverDoubleWrap(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	i := newTestInterceptor(h)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		if err := i.Attach(ctx); err != nil {
			t.Fatal(err)
		}
		if err := i.Attach(ctx); err != nil {
			t.Fatal(err)
		}
		if h.registered != 1 {
			t.Fatalf("cycle %d: %d live registrations, want 1", n, h.registered)
		}
		if err := i.Detach(ctx); err != nil {
			t.Fatal(err)
		}
		if h.registered != 0 {
			t.Fatalf("cycle %d: registration left after Detach", n)
		}
	}
}

func TestDetachTimesOutWhenPageIgnoresSignal(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	h.ignorePosts = true
	i := newTestInterceptor(h)
	ctx := context.Background()

	if err := i.Attach(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := i.Detach(ctx)
	if err == nil {
		t.Fatal("Detach() should report a page that kept the interceptor")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Detach took %v, want about the detach timeout", elapsed)
	}
	if h.registered != 0 {
		t.Error("new-document registration must be removed even on timeout")
	}
}

func TestDisableSignalNeverCarriesReportToken(t *testing.T) {
	h := newFakeHost("https://news.example/", "tok")
	i := newTestInterceptor(h)
	ctx := context.Background()

	var seen []string
	for n := 0; n < 2; n++ {
		if err := i.Attach(ctx); err != nil {
			t.Fatalf("Attach() #%d error = %v", n+1, err)
		}
		if err := i.Detach(ctx); err != nil {
			t.Fatalf("Detach() #%d error = %v", n+1, err)
		}
		m := h.posted[len(h.posted)-1].(bridge.Message)
		if m.Token == "" || m.Token == "tok" {
			t.Fatalf("disable signal token = %q, want a fresh token distinct from the report token", m.Token)
		}
		seen = append(seen, m.Token)
	}
	if seen[0] == seen[1] {
		t.Error("a reinstalled script accepts the disable token the page already saw")
	}
}
