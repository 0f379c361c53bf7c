package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

type fakeInterceptor struct {
	mu        sync.Mutex
	attached  bool
	attaches  int
	detaches  int
	attachErr error
	detachErr error
	block     chan struct{}
}

func (f *fakeInterceptor) Attach(context.Context) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	if !f.attached {
		f.attaches++
	}
	f.attached = true
	return nil
}

func (f *fakeInterceptor) Detach(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached {
		f.detaches++
	}
	f.attached = false
	return f.detachErr
}

func (f *fakeInterceptor) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

type fakeMonitor struct {
	running  bool
	startErr error
}

func (f *fakeMonitor) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeMonitor) Stop(context.Context) error {
	f.running = false
	return nil
}

func (f *fakeMonitor) Running() bool { return f.running }

type fakeBridge struct{ running bool }

func (f *fakeBridge) Start()        { f.running = true }
func (f *fakeBridge) Stop()         { f.running = false }
func (f *fakeBridge) Running() bool { return f.running }

type fakeWhitelist map[string]bool

func (f fakeWhitelist) Contains(_ context.Context, domain string) (bool, error) {
	return f[domain], nil
}

type fakeSettings struct {
	mu      sync.Mutex
	enabled bool
	sets    int
}

func (f *fakeSettings) Enabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, nil
}

func (f *fakeSettings) SetEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	f.sets++
	return nil
}

type fakeCounter map[string]int64

func (f fakeCounter) Read(_ context.Context, domain string) (int64, error) {
	return f[domain], nil
}

func (f fakeCounter) Breakdown(domain string) stats.DomainStatsJSON {
	return stats.DomainStatsJSON{Total: f[domain], ByKind: map[string]int64{"open": f[domain]}}
}

type fixture struct {
	ctrl        *Controller
	interceptor *fakeInterceptor
	monitor     *fakeMonitor
	bridge      *fakeBridge
	whitelist   fakeWhitelist
	settings    *fakeSettings
	url         string
}

func newFixture(url string) *fixture {
	f := &fixture{
		interceptor: &fakeInterceptor{},
		monitor:     &fakeMonitor{},
		bridge:      &fakeBridge{},
		whitelist:   fakeWhitelist{},
		settings:    &fakeSettings{},
		url:         url,
	}
	f.ctrl = New("tab-1", Deps{
		Interceptor: f.interceptor,
		Monitor:     f.monitor,
		Bridge:      f.bridge,
		Whitelist:   f.whitelist,
		Settings:    f.settings,
		Counter:     fakeCounter{"news.example": 7},
		Rules:       rules.NewStaticManager(rules.Get()),
		PageURL:     func() string { return f.url },
	})
	return f
}

// attachedIffActive checks that the interceptor and monitor are attached
// exactly when the controller is Active.
func (f *fixture) attachedIffActive(t *testing.T) {
	t.Helper()
	active := f.ctrl.State() == Active
	if f.interceptor.Attached() != active || f.monitor.Running() != active || f.bridge.Running() != active {
		t.Errorf("state=%v interceptor=%v monitor=%v bridge=%v", f.ctrl.State(),
			f.interceptor.Attached(), f.monitor.Running(), f.bridge.Running())
	}
}

func TestEnableAttachesEverything(t *testing.T) {
	f := newFixture("https://news.example/story")
	ctx := context.Background()

	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if f.ctrl.State() != Active {
		t.Errorf("State() = %v, want active", f.ctrl.State())
	}
	f.attachedIffActive(t)
	if !f.settings.enabled {
		t.Error("Enable should persist the enabled choice")
	}

	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatalf("second Enable() error = %v", err)
	}
	if f.interceptor.attaches != 1 {
		t.Errorf("interceptor attached %d times, want 1", f.interceptor.attaches)
	}
}

func TestEnableWhitelistedIsNoop(t *testing.T) {
	f := newFixture("https://trusted.example/")
	f.whitelist["trusted.example"] = true

	err := f.ctrl.Enable(context.Background())
	if !errors.Is(err, types.ErrDomainWhitelisted) {
		t.Fatalf("Enable() error = %v, want ErrDomainWhitelisted", err)
	}
	if f.ctrl.State() != Disabled || f.interceptor.attaches != 0 || f.monitor.Running() {
		t.Error("whitelisted domain must not get the interceptor or monitor")
	}
	f.attachedIffActive(t)
}

func TestEnableRestrictedPage(t *testing.T) {
	f := newFixture("chrome://settings")

	err := f.ctrl.Enable(context.Background())
	var ie *types.InjectionError
	if !errors.As(err, &ie) {
		t.Fatalf("Enable() error = %v, want *types.InjectionError", err)
	}
	if f.ctrl.State() != Disabled {
		t.Errorf("State() = %v, want disabled", f.ctrl.State())
	}
	if f.settings.sets != 0 {
		t.Error("restricted page must not change the persisted choice")
	}
	f.attachedIffActive(t)
}

func TestEnableAttachFailureLeavesNothing(t *testing.T) {
	f := newFixture("https://news.example/")
	f.interceptor.attachErr = types.NewInjectionFailedError(f.url, errors.New("context destroyed"))

	if err := f.ctrl.Enable(context.Background()); !errors.Is(err, types.ErrPageNotInjectable) {
		t.Fatalf("Enable() error = %v", err)
	}
	if f.ctrl.State() != Disabled {
		t.Errorf("State() = %v, want disabled", f.ctrl.State())
	}
	f.attachedIffActive(t)
}

func TestEnableMonitorFailureRollsBack(t *testing.T) {
	f := newFixture("https://news.example/")
	f.monitor.startErr = errors.New("subscribe failed")

	err := f.ctrl.Enable(context.Background())
	var ie *types.InjectionError
	if !errors.As(err, &ie) {
		t.Fatalf("Enable() error = %v, want *types.InjectionError", err)
	}
	if f.interceptor.detaches != 1 {
		t.Error("interceptor should be detached on rollback")
	}
	f.attachedIffActive(t)
}

func TestDisableTearsDown(t *testing.T) {
	f := newFixture("https://news.example/")
	ctx := context.Background()

	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Disable(ctx); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	if f.ctrl.State() != Disabled {
		t.Errorf("State() = %v, want disabled", f.ctrl.State())
	}
	f.attachedIffActive(t)
	if f.settings.enabled {
		t.Error("Disable should persist the disabled choice")
	}

	if err := f.ctrl.Disable(ctx); err != nil {
		t.Errorf("second Disable() error = %v", err)
	}
}

func TestDisableCompletesDespiteDetachError(t *testing.T) {
	f := newFixture("https://news.example/")
	ctx := context.Background()
	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatal(err)
	}
	f.interceptor.detachErr = errors.New("page ignored disable")

	if err := f.ctrl.Disable(ctx); err == nil {
		t.Error("Disable() should report the detach error")
	}
	if f.ctrl.State() != Disabled || f.monitor.Running() || f.bridge.Running() {
		t.Error("teardown must finish even when detach fails")
	}
}

func TestEnableDisableCycles(t *testing.T) {
	f := newFixture("https://news.example/")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := f.ctrl.Enable(ctx); err != nil {
			t.Fatal(err)
		}
		if err := f.ctrl.Enable(ctx); err != nil {
			t.Fatal(err)
		}
		f.attachedIffActive(t)
		if err := f.ctrl.Disable(ctx); err != nil {
			t.Fatal(err)
		}
		f.attachedIffActive(t)
	}
	if f.interceptor.attaches != 5 || f.interceptor.detaches != 5 {
		t.Errorf("attaches=%d detaches=%d, want 5/5", f.interceptor.attaches, f.interceptor.detaches)
	}
}

func TestConcurrentTransitionRejected(t *testing.T) {
	f := newFixture("https://news.example/")
	f.interceptor.block = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Enable(ctx) }()

	deadline := time.Now().Add(time.Second)
	for f.ctrl.State() != Enabling && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := f.ctrl.Disable(ctx); !errors.Is(err, types.ErrTransitionInProgress) {
		t.Errorf("Disable() during Enable error = %v, want ErrTransitionInProgress", err)
	}
	close(f.interceptor.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	f.attachedIffActive(t)
}

func TestReconcile(t *testing.T) {
	f := newFixture("https://news.example/")
	ctx := context.Background()

	// persisted choice is off: nothing happens
	if err := f.ctrl.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != Disabled {
		t.Fatal("Reconcile enabled a guard the user turned off")
	}

	f.settings.enabled = true
	if err := f.ctrl.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != Active {
		t.Fatal("Reconcile did not restore the persisted enabled state")
	}

	// navigating to a whitelisted domain tears down without touching the choice
	f.whitelist["trusted.example"] = true
	f.url = "https://trusted.example/home"
	if err := f.ctrl.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != Disabled || !f.settings.enabled {
		t.Errorf("after whitelisted navigation: state=%v enabled=%v", f.ctrl.State(), f.settings.enabled)
	}
	f.attachedIffActive(t)

	f.url = "about:blank"
	if err := f.ctrl.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != Disabled {
		t.Error("restricted page should stay disabled")
	}

	f.url = "https://news.example/next"
	if err := f.ctrl.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != Active {
		t.Error("Reconcile should re-enable on an eligible page")
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture("https://news.example/story")
	ctx := context.Background()
	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatal(err)
	}

	gs, err := f.ctrl.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gs.TabID != "tab-1" || gs.Domain != "news.example" || gs.State != "active" {
		t.Errorf("Snapshot() = %+v", gs)
	}
	if !gs.Enabled || gs.Whitelisted || !gs.Injectable {
		t.Errorf("flags = enabled:%v whitelisted:%v injectable:%v", gs.Enabled, gs.Whitelisted, gs.Injectable)
	}
	if gs.Suppressed != 7 || gs.ByKind["open"] != 7 {
		t.Errorf("counts = %d %v, want 7", gs.Suppressed, gs.ByKind)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Disabled: "disabled", Enabling: "enabling", Active: "active", Disabling: "disabling"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestTeardownKeepsPersistedChoice(t *testing.T) {
	f := newFixture("https://news.example/")
	ctx := context.Background()
	if err := f.ctrl.Enable(ctx); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Teardown(ctx); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if f.ctrl.State() != Disabled {
		t.Errorf("State() = %v, want disabled", f.ctrl.State())
	}
	f.attachedIffActive(t)
	if !f.settings.enabled {
		t.Error("Teardown must not persist a disabled choice")
	}
}
