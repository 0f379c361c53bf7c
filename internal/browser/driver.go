package browser

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/popguard-go/internal/classify"
	"github.com/Rorqualx/popguard-go/internal/intercept"
	"github.com/Rorqualx/popguard-go/internal/monitor"
	"github.com/Rorqualx/popguard-go/internal/rules"
)

//go:embed world.js
var worldSource string

var worldTemplate = template.Must(template.New("world").Parse(worldSource))

// Names used inside the monitor's isolated world. The page's own scripts
// cannot see or call them.
const (
	monitorWorld   = "popguard-monitor"
	monitorBinding = "__popguardMutations"
	monitorGlobal  = "__popguardMonitor"
)

// AllowBinding is called by the notification toast, which runs in the
// monitor world, with the id of the notification the user allowed.
const AllowBinding = "__popguardAllow"

// fixedScanFactor bounds the elements a sweep inspects for fixed
// positioning, relative to the candidate limit.
const fixedScanFactor = 5

const (
	reportQueueSize   = 64
	batchQueueSize    = 16
	listenerStopGrace = 5 * time.Second
)

var (
	_ intercept.ScriptHost   = (*PageDriver)(nil)
	_ monitor.Page           = (*PageDriver)(nil)
	_ monitor.MutationSource = (*PageDriver)(nil)
)

// RulesSource supplies the current rules.
type RulesSource interface {
	Get() *rules.Rules
}

// Events receives what a PageDriver observes. Nil handlers are skipped;
// a nil Dialog handler accepts every dialog and a nil Popup handler keeps
// every popup.
type Events struct {
	// Gesture runs on the event goroutine for each report payload before it
	// is queued and reports whether it consumed the payload. A dialog opened
	// by the same gesture is answered after it returns. It must not call
	// into the browser.
	Gesture func(payload string) bool
	// Report gets each remaining payload the page script sent through the
	// report binding, in order, on a single goroutine.
	Report func(ctx context.Context, payload string)
	// Allow gets the notification id from a trusted click on a toast's
	// "Allow & Open" button.
	Allow func(ctx context.Context, id string)
	// Dialog answers a JavaScript dialog. The page is blocked until it returns.
	Dialog func(ctx context.Context, d intercept.Dialog) intercept.DialogResponse
	// Popup reports whether a new page opened by this page may stay open.
	Popup func(ctx context.Context, p intercept.Popup) bool
	// Navigated runs after the main frame committed a new document.
	Navigated func(ctx context.Context, url string)
}

// PageDriver connects one rod page to the guard. The page script lives in
// the page's main world; overlay measurement and removal run in an isolated
// world the page cannot reach.
type PageDriver struct {
	page    *rod.Page
	browser *rod.Browser
	rules   RulesSource
	binding string
	events  Events

	mu        sync.Mutex
	url       string
	frameID   proto.PageFrameID
	worldID   proto.RuntimeExecutionContextID
	observing bool
	batches   chan monitor.Batch

	reports   chan string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPageDriver wraps page, which must live on b. binding is the name of
// the report binding the page script calls.
func NewPageDriver(page *rod.Page, b *rod.Browser, rs RulesSource, binding string, events Events) *PageDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &PageDriver{
		page:    page,
		browser: b,
		rules:   rs,
		binding: binding,
		events:  events,
		frameID: page.FrameID,
		reports: make(chan string, reportQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the bindings and starts the event listeners. It must be
// called before the first navigation.
func (d *PageDriver) Start(ctx context.Context) error {
	page := d.page.Context(ctx)
	if err := (proto.RuntimeAddBinding{Name: d.binding}).Call(page); err != nil {
		return fmt.Errorf("failed to add report binding: %w", err)
	}
	for _, name := range []string{monitorBinding, AllowBinding} {
		if err := (proto.RuntimeAddBinding{Name: name, ExecutionContextName: monitorWorld}).Call(page); err != nil {
			return fmt.Errorf("failed to add %s binding: %w", name, err)
		}
	}

	pageEvents := d.page.Context(d.ctx).EachEvent(
		d.onBindingCalled,
		d.onDialog,
		d.onFrameNavigated,
	)
	browserEvents := d.browser.Context(d.ctx).EachEvent(d.onTargetCreated)

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		pageEvents()
	}()
	go func() {
		defer d.wg.Done()
		browserEvents()
	}()
	go func() {
		defer d.wg.Done()
		d.deliverReports()
	}()
	return nil
}

// Close stops the listeners and closes the page. It is safe to call more
// than once.
func (d *PageDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(listenerStopGrace):
			log.Warn().Msg("Timeout waiting for page listeners to stop")
		}

		d.mu.Lock()
		if d.batches != nil {
			close(d.batches)
			d.batches = nil
		}
		d.mu.Unlock()

		err = d.page.Close()
	})
	return err
}

// URL returns the URL the tab is bound to: the navigation target once a
// navigation was requested, then the committed main frame URL.
func (d *PageDriver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// SetURL binds the tab to rawURL ahead of a navigation so scripts can be
// registered for the new document before it loads.
func (d *PageDriver) SetURL(rawURL string) {
	d.mu.Lock()
	d.url = rawURL
	d.mu.Unlock()
}

// Navigate loads rawURL and waits for the load event.
func (d *PageDriver) Navigate(ctx context.Context, rawURL string) error {
	d.SetURL(rawURL)
	page := d.page.Context(ctx)
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("waiting for load failed: %w", err)
	}
	return nil
}

// Title returns the document title.
func (d *PageDriver) Title(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// HasGlobal reports whether window[name] is an own property in the page's
// main world.
func (d *PageDriver) HasGlobal(ctx context.Context, name string) (bool, error) {
	expr := fmt.Sprintf("Object.prototype.hasOwnProperty.call(window, %s)", jsLiteral(name))
	res, err := proto.RuntimeEvaluate{Expression: expr, ReturnByValue: true}.Call(d.page.Context(ctx))
	if err != nil {
		return false, err
	}
	if err := scriptError("marker check", res.ExceptionDetails); err != nil {
		return false, err
	}
	return res.Result.Value.Bool(), nil
}

// AddScript registers js for every new document and runs it once in the
// current one.
func (d *PageDriver) AddScript(ctx context.Context, js string) (func() error, error) {
	remove, err := d.page.EvalOnNewDocument(js)
	if err != nil {
		return nil, fmt.Errorf("failed to register page script: %w", err)
	}

	res, err := proto.RuntimeEvaluate{Expression: js}.Call(d.page.Context(ctx))
	if err == nil {
		err = scriptError("page", res.ExceptionDetails)
	}
	if err != nil {
		if rerr := remove(); rerr != nil {
			log.Debug().Err(rerr).Msg("Failed to unregister page script")
		}
		return nil, err
	}
	return remove, nil
}

// Post delivers msg to the page with window.postMessage.
func (d *PageDriver) Post(ctx context.Context, msg any) error {
	_, err := d.page.Context(ctx).Eval(`(m) => window.postMessage(m, '*')`, msg)
	return err
}

// Evaluate calls the function expression fn with arg in the monitor world.
// It renders the notification toast, so the toast's state and its allow
// binding stay out of the page's reach.
func (d *PageDriver) Evaluate(ctx context.Context, fn string, arg any) error {
	_, err := d.inWorld(ctx, true, func(id proto.RuntimeExecutionContextID) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		res, err := proto.RuntimeCallFunctionOn{
			FunctionDeclaration: fn,
			ExecutionContextID:  id,
			Arguments:           []*proto.RuntimeCallArgument{{Value: gson.New(arg)}},
			ReturnByValue:       true,
		}.Call(d.page.Context(ctx))
		if err != nil {
			return nil, nil, err
		}
		return res.Result, res.ExceptionDetails, nil
	})
	return err
}

// Snapshot measures every sweep candidate in the current document.
func (d *PageDriver) Snapshot(ctx context.Context) ([]classify.ElementSnapshot, error) {
	v, err := d.callWorld(ctx, "snapshot()", true)
	if err != nil {
		return nil, err
	}
	var snaps []classify.ElementSnapshot
	if err := json.Unmarshal([]byte(valueString(v)), &snaps); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snaps, nil
}

// Remove detaches the element behind handle.
func (d *PageDriver) Remove(ctx context.Context, handle string) error {
	v, err := d.callWorld(ctx, "remove("+jsLiteral(handle)+")", true)
	if err != nil {
		return err
	}
	if valueString(v) != "removed" {
		return monitor.ErrAlreadyDetached
	}
	return nil
}

// UnlockScroll restores overflow forced to hidden through the inline style
// of body or html. Elements whose class names contain marker are skipped.
func (d *PageDriver) UnlockScroll(ctx context.Context, marker string) (bool, error) {
	v, err := d.callWorld(ctx, "unlockScroll("+jsLiteral(marker)+")", true)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// Subscribe starts the mutation observer. Batches keep flowing across
// navigations until Unsubscribe.
func (d *PageDriver) Subscribe(ctx context.Context) (<-chan monitor.Batch, error) {
	d.mu.Lock()
	if d.batches == nil {
		d.batches = make(chan monitor.Batch, batchQueueSize)
	}
	ch := d.batches
	d.observing = true
	d.mu.Unlock()

	if _, err := d.callWorld(ctx, "observe()", true); err != nil {
		_ = d.Unsubscribe(ctx)
		return nil, err
	}
	return ch, nil
}

// Unsubscribe disconnects the observer and closes the batch channel.
func (d *PageDriver) Unsubscribe(ctx context.Context) error {
	d.mu.Lock()
	d.observing = false
	if d.batches != nil {
		close(d.batches)
		d.batches = nil
	}
	d.mu.Unlock()

	_, err := d.callWorld(ctx, "disconnect()", false)
	if errors.Is(err, errNoWorld) {
		return nil
	}
	return err
}

var errNoWorld = errors.New("monitor world not created")

// callWorld calls a method of the monitor object in the isolated world.
// The world is recreated once when its context is gone, which happens after
// every navigation.
func (d *PageDriver) callWorld(ctx context.Context, call string, create bool) (gson.JSON, error) {
	expr := "window." + monitorGlobal + "." + call
	return d.inWorld(ctx, create, func(id proto.RuntimeExecutionContextID) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		res, err := proto.RuntimeEvaluate{
			Expression:    expr,
			ContextID:     id,
			ReturnByValue: true,
		}.Call(d.page.Context(ctx))
		if err != nil {
			return nil, nil, err
		}
		return res.Result, res.ExceptionDetails, nil
	})
}

// inWorld runs call against the monitor world, recreating the world once
// when call fails at the protocol level.
func (d *PageDriver) inWorld(ctx context.Context, create bool,
	call func(proto.RuntimeExecutionContextID) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error),
) (gson.JSON, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id, err := d.world(ctx, create)
		if err != nil {
			return gson.JSON{}, err
		}
		res, exc, err := call(id)
		if err != nil {
			lastErr = err
			d.dropWorld(id)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := scriptError("monitor", exc); err != nil {
			return gson.JSON{}, err
		}
		if res == nil {
			return gson.JSON{}, nil
		}
		return res.Value, nil
	}
	return gson.JSON{}, lastErr
}

// world returns the monitor world of the current document, creating and
// initialising it when create is set.
func (d *PageDriver) world(ctx context.Context, create bool) (proto.RuntimeExecutionContextID, error) {
	d.mu.Lock()
	id, frame := d.worldID, d.frameID
	d.mu.Unlock()
	if id != 0 {
		return id, nil
	}
	if !create {
		return 0, errNoWorld
	}

	res, err := proto.PageCreateIsolatedWorld{
		FrameID:             frame,
		WorldName:           monitorWorld,
		GrantUniveralAccess: true,
	}.Call(d.page.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to create monitor world: %w", err)
	}

	js, err := renderWorld(d.rules.Get())
	if err != nil {
		return 0, err
	}
	eval, err := proto.RuntimeEvaluate{Expression: js, ContextID: res.ExecutionContextID}.Call(d.page.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to initialise monitor world: %w", err)
	}
	if err := scriptError("monitor world", eval.ExceptionDetails); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frameID == frame {
		d.worldID = res.ExecutionContextID
	}
	return res.ExecutionContextID, nil
}

func (d *PageDriver) dropWorld(id proto.RuntimeExecutionContextID) {
	d.mu.Lock()
	if d.worldID == id {
		d.worldID = 0
	}
	d.mu.Unlock()
}

// worldConfig is the object literal handed to the world script.
type worldConfig struct {
	Global        string   `json:"global"`
	Binding       string   `json:"binding"`
	Marker        string   `json:"marker"`
	Selectors     []string `json:"selectors"`
	MaxCandidates int      `json:"maxCandidates"`
	MaxScan       int      `json:"maxScan"`
}

func renderWorld(r *rules.Rules) (string, error) {
	selectors := r.SweepSelectors
	if selectors == nil {
		selectors = []string{}
	}
	payload, err := json.Marshal(worldConfig{
		Global:        monitorGlobal,
		Binding:       monitorBinding,
		Marker:        r.Marker,
		Selectors:     selectors,
		MaxCandidates: r.MaxSweepCandidates,
		MaxScan:       fixedScanFactor * r.MaxSweepCandidates,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode world config: %w", err)
	}

	var buf bytes.Buffer
	if err := worldTemplate.Execute(&buf, struct{ Config string }{string(payload)}); err != nil {
		return "", fmt.Errorf("failed to render world script: %w", err)
	}
	return buf.String(), nil
}

// batchPayload is the wire form of a mutation batch.
type batchPayload struct {
	Added   []classify.ElementSnapshot `json:"added"`
	Changed []classify.ElementSnapshot `json:"changed"`
	Volume  int                        `json:"volume"`
}

func (d *PageDriver) onBindingCalled(e *proto.RuntimeBindingCalled) {
	switch e.Name {
	case d.binding:
		if d.events.Gesture != nil && d.events.Gesture(e.Payload) {
			return
		}
		select {
		case d.reports <- e.Payload:
		default:
			log.Warn().Msg("Report queue full, dropping page report")
		}

	case monitorBinding:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.batches == nil || e.ExecutionContextID != d.worldID {
			return
		}
		var p batchPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			log.Debug().Err(err).Msg("Dropping undecodable mutation batch")
			return
		}
		select {
		case d.batches <- monitor.Batch{Added: p.Added, Changed: p.Changed, Volume: p.Volume}:
		default:
			// The interval sweep catches whatever this batch held.
			log.Debug().Int("volume", p.Volume).Msg("Mutation queue full, dropping batch")
		}

	case AllowBinding:
		d.mu.Lock()
		trusted := d.worldID != 0 && e.ExecutionContextID == d.worldID
		d.mu.Unlock()
		if !trusted || d.events.Allow == nil || d.ctx.Err() != nil {
			log.Debug().Int("context", int(e.ExecutionContextID)).Msg("Dropping allow from outside the monitor world")
			return
		}
		// Opening the popup needs the event loop.
		id := e.Payload
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.events.Allow(d.ctx, id)
		}()
	}
}

func (d *PageDriver) deliverReports() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case payload := <-d.reports:
			if d.events.Report != nil {
				d.events.Report(d.ctx, payload)
			}
		}
	}
}

func (d *PageDriver) onDialog(e *proto.PageJavascriptDialogOpening) {
	dialog := intercept.Dialog{
		Type:          string(e.Type),
		Message:       e.Message,
		DefaultPrompt: e.DefaultPrompt,
		URL:           e.URL,
	}

	resp := intercept.StaticResponder{Accept: true}.Respond(dialog)
	if d.events.Dialog != nil {
		resp = d.events.Dialog(d.ctx, dialog)
	}

	err := proto.PageHandleJavaScriptDialog{
		Accept:     resp.Accept,
		PromptText: resp.PromptText,
	}.Call(d.page)
	if err != nil {
		log.Warn().Err(err).Str("kind", dialog.Type).Msg("Failed to answer dialog")
	}
}

func (d *PageDriver) onTargetCreated(e *proto.TargetTargetCreated) {
	info := e.TargetInfo
	if info == nil || info.OpenerID != d.page.TargetID || info.Type != proto.TargetTargetInfoTypePage {
		return
	}

	popup := intercept.Popup{
		TargetID: string(info.TargetID),
		OpenerID: string(info.OpenerID),
		URL:      info.URL,
	}
	if d.events.Popup == nil || d.events.Popup(d.ctx, popup) {
		return
	}

	if _, err := (proto.TargetCloseTarget{TargetID: info.TargetID}).Call(d.browser); err != nil {
		log.Warn().Err(err).Str("target_id", popup.TargetID).Msg("Failed to close popup")
	}
}

func (d *PageDriver) onFrameNavigated(e *proto.PageFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}

	d.mu.Lock()
	d.url = e.Frame.URL
	d.frameID = e.Frame.ID
	d.worldID = 0
	observing := d.observing
	d.mu.Unlock()

	// Answering a dialog needs this goroutine, so page calls run elsewhere.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if observing {
			if _, err := d.callWorld(d.ctx, "observe()", true); err != nil {
				log.Debug().Err(err).Msg("Failed to reattach mutation observer")
			}
		}
		if d.events.Navigated != nil {
			d.events.Navigated(d.ctx, e.Frame.URL)
		}
	}()
}

func jsLiteral(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func valueString(v gson.JSON) string {
	if v.Nil() {
		return ""
	}
	return v.Str()
}
