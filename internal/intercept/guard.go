package intercept

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/counter"
)

// Browser dialog types that are not user-facing dialogs of the page API.
const dialogBeforeUnload = "beforeunload"

// GestureSource reports the time since the last user gesture.
type GestureSource interface {
	TimeSinceLastGesture() time.Duration
}

// Recorder receives every suppression the Guard performs.
type Recorder interface {
	Record(ctx context.Context, kind, url string)
}

// Dialog is a JavaScript dialog about to open in the browser.
type Dialog struct {
	Type          string
	Message       string
	DefaultPrompt string
	URL           string
}

// DialogResponse answers a Dialog.
type DialogResponse struct {
	Accept     bool
	PromptText string
}

// DialogResponder answers dialogs the Guard lets through, standing in for
// the user of a headless browser.
type DialogResponder interface {
	Respond(d Dialog) DialogResponse
}

// StaticResponder accepts or dismisses every allowed dialog. Accepted
// prompts are answered with their default text.
type StaticResponder struct {
	Accept bool
}

// Respond implements DialogResponder.
func (s StaticResponder) Respond(d Dialog) DialogResponse {
	if !s.Accept {
		return DialogResponse{}
	}
	return DialogResponse{Accept: true, PromptText: d.DefaultPrompt}
}

// Popup is a new page target opened by the guarded page.
type Popup struct {
	TargetID string
	OpenerID string
	URL      string
}

// Guard applies the gesture policy to browser-level dialog and popup events.
// It catches what the page script cannot see, such as frames the script did
// not reach and synthetic anchor clicks.
type Guard struct {
	policy    Policy
	gestures  GestureSource
	responder DialogResponder
	recorder  Recorder
}

// NewGuard creates a Guard.
func NewGuard(policy Policy, gestures GestureSource, responder DialogResponder, recorder Recorder) *Guard {
	if responder == nil {
		responder = StaticResponder{Accept: true}
	}
	return &Guard{
		policy:    policy,
		gestures:  gestures,
		responder: responder,
		recorder:  recorder,
	}
}

// HandleDialog decides how a browser dialog is answered. Dialogs without a
// recent gesture are dismissed and recorded; a dismissed confirm yields
// false and a dismissed prompt yields null, matching the page script.
func (g *Guard) HandleDialog(ctx context.Context, d Dialog) DialogResponse {
	if d.Type == dialogBeforeUnload {
		// Never let a page trap the user on navigation.
		return DialogResponse{Accept: true}
	}

	since := g.gestures.TimeSinceLastGesture()
	if g.policy.AllowDialog(d.Type, since) {
		return g.responder.Respond(d)
	}

	log.Debug().
		Str("kind", d.Type).
		Str("url", d.URL).
		Dur("since_gesture", since).
		Msg("Suppressed browser dialog")
	g.recorder.Record(ctx, d.Type, "")
	return DialogResponse{}
}

// HandlePopup reports whether a popup target may stay open. Popups opened
// without a gesture inside the open window are recorded and must be closed
// by the caller.
func (g *Guard) HandlePopup(ctx context.Context, p Popup) bool {
	since := g.gestures.TimeSinceLastGesture()
	if since < g.policy.OpenGestureWindow {
		return true
	}

	log.Debug().
		Str("target_id", p.TargetID).
		Str("url", p.URL).
		Dur("since_gesture", since).
		Msg("Closing popup opened without a gesture")
	g.recorder.Record(ctx, counter.KindPopup, p.URL)
	return false
}
