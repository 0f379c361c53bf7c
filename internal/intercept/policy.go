// Package intercept installs and removes the page-context interceptor that
// gates window.open, the modal dialogs and hijacked anchor clicks.
package intercept

import (
	"net/url"
	"strings"
	"time"
)

// Default gesture windows.
const (
	DefaultOpenGestureWindow   = 1000 * time.Millisecond
	DefaultDialogGestureWindow = 500 * time.Millisecond
)

// Dialog kinds as reported by the page script and the browser.
const (
	DialogAlert   = "alert"
	DialogConfirm = "confirm"
	DialogPrompt  = "prompt"
)

// DialogResult is the value a suppressed dialog call returns to the page.
type DialogResult int

const (
	// ResultUndefined is returned by a suppressed alert.
	ResultUndefined DialogResult = iota
	// ResultFalse is returned by a suppressed confirm.
	ResultFalse
	// ResultNull is returned by a suppressed prompt.
	ResultNull
)

// JS returns the JavaScript literal for the result.
func (r DialogResult) JS() string {
	switch r {
	case ResultFalse:
		return "false"
	case ResultNull:
		return "null"
	default:
		return "undefined"
	}
}

// Policy decides whether a script-initiated primitive call is user initiated.
type Policy struct {
	OpenGestureWindow   time.Duration
	DialogGestureWindow time.Duration
}

// DefaultPolicy returns the policy with the standard gesture windows.
func DefaultPolicy() Policy {
	return Policy{
		OpenGestureWindow:   DefaultOpenGestureWindow,
		DialogGestureWindow: DefaultDialogGestureWindow,
	}
}

// AllowOpen reports whether window.open may proceed. The call must come
// within the open window of a gesture and its target must resolve to the
// current page's hostname. Relative targets are resolved against current.
func (p Policy) AllowOpen(sinceGesture time.Duration, target, current *url.URL) bool {
	if sinceGesture >= p.OpenGestureWindow {
		return false
	}
	if target == nil || current == nil {
		return false
	}
	resolved := current.ResolveReference(target)
	host := resolved.Hostname()
	if host == "" {
		return false
	}
	return strings.EqualFold(host, current.Hostname())
}

// AllowOpenRaw is AllowOpen for unparsed URLs. Unparsable input is denied.
func (p Policy) AllowOpenRaw(sinceGesture time.Duration, target, current string) bool {
	if strings.TrimSpace(target) == "" {
		return false
	}
	t, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return false
	}
	c, err := url.Parse(current)
	if err != nil {
		return false
	}
	return p.AllowOpen(sinceGesture, t, c)
}

// AllowDialog reports whether a dialog of kind may be shown.
func (p Policy) AllowDialog(kind string, sinceGesture time.Duration) bool {
	switch kind {
	case DialogAlert, DialogConfirm, DialogPrompt:
		return sinceGesture < p.DialogGestureWindow
	default:
		return false
	}
}

// SuppressedResult returns what a suppressed dialog of kind yields.
func SuppressedResult(kind string) DialogResult {
	switch kind {
	case DialogConfirm:
		return ResultFalse
	case DialogPrompt:
		return ResultNull
	default:
		return ResultUndefined
	}
}
