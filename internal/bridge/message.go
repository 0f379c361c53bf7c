// Package bridge carries suppression reports between the page context and
// the Go process and keeps the per-tab notification list.
package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Rorqualx/popguard-go/internal/counter"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Bridge events.
const (
	EventBlocked = "blocked"
	EventGesture = "gesture"
	// EventDisable only travels from the Go process to the page.
	EventDisable = "disable"
)

// maxPayloadSize bounds inbound binding payloads.
const maxPayloadSize = 8 * 1024

// Message is the envelope exchanged with the page.
type Message struct {
	Source string `json:"source"`
	Token  string `json:"token"`
	Event  string `json:"event"`
	Kind   string `json:"kind,omitempty"`
	URL    string `json:"url,omitempty"`
}

// NewToken returns a fresh random token for a tab.
func NewToken() string {
	return uuid.NewString()
}

// Decode parses an inbound payload and validates it against the expected
// source tag and token. Outbound-only events are rejected, and so are
// overrides: those only arrive from the toast's isolated world.
func Decode(payload, sourceTag, token string) (Message, error) {
	if len(payload) == 0 || len(payload) > maxPayloadSize {
		return Message{}, fmt.Errorf("%w: payload size %d", types.ErrInvalidMessage, len(payload))
	}

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", types.ErrInvalidMessage, err)
	}

	if msg.Source != sourceTag ||
		subtle.ConstantTimeCompare([]byte(msg.Token), []byte(token)) != 1 {
		return Message{}, types.ErrUntrustedMessage
	}

	switch msg.Event {
	case EventGesture:
	case EventBlocked:
		if !pageKind(msg.Kind) {
			return Message{}, fmt.Errorf("%w: unknown kind %q", types.ErrInvalidMessage, msg.Kind)
		}
	default:
		return Message{}, fmt.Errorf("%w: unexpected event %q", types.ErrInvalidMessage, msg.Event)
	}
	return msg, nil
}

// pageKind reports whether the page script may report kind. Overlay and
// popup suppressions only originate in the Go process.
func pageKind(kind string) bool {
	switch kind {
	case counter.KindOpen, counter.KindAlert, counter.KindConfirm, counter.KindPrompt, counter.KindClick:
		return true
	}
	return false
}
