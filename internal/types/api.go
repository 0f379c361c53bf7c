package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request validation limits.
const (
	MaxCmdLength            = 64
	MaxURLLength            = 8192
	MaxTabIDLength          = 128
	MaxDomainLength         = 253
	MaxNotificationIDLength = 64
)

// Commands supported by the API.
const (
	CmdTabsOpen          = "tabs.open"
	CmdTabsNavigate      = "tabs.navigate"
	CmdTabsClose         = "tabs.close"
	CmdTabsList          = "tabs.list"
	CmdGuardEnable       = "guard.enable"
	CmdGuardDisable      = "guard.disable"
	CmdGuardState        = "guard.state"
	CmdWhitelistAdd      = "whitelist.add"
	CmdWhitelistRemove   = "whitelist.remove"
	CmdWhitelistList     = "whitelist.list"
	CmdNotificationsList = "notifications.list"
	CmdPopupAllow        = "popup.allow"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents an incoming API request.
type Request struct {
	Cmd          string `json:"cmd"`
	URL          string `json:"url,omitempty"`
	Tab          string `json:"tab,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Notification string `json:"notification,omitempty"`
}

// requiresTab reports whether cmd operates on an existing tab.
func requiresTab(cmd string) bool {
	switch cmd {
	case CmdTabsNavigate, CmdTabsClose, CmdGuardEnable, CmdGuardDisable,
		CmdGuardState, CmdNotificationsList, CmdPopupAllow:
		return true
	}
	return false
}

// Validate validates the request and returns an error if invalid.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}

	switch r.Cmd {
	case CmdTabsOpen, CmdTabsNavigate, CmdTabsClose, CmdTabsList,
		CmdGuardEnable, CmdGuardDisable, CmdGuardState,
		CmdWhitelistAdd, CmdWhitelistRemove, CmdWhitelistList,
		CmdNotificationsList, CmdPopupAllow:
	default:
		// %q prevents log injection through the echoed command
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
		}
	}
	if (r.Cmd == CmdTabsOpen || r.Cmd == CmdTabsNavigate) && r.URL == "" {
		return ErrURLRequired
	}

	if len(r.Tab) > MaxTabIDLength {
		return fmt.Errorf("tab exceeds maximum length of %d", MaxTabIDLength)
	}
	if requiresTab(r.Cmd) && r.Tab == "" {
		return fmt.Errorf("tab is required for %s", r.Cmd)
	}

	if len(r.Domain) > MaxDomainLength {
		return fmt.Errorf("domain exceeds maximum length of %d", MaxDomainLength)
	}
	if (r.Cmd == CmdWhitelistAdd || r.Cmd == CmdWhitelistRemove) && r.Domain == "" && r.URL == "" {
		return fmt.Errorf("domain or url is required for %s", r.Cmd)
	}

	if len(r.Notification) > MaxNotificationIDLength {
		return fmt.Errorf("notification exceeds maximum length of %d", MaxNotificationIDLength)
	}
	if r.Cmd == CmdPopupAllow && r.Notification == "" {
		return fmt.Errorf("notification is required for %s", r.Cmd)
	}

	return nil
}

// Response represents an API response.
type Response struct {
	Status        string           `json:"status"`
	Message       string           `json:"message"`
	StartTime     int64            `json:"startTimestamp"`
	EndTime       int64            `json:"endTimestamp"`
	Version       string           `json:"version"`
	Tab           *TabInfo         `json:"tab,omitempty"`
	Tabs          []TabInfo        `json:"tabs,omitempty"`
	Guard         *GuardState      `json:"guard,omitempty"`
	Whitelist     []WhitelistEntry `json:"whitelist,omitempty"`
	Notifications []Notification   `json:"notifications,omitempty"`
}

// TabInfo describes a guarded browser tab.
type TabInfo struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Guard     string    `json:"guard"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// GuardState is the sniff-state answer for one tab: lifecycle state plus
// the suppression count for the tab's current domain.
type GuardState struct {
	TabID       string           `json:"tab"`
	Domain      string           `json:"domain"`
	State       string           `json:"state"`
	Enabled     bool             `json:"enabled"`
	Whitelisted bool             `json:"whitelisted"`
	Injectable  bool             `json:"injectable"`
	Suppressed  int64            `json:"suppressed"`
	ByKind      map[string]int64 `json:"byKind,omitempty"`
}

// WhitelistEntry is a domain exempted from suppression.
type WhitelistEntry struct {
	Domain  string    `json:"domain"`
	AddedAt time.Time `json:"addedAt"`
}

// Notification is a user-facing record of one intercepted primitive.
type Notification struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
	Allowed bool      `json:"allowed"`
}
