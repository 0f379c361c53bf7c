package intercept

import (
	"net/url"
	"testing"
	"time"

	"github.com/Rorqualx/popguard-go/internal/gesture"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestPolicyAllowOpen(t *testing.T) {
	p := DefaultPolicy()
	current := "https://news.example/articles/1"

	tests := []struct {
		name   string
		since  time.Duration
		target string
		want   bool
	}{
		{"same host right after gesture", 10 * time.Millisecond, "https://news.example/share", true},
		{"relative path", 10 * time.Millisecond, "/share?id=3", true},
		{"host differs only in case", 10 * time.Millisecond, "https://NEWS.example/x", true},
		{"other port same host", 10 * time.Millisecond, "https://news.example:8443/x", true},
		{"just inside window", 999 * time.Millisecond, "/x", true},
		{"at window boundary", 1000 * time.Millisecond, "/x", false},
		{"stale gesture", 2000 * time.Millisecond, "https://news.example/x", false},
		{"cross host with gesture", 10 * time.Millisecond, "https://attacker.example/", false},
		{"subdomain is a different host", 10 * time.Millisecond, "https://ads.news.example/", false},
		{"no gesture ever", gesture.Never, "https://news.example/x", false},
		{"protocol relative cross host", 10 * time.Millisecond, "//attacker.example/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.AllowOpen(tt.since, mustParse(t, tt.target), mustParse(t, current))
			if got != tt.want {
				t.Errorf("AllowOpen(%v, %q) = %v, want %v", tt.since, tt.target, got, tt.want)
			}
		})
	}
}

func TestPolicyAllowOpenNilURLs(t *testing.T) {
	p := DefaultPolicy()
	if p.AllowOpen(0, nil, mustParse(t, "https://a.example")) {
		t.Error("nil target should be denied")
	}
	if p.AllowOpen(0, mustParse(t, "https://a.example"), nil) {
		t.Error("nil current should be denied")
	}
}

func TestPolicyAllowOpenRaw(t *testing.T) {
	p := DefaultPolicy()
	current := "https://shop.example/cart"

	if !p.AllowOpenRaw(50*time.Millisecond, "https://shop.example/help", current) {
		t.Error("same-host open after gesture should be allowed")
	}
	if p.AllowOpenRaw(50*time.Millisecond, "", current) {
		t.Error("empty target should be denied")
	}
	if p.AllowOpenRaw(50*time.Millisecond, "http://[::1", current) {
		t.Error("unparsable target should be denied")
	}
}

// A user-initiated same-host open is never suppressed, whatever the path.
func TestPolicySameHostAllowedPathNeverSuppressed(t *testing.T) {
	p := DefaultPolicy()
	current := mustParse(t, "https://app.example/dashboard")
	targets := []string{"/", "/a/b/c", "?q=1", "#frag", "https://app.example/", "https://app.example:444/x", "page2.html"}

	for since := time.Duration(0); since < p.OpenGestureWindow; since += 37 * time.Millisecond {
		for _, target := range targets {
			if !p.AllowOpen(since, mustParse(t, target), current) {
				t.Fatalf("AllowOpen(%v, %q) suppressed a user-initiated same-host open", since, target)
			}
		}
	}
}

func TestPolicyAllowDialog(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		kind  string
		since time.Duration
		want  bool
	}{
		{DialogAlert, 100 * time.Millisecond, true},
		{DialogConfirm, 499 * time.Millisecond, true},
		{DialogPrompt, 500 * time.Millisecond, false},
		{DialogAlert, 800 * time.Millisecond, false},
		{"beforeunload", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		if got := p.AllowDialog(tt.kind, tt.since); got != tt.want {
			t.Errorf("AllowDialog(%q, %v) = %v, want %v", tt.kind, tt.since, got, tt.want)
		}
	}
}

func TestSuppressedResult(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{DialogAlert, "undefined"},
		{DialogConfirm, "false"},
		{DialogPrompt, "null"},
		{"unknown", "undefined"},
	}
	for _, tt := range tests {
		if got := SuppressedResult(tt.kind).JS(); got != tt.want {
			t.Errorf("SuppressedResult(%q) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}
