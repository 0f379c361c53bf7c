// Package counter keeps the durable per-domain suppression count.
package counter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Suppression kinds.
const (
	KindOpen    = "open"
	KindAlert   = "alert"
	KindConfirm = "confirm"
	KindPrompt  = "prompt"
	KindClick   = "click"
	KindPopup   = "popup" // popup target closed at the browser level
	KindOverlay = "overlay"
)

// ValidKind reports whether kind is one of the suppression kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindOpen, KindAlert, KindConfirm, KindPrompt, KindClick, KindPopup, KindOverlay:
		return true
	}
	return false
}

// Store is the durable half of the counter. *storage.Store satisfies it.
type Store interface {
	IncrementSuppression(ctx context.Context, domain string) (int64, error)
	Suppressions(ctx context.Context, domain string) (int64, error)
}

// Counter increments the durable count for a domain and mirrors each
// suppression into the in-process breakdown and metrics.
type Counter struct {
	store Store
	stats *stats.Manager
}

// New creates a Counter. st may be nil to skip the in-process breakdown.
func New(store Store, st *stats.Manager) *Counter {
	return &Counter{store: store, stats: st}
}

// Increment records one suppression of kind on domain and returns the new
// durable total. Each call is a single storage transaction, so concurrent
// callers never lose updates. Storage errors are returned, not retried.
func (c *Counter) Increment(ctx context.Context, domain, kind string) (int64, error) {
	return c.increment(ctx, domain, kind, "")
}

// RecordOverlay records the removal of an overlay matched by rule.
func (c *Counter) RecordOverlay(ctx context.Context, domain, rule string) (int64, error) {
	metrics.RecordOverlayRemoved(rule)
	return c.increment(ctx, domain, KindOverlay, rule)
}

func (c *Counter) increment(ctx context.Context, domain, kind, rule string) (int64, error) {
	key := stats.NormalizeDomain(domain)
	if key == "" {
		return 0, fmt.Errorf("%w: %q", types.ErrInvalidDomain, domain)
	}

	n, err := c.store.IncrementSuppression(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("domain", key).Str("kind", kind).Msg("Failed to persist suppression")
		return 0, err
	}

	metrics.RecordSuppression(kind)
	if c.stats != nil {
		c.stats.RecordSuppression(key, kind, rule)
	}

	log.Debug().
		Str("domain", key).
		Str("kind", kind).
		Int64("count", n).
		Msg("Suppression recorded")
	return n, nil
}

// Read returns the durable total for domain, 0 if none was recorded.
func (c *Counter) Read(ctx context.Context, domain string) (int64, error) {
	key := stats.NormalizeDomain(domain)
	if key == "" {
		return 0, nil
	}
	return c.store.Suppressions(ctx, key)
}

// Breakdown returns the per-kind counts recorded by this process.
func (c *Counter) Breakdown(domain string) stats.DomainStatsJSON {
	if c.stats == nil {
		return stats.DomainStatsJSON{}
	}
	return c.stats.Snapshot(stats.NormalizeDomain(domain))
}
