// Package whitelist manages the set of domains exempt from suppression.
package whitelist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/types"
)

// Store is the durable backing set. *storage.Store satisfies it.
type Store interface {
	AddWhitelist(ctx context.Context, domain string, at time.Time) (bool, error)
	RemoveWhitelist(ctx context.Context, domain string) (bool, error)
	Whitelisted(ctx context.Context, domain string) (bool, error)
	Whitelist(ctx context.Context) ([]types.WhitelistEntry, error)
}

// Whitelist is a set of domains keyed by normalized hostname.
type Whitelist struct {
	store Store
	now   func() time.Time
}

// New creates a Whitelist over store.
func New(store Store) *Whitelist {
	return &Whitelist{store: store, now: time.Now}
}

func normalize(domain string) (string, error) {
	key := stats.NormalizeDomain(domain)
	if key == "" {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidDomain, domain)
	}
	return key, nil
}

// Add inserts domain. Adding a present domain returns ErrAlreadyWhitelisted
// and leaves the original entry untouched.
func (w *Whitelist) Add(ctx context.Context, domain string) (types.WhitelistEntry, error) {
	key, err := normalize(domain)
	if err != nil {
		return types.WhitelistEntry{}, err
	}
	entry := types.WhitelistEntry{Domain: key, AddedAt: w.now().UTC()}

	added, err := w.store.AddWhitelist(ctx, key, entry.AddedAt)
	if err != nil {
		return types.WhitelistEntry{}, err
	}
	if !added {
		return types.WhitelistEntry{}, types.ErrAlreadyWhitelisted
	}

	log.Info().Str("domain", key).Msg("Domain whitelisted")
	return entry, nil
}

// Remove deletes domain, returning ErrNotWhitelisted if it was absent.
func (w *Whitelist) Remove(ctx context.Context, domain string) error {
	key, err := normalize(domain)
	if err != nil {
		return err
	}
	removed, err := w.store.RemoveWhitelist(ctx, key)
	if err != nil {
		return err
	}
	if !removed {
		return types.ErrNotWhitelisted
	}
	log.Info().Str("domain", key).Msg("Domain removed from whitelist")
	return nil
}

// Contains reports whether domain is whitelisted.
func (w *Whitelist) Contains(ctx context.Context, domain string) (bool, error) {
	key := stats.NormalizeDomain(domain)
	if key == "" {
		return false, nil
	}
	return w.store.Whitelisted(ctx, key)
}

// List returns every entry.
func (w *Whitelist) List(ctx context.Context) ([]types.WhitelistEntry, error) {
	return w.store.Whitelist(ctx)
}
