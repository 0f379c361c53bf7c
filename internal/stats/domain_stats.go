// Package stats tracks per-domain suppression activity for the running process.
package stats

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
)

// maxDomains is the maximum number of domains to track before LRU eviction.
const maxDomains = 10000

// evictionBatchSize is the number of domains to evict at once to reduce eviction overhead.
const evictionBatchSize = 100

// Maximum counter value to prevent overflow.
const maxCounterValue int64 = 1 << 62

// DomainStats tracks suppressions for a single domain in this process.
// The durable total lives in storage; these figures reset on restart.
type DomainStats struct {
	mu sync.RWMutex

	Total           int64
	ByKind          map[string]int64
	OverlaysByRule  map[string]int64
	FirstSeen       time.Time
	LastSuppression time.Time
	LastAccess      time.Time // For LRU eviction
}

// DomainStatsJSON is the serializable view of DomainStats.
type DomainStatsJSON struct {
	Total           int64            `json:"total"`
	ByKind          map[string]int64 `json:"byKind,omitempty"`
	OverlaysByRule  map[string]int64 `json:"overlaysByRule,omitempty"`
	FirstSeen       time.Time        `json:"firstSeen"`
	LastSuppression time.Time        `json:"lastSuppression,omitempty"`
}

// ToJSON returns a copy safe to serialize.
func (s *DomainStats) ToJSON() DomainStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := DomainStatsJSON{
		Total:           s.Total,
		FirstSeen:       s.FirstSeen,
		LastSuppression: s.LastSuppression,
	}
	if len(s.ByKind) > 0 {
		out.ByKind = make(map[string]int64, len(s.ByKind))
		for k, v := range s.ByKind {
			out.ByKind[k] = v
		}
	}
	if len(s.OverlaysByRule) > 0 {
		out.OverlaysByRule = make(map[string]int64, len(s.OverlaysByRule))
		for k, v := range s.OverlaysByRule {
			out.OverlaysByRule[k] = v
		}
	}
	return out
}

// Manager manages statistics for all domains.
type Manager struct {
	mu      sync.RWMutex
	domains map[string]*DomainStats

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a new domain stats manager and starts its cleanup routine.
func NewManager() *Manager {
	m := &Manager{
		domains: make(map[string]*DomainStats),
		stopCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupRoutine()

	return m
}

// cleanupRoutine periodically removes stale domain stats entries.
func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(6 * time.Hour)
		case <-m.stopCh:
			return
		}
	}
}

// cleanupStale removes domain stats that haven't been accessed recently.
func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int

	for domain, stats := range m.domains {
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(m.domains, domain)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.domains)).
			Msg("Cleaned up stale domain stats")
	}
}

// Close stops the background cleanup routine. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// ExtractDomain returns the normalized hostname of rawURL, or "" if it has none.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return NormalizeDomain(parsed.Hostname())
}

// NormalizeDomain lower-cases host, strips a trailing dot and converts
// internationalized names to their ASCII form so "Bücher.example" and
// "xn--bcher-kva.example" share one counter.
func NormalizeDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// IP literals and odd-but-valid hosts fail strict lookup rules
		return host
	}
	return ascii
}

// getOrCreate returns the stats for a domain, creating if needed.
// Implements LRU eviction when the domain count exceeds maxDomains.
func (m *Manager) getOrCreate(domain string) *DomainStats {
	m.mu.Lock()

	stats, exists := m.domains[domain]
	if !exists {
		if len(m.domains) >= maxDomains {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		now := time.Now()
		stats = &DomainStats{
			ByKind:         make(map[string]int64),
			OverlaysByRule: make(map[string]int64),
			FirstSeen:      now,
			LastAccess:     now,
		}
		m.domains[domain] = stats
		m.mu.Unlock()
		return stats
	}

	// Release manager lock before acquiring stats lock to prevent nested lock
	m.mu.Unlock()

	stats.mu.Lock()
	stats.LastAccess = time.Now()
	stats.mu.Unlock()

	return stats
}

// evictOldestBatchLocked removes the N least recently accessed domains.
// Must be called with m.mu held.
func (m *Manager) evictOldestBatchLocked(count int) {
	if count <= 0 || len(m.domains) == 0 {
		return
	}
	if len(m.domains) <= count {
		for domain := range m.domains {
			delete(m.domains, domain)
		}
		return
	}

	type domainTime struct {
		domain     string
		lastAccess time.Time
	}
	candidates := make([]domainTime, 0, len(m.domains))
	for domain, stats := range m.domains {
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()
		candidates = append(candidates, domainTime{domain, lastAccess})
	}

	for i := 0; i < count && i < len(candidates); i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[minIdx].lastAccess) {
				minIdx = j
			}
		}
		if minIdx != i {
			candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
		}
		delete(m.domains, candidates[i].domain)
	}
}

// Get returns the stats for a domain (nil if not tracked).
func (m *Manager) Get(domain string) *DomainStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domains[domain]
}

// RecordSuppression counts one suppression of kind for domain.
// rule is the overlay rule name for overlay removals and empty otherwise.
func (m *Manager) RecordSuppression(domain, kind, rule string) {
	if domain == "" {
		return
	}

	stats := m.getOrCreate(domain)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.Total < maxCounterValue {
		stats.Total++
	}
	if stats.ByKind[kind] < maxCounterValue {
		stats.ByKind[kind]++
	}
	if rule != "" && stats.OverlaysByRule[rule] < maxCounterValue {
		stats.OverlaysByRule[rule]++
	}
	stats.LastSuppression = time.Now()
}

// Snapshot returns the serializable stats for domain, zero-valued if untracked.
func (m *Manager) Snapshot(domain string) DomainStatsJSON {
	stats := m.Get(domain)
	if stats == nil {
		return DomainStatsJSON{}
	}
	return stats.ToJSON()
}
