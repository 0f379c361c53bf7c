// Package browser provides browser instance pooling and page-level
// plumbing for guarded tabs.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/popguard-go/internal/config"
	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/types"
)

const (
	healthCheckInterval = 1 * time.Minute
	maxBrowserAge       = 30 * time.Minute
	closeTimeout        = 10 * time.Second
)

// Pool keeps a fixed number of browser processes. Tabs are long lived, so
// browsers are shared: each new tab is placed on the browser hosting the
// fewest tabs.
type Pool struct {
	config *config.Config

	mu       sync.Mutex
	browsers []*browserEntry
	closed   atomic.Bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closeWg sync.WaitGroup

	leakedGoroutines atomic.Int32
	stats            poolStats
}

// browserEntry tracks a browser and the tabs placed on it.
type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	tabs      int
}

type poolStats struct {
	Placed   atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// NewPool launches cfg.BrowserPoolSize browsers in parallel and starts the
// health check routine.
func NewPool(cfg *config.Config) (*Pool, error) {
	p := &Pool{
		config: cfg,
		stopCh: make(chan struct{}),
	}

	log.Info().
		Int("size", cfg.BrowserPoolSize).
		Bool("headless", cfg.Headless).
		Msg("Initializing browser pool")

	spawned := make([]*rod.Browser, cfg.BrowserPoolSize)
	eg, ctx := errgroup.WithContext(context.Background())
	eg.SetLimit(4)
	for i := range spawned {
		eg.Go(func() error {
			b, err := p.spawnBrowser(ctx)
			if err != nil {
				return fmt.Errorf("browser %d: %w", i, err)
			}
			spawned[i] = b
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, b := range spawned {
			if b != nil {
				_ = b.Close()
			}
		}
		return nil, err
	}

	now := time.Now()
	for _, b := range spawned {
		p.browsers = append(p.browsers, &browserEntry{browser: b, createdAt: now})
	}
	metrics.UpdatePoolMetrics(len(p.browsers))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthCheckRoutine()
	}()

	log.Info().Int("size", len(p.browsers)).Msg("Browser pool initialized")
	return p, nil
}

// createLauncher builds the launcher for one browser process.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.config.BrowserPath != "" {
		l = l.Bin(p.config.BrowserPath)
	}

	if p.config.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default.
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Pages must not be able to tell the guard is driving the browser.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI")

	// Chromium's own popup blocker would hide window.open calls from the
	// guard, which has to see and count them.
	l = l.Set("disable-popup-blocking")

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// spawnBrowser launches and connects a new browser. Launchers can only
// launch once, so each call builds a fresh one.
func (p *Pool) spawnBrowser(ctx context.Context) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug().Msg("Spawning new browser instance")

	url, err := p.createLauncher().Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	// Popup targets are reported through Target.targetCreated.
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser spawned successfully")
	return b, nil
}

// Place picks the browser that hosts the fewest tabs and counts a new tab
// on it. Every successful Place must be paired with Release.
func (p *Pool) Place(ctx context.Context) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	entry := leastLoaded(p.browsers)
	if entry == nil {
		p.stats.Errors.Add(1)
		return nil, types.ErrBrowserUnhealthy
	}
	entry.tabs++
	p.stats.Placed.Add(1)
	return entry.browser, nil
}

// Release removes one tab from b's count. Releasing a browser the pool no
// longer tracks is a no-op.
func (p *Pool) Release(b *rod.Browser) {
	if b == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.browsers {
		if entry.browser == b && entry.tabs > 0 {
			entry.tabs--
			p.stats.Released.Add(1)
			return
		}
	}
}

// leastLoaded returns the entry with the fewest tabs, preferring the
// earliest on ties. It returns nil for an empty slice.
func leastLoaded(entries []*browserEntry) *browserEntry {
	var best *browserEntry
	for _, e := range entries {
		if best == nil || e.tabs < best.tabs {
			best = e
		}
	}
	return best
}

// isHealthy opens and closes a blank page on the browser.
func (p *Pool) isHealthy(b *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot navigate")
		return false
	}
	return true
}

// recycleBrowser replaces an idle browser with a fresh process. A browser
// that gained tabs since it was selected is left alone.
func (p *Pool) recycleBrowser(old *rod.Browser) {
	if p.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fresh, err := p.spawnBrowser(ctx)
	if err != nil {
		p.stats.Errors.Add(1)
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		return
	}

	p.mu.Lock()
	replaced := false
	if !p.closed.Load() {
		for i, entry := range p.browsers {
			if entry.browser == old && entry.tabs == 0 {
				p.browsers[i] = &browserEntry{browser: fresh, createdAt: time.Now()}
				replaced = true
				break
			}
		}
	}
	p.mu.Unlock()

	if !replaced {
		_ = fresh.Close()
		return
	}

	p.stats.Recycled.Add(1)
	p.closeBrowserWithTimeout(old, closeTimeout)
	log.Info().Msg("Browser recycled")
}

// closeBrowserWithTimeout closes a browser without letting a hung process
// block the caller. It returns true if the browser closed in time.
func (p *Pool) closeBrowserWithTimeout(b *rod.Browser, timeout time.Duration) bool {
	closeDone := make(chan struct{})
	started := time.Now()

	p.closeWg.Add(1)
	go func() {
		defer p.closeWg.Done()
		defer close(closeDone)
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser")
		}
	}()

	select {
	case <-closeDone:
		log.Debug().Dur("duration", time.Since(started)).Msg("Browser closed successfully")
		return true
	case <-p.stopCh:
		log.Warn().Dur("elapsed", time.Since(started)).Msg("Browser close wait abandoned during pool shutdown")
		return false
	case <-time.After(timeout):
		leaked := p.leakedGoroutines.Add(1)
		log.Warn().
			Dur("elapsed", time.Since(started)).
			Int32("leaked_count", leaked).
			Msg("Browser close timed out - goroutine leaked")
		p.stats.Errors.Add(1)
		return false
	}
}

// healthCheckRoutine recycles idle browsers that are unhealthy or older
// than maxBrowserAge. Browsers hosting tabs are never recycled; an
// unhealthy one is reported and its tabs fail on their next operation.
func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Health check routine stopping")
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}

			p.mu.Lock()
			type candidate struct {
				browser *rod.Browser
				idle    bool
				stale   bool
			}
			now := time.Now()
			candidates := make([]candidate, 0, len(p.browsers))
			for _, entry := range p.browsers {
				candidates = append(candidates, candidate{
					browser: entry.browser,
					idle:    entry.tabs == 0,
					stale:   now.Sub(entry.createdAt) > maxBrowserAge,
				})
			}
			p.mu.Unlock()

			for _, c := range candidates {
				healthy := p.isHealthy(c.browser)
				switch {
				case c.idle && (!healthy || c.stale):
					log.Info().Bool("healthy", healthy).Msg("Recycling idle browser")
					p.recycleBrowser(c.browser)
				case !healthy:
					p.stats.Errors.Add(1)
					log.Warn().Msg("Browser hosting tabs failed its health check")
				}
			}
		}
	}
}

// Size returns the number of browsers in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}

// PoolStatsSnapshot holds a point-in-time snapshot of pool statistics.
type PoolStatsSnapshot struct {
	Browsers         int
	Tabs             int
	Placed           int64
	Released         int64
	Recycled         int64
	Errors           int64
	LeakedGoroutines int32
}

// Stats returns a snapshot of the current pool statistics.
func (p *Pool) Stats() PoolStatsSnapshot {
	p.mu.Lock()
	tabs := 0
	for _, entry := range p.browsers {
		tabs += entry.tabs
	}
	browsers := len(p.browsers)
	p.mu.Unlock()

	return PoolStatsSnapshot{
		Browsers:         browsers,
		Tabs:             tabs,
		Placed:           p.stats.Placed.Load(),
		Released:         p.stats.Released.Load(),
		Recycled:         p.stats.Recycled.Load(),
		Errors:           p.stats.Errors.Load(),
		LeakedGoroutines: p.leakedGoroutines.Load(),
	}
}

// Close shuts down every browser. It is safe to call multiple times. Tabs
// should be closed first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	log.Info().Int("browsers", len(browsers)).Msg("Closing browser pool")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.closeWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Timeout waiting for pool goroutines to stop")
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, entry := range browsers {
		b := entry.browser
		eg.Go(func() error {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing browser during pool shutdown")
				return err
			}
			return nil
		})
	}
	err := eg.Wait()
	metrics.UpdatePoolMetrics(0)

	log.Info().
		Int64("total_placed", p.stats.Placed.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Int64("total_errors", p.stats.Errors.Load()).
		Msg("Browser pool closed")
	return err
}

func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
