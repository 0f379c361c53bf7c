// Package main provides the entry point for the popguard service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/browser"
	"github.com/Rorqualx/popguard-go/internal/config"
	"github.com/Rorqualx/popguard-go/internal/counter"
	"github.com/Rorqualx/popguard-go/internal/handlers"
	"github.com/Rorqualx/popguard-go/internal/metrics"
	"github.com/Rorqualx/popguard-go/internal/middleware"
	"github.com/Rorqualx/popguard-go/internal/rules"
	"github.com/Rorqualx/popguard-go/internal/security"
	"github.com/Rorqualx/popguard-go/internal/stats"
	"github.com/Rorqualx/popguard-go/internal/storage"
	"github.com/Rorqualx/popguard-go/internal/tabs"
	"github.com/Rorqualx/popguard-go/internal/whitelist"
	"github.com/Rorqualx/popguard-go/pkg/version"
)

// requestSlack is added to the navigation timeout to bound one API request.
const requestSlack = 15 * time.Second

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting popguard")

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open storage")
	}

	ruleMgr, err := rules.NewManager(cfg.RulesPath, cfg.RulesHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load rules")
	}

	domainStats := stats.NewManager()
	suppressions := counter.New(store, domainStats)
	wl := whitelist.New(store)

	log.Info().Int("size", cfg.BrowserPoolSize).Msg("Initializing browser pool...")
	pool, err := browser.NewPool(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	tabMgr := tabs.NewManager(cfg, tabs.Deps{
		Rules:     ruleMgr,
		Counter:   suppressions,
		Whitelist: wl,
		Settings:  store,
		NewPage:   tabs.PoolPages(pool, ruleMgr),
	})

	handler := handlers.New(
		handlers.ManagerTabs(tabMgr),
		wl,
		security.NewTargetChecker(cfg.AllowLocalTargets),
		cfg,
	)

	requestTimeout := cfg.NavigateTimeout + requestSlack
	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.APIKey(cfg),
		middleware.Timeout(requestTimeout),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           chain(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_size", pool.Size()).
			Int("max_tabs", cfg.MaxTabs).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("api_key_enabled", cfg.APIKeyEnabled).
			Msg("popguard is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	// Tabs first: their teardown talks to the browsers and the store.
	if err := tabMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Tab manager close error")
	}
	ps := pool.Stats()
	log.Info().
		Int64("placed", ps.Placed).
		Int64("released", ps.Released).
		Int64("recycled", ps.Recycled).
		Int64("errors", ps.Errors).
		Msg("Browser pool stats")
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Browser pool close error")
	}
	if err := ruleMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Rules manager close error")
	}
	domainStats.Close()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Storage close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
