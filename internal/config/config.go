// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds to prevent resource exhaustion and nonsensical tuning.
const (
	maxBrowserPoolSize   = 20
	maxMaxTabs           = 1000
	maxGestureWindow     = 10 * time.Second
	minSweepInterval     = 250 * time.Millisecond
	maxSweepInterval     = 5 * time.Minute
	maxSweepDebounce     = 5 * time.Second
	maxNotificationLimit = 1000
	minAPIKeyLength      = 16 // Minimum API key length for security
)

// Dialog response modes for dialogs that the guard lets through.
const (
	DialogAccept  = "accept"
	DialogDismiss = "dismiss"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless        bool
	BrowserPath     string
	BrowserPoolSize int

	// Tab settings
	MaxTabs            int
	TabTTL             time.Duration
	TabCleanupInterval time.Duration
	NavigateTimeout    time.Duration
	AllowLocalTargets  bool // permit navigation to loopback and private addresses

	// Storage
	DBPath string

	// Rules settings
	RulesPath      string // Path to external rules.yaml override file
	RulesHotReload bool   // Enable file watching for hot-reload of rules

	// Interception policy
	OpenGestureWindow   time.Duration // window.open allowed within this long after a gesture
	DialogGestureWindow time.Duration // alert/confirm/prompt allowed within this long after a gesture
	DialogResponse      string        // how allowed dialogs are answered: accept or dismiss

	// Monitor tuning
	SweepDebounce          time.Duration
	SweepInterval          time.Duration
	SweepMutationThreshold int // non-overlay insertions in one batch that trigger a debounced sweep

	// Notifications
	ToastTimeout     time.Duration
	MaxNotifications int

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - localhost unless HOST=0.0.0.0 is set explicitly
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8192),

		// Browser
		Headless:        getEnvBool("HEADLESS", true),
		BrowserPath:     getEnvString("BROWSER_PATH", ""),
		BrowserPoolSize: getEnvInt("BROWSER_POOL_SIZE", 1),

		// Tabs
		MaxTabs:            getEnvInt("MAX_TABS", 20),
		TabTTL:             getEnvDuration("TAB_TTL", 30*time.Minute),
		TabCleanupInterval: getEnvDuration("TAB_CLEANUP_INTERVAL", 1*time.Minute),
		NavigateTimeout:    getEnvDuration("NAVIGATE_TIMEOUT", 30*time.Second),
		AllowLocalTargets:  getEnvBool("ALLOW_LOCAL_TARGETS", false),

		// Storage
		DBPath: getEnvString("DB_PATH", "popguard.db"),

		// Rules
		RulesPath:      getEnvString("RULES_PATH", ""),
		RulesHotReload: getEnvBool("RULES_HOT_RELOAD", false),

		// Interception
		OpenGestureWindow:   getEnvDuration("OPEN_GESTURE_WINDOW", 1000*time.Millisecond),
		DialogGestureWindow: getEnvDuration("DIALOG_GESTURE_WINDOW", 500*time.Millisecond),
		DialogResponse:      getEnvString("DIALOG_RESPONSE", DialogAccept),

		// Monitor
		SweepDebounce:          getEnvDuration("SWEEP_DEBOUNCE", 100*time.Millisecond),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", 3000*time.Millisecond),
		SweepMutationThreshold: getEnvInt("SWEEP_MUTATION_THRESHOLD", 1),

		// Notifications
		ToastTimeout:     getEnvDuration("TOAST_TIMEOUT", 10*time.Second),
		MaxNotifications: getEnvInt("MAX_NOTIFICATIONS", 50),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics - disabled by default
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9192),

		// API Key Authentication
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8192")
		c.Port = 8192
	}
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid Prometheus port, using default 9192")
		c.PrometheusPort = 9192
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("Invalid pool size, using default 1")
		c.BrowserPoolSize = 1
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().
			Int("size", c.BrowserPoolSize).
			Int("max", maxBrowserPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	if c.MaxTabs < 1 {
		log.Warn().Int("max_tabs", c.MaxTabs).Msg("Invalid max tabs, using default 20")
		c.MaxTabs = 20
	} else if c.MaxTabs > maxMaxTabs {
		log.Warn().
			Int("max_tabs", c.MaxTabs).
			Int("max", maxMaxTabs).
			Msg("Max tabs too large, capping to maximum")
		c.MaxTabs = maxMaxTabs
	}

	if c.TabCleanupInterval > c.TabTTL {
		log.Warn().
			Dur("interval", c.TabCleanupInterval).
			Dur("ttl", c.TabTTL).
			Msg("Tab cleanup interval exceeds TTL, expired tabs will linger")
	}

	if c.DBPath == "" {
		log.Warn().Msg("DB_PATH is empty, using popguard.db")
		c.DBPath = "popguard.db"
	}

	c.OpenGestureWindow = clampWindow("OPEN_GESTURE_WINDOW", c.OpenGestureWindow, 1000*time.Millisecond)
	c.DialogGestureWindow = clampWindow("DIALOG_GESTURE_WINDOW", c.DialogGestureWindow, 500*time.Millisecond)
	if c.DialogGestureWindow > c.OpenGestureWindow {
		log.Warn().
			Dur("dialog", c.DialogGestureWindow).
			Dur("open", c.OpenGestureWindow).
			Msg("Dialog gesture window is wider than the open window")
	}

	c.DialogResponse = strings.ToLower(strings.TrimSpace(c.DialogResponse))
	if c.DialogResponse != DialogAccept && c.DialogResponse != DialogDismiss {
		log.Warn().
			Str("value", c.DialogResponse).
			Msg("Invalid DIALOG_RESPONSE, using 'accept'")
		c.DialogResponse = DialogAccept
	}

	if c.SweepDebounce > maxSweepDebounce {
		log.Warn().
			Dur("debounce", c.SweepDebounce).
			Dur("max", maxSweepDebounce).
			Msg("SWEEP_DEBOUNCE too long, capping to maximum")
		c.SweepDebounce = maxSweepDebounce
	}
	if c.SweepInterval < minSweepInterval {
		log.Warn().
			Dur("interval", c.SweepInterval).
			Dur("min", minSweepInterval).
			Msg("SWEEP_INTERVAL too short, using minimum")
		c.SweepInterval = minSweepInterval
	} else if c.SweepInterval > maxSweepInterval {
		log.Warn().
			Dur("interval", c.SweepInterval).
			Dur("max", maxSweepInterval).
			Msg("SWEEP_INTERVAL too long, using maximum")
		c.SweepInterval = maxSweepInterval
	}
	if c.SweepMutationThreshold < 1 {
		log.Warn().
			Int("threshold", c.SweepMutationThreshold).
			Msg("SWEEP_MUTATION_THRESHOLD must be at least 1, using 1")
		c.SweepMutationThreshold = 1
	}

	if c.MaxNotifications < 1 {
		log.Warn().Int("max", c.MaxNotifications).Msg("Invalid MAX_NOTIFICATIONS, using default 50")
		c.MaxNotifications = 50
	} else if c.MaxNotifications > maxNotificationLimit {
		log.Warn().
			Int("max", c.MaxNotifications).
			Int("limit", maxNotificationLimit).
			Msg("MAX_NOTIFICATIONS too large, capping")
		c.MaxNotifications = maxNotificationLimit
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using info")
		c.LogLevel = "info"
	}

	if c.APIKeyEnabled {
		if c.APIKey == "" {
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty, disabling API key authentication")
			c.APIKeyEnabled = false
		} else if len(c.APIKey) < minAPIKeyLength {
			log.Warn().
				Int("length", len(c.APIKey)).
				Int("min", minAPIKeyLength).
				Msg("API_KEY is shorter than recommended")
		}
	}

	if c.Host == "0.0.0.0" && !c.APIKeyEnabled {
		log.Warn().Msg("Listening on all interfaces without API key authentication")
	}
}

// clampWindow keeps a gesture window within (0, maxGestureWindow].
func clampWindow(name string, value, fallback time.Duration) time.Duration {
	if value <= 0 {
		log.Warn().Str("key", name).Dur("default", fallback).Msg("Gesture window must be positive, using default")
		return fallback
	}
	if value > maxGestureWindow {
		log.Warn().
			Str("key", name).
			Dur("value", value).
			Dur("max", maxGestureWindow).
			Msg("Gesture window too long, capping to maximum")
		return maxGestureWindow
	}
	return value
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
