package config

import (
	"os"
	"testing"
	"time"
)

var envVars = []string{
	"HOST", "PORT", "HEADLESS", "BROWSER_PATH", "BROWSER_POOL_SIZE",
	"MAX_TABS", "TAB_TTL", "TAB_CLEANUP_INTERVAL", "NAVIGATE_TIMEOUT",
	"DB_PATH", "RULES_PATH", "RULES_HOT_RELOAD",
	"OPEN_GESTURE_WINDOW", "DIALOG_GESTURE_WINDOW", "DIALOG_RESPONSE",
	"SWEEP_DEBOUNCE", "SWEEP_INTERVAL", "SWEEP_MUTATION_THRESHOLD",
	"TOAST_TIMEOUT", "MAX_NOTIFICATIONS",
	"LOG_LEVEL", "PROMETHEUS_ENABLED", "PROMETHEUS_PORT",
	"API_KEY_ENABLED", "API_KEY",
}

func clearEnv() {
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv()

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected default host '127.0.0.1', got %q", cfg.Host)
	}
	if cfg.Port != 8192 {
		t.Errorf("Expected default port 8192, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("Expected Headless to be true by default")
	}
	if cfg.OpenGestureWindow != time.Second {
		t.Errorf("Expected open gesture window 1s, got %v", cfg.OpenGestureWindow)
	}
	if cfg.DialogGestureWindow != 500*time.Millisecond {
		t.Errorf("Expected dialog gesture window 500ms, got %v", cfg.DialogGestureWindow)
	}
	if cfg.SweepDebounce != 100*time.Millisecond {
		t.Errorf("Expected sweep debounce 100ms, got %v", cfg.SweepDebounce)
	}
	if cfg.SweepInterval != 3*time.Second {
		t.Errorf("Expected sweep interval 3s, got %v", cfg.SweepInterval)
	}
	if cfg.SweepMutationThreshold != 1 {
		t.Errorf("Expected mutation threshold 1, got %d", cfg.SweepMutationThreshold)
	}
	if cfg.ToastTimeout != 10*time.Second {
		t.Errorf("Expected toast timeout 10s, got %v", cfg.ToastTimeout)
	}
	if cfg.DialogResponse != DialogAccept {
		t.Errorf("Expected dialog response %q, got %q", DialogAccept, cfg.DialogResponse)
	}
	if cfg.DBPath != "popguard.db" {
		t.Errorf("Expected DB path 'popguard.db', got %q", cfg.DBPath)
	}
	if cfg.PrometheusEnabled {
		t.Error("Expected PrometheusEnabled to be false by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("PORT", "9999")
	os.Setenv("HEADLESS", "false")
	os.Setenv("MAX_TABS", "7")
	os.Setenv("TAB_TTL", "1h")
	os.Setenv("DB_PATH", "/tmp/pg.db")
	os.Setenv("RULES_PATH", "/etc/popguard/rules.yaml")
	os.Setenv("RULES_HOT_RELOAD", "true")
	os.Setenv("OPEN_GESTURE_WINDOW", "1500ms")
	os.Setenv("DIALOG_RESPONSE", "Dismiss")
	os.Setenv("SWEEP_INTERVAL", "5s")
	os.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Port)
	}
	if cfg.Headless {
		t.Error("Expected Headless to be false")
	}
	if cfg.MaxTabs != 7 {
		t.Errorf("Expected max tabs 7, got %d", cfg.MaxTabs)
	}
	if cfg.TabTTL != time.Hour {
		t.Errorf("Expected tab TTL 1h, got %v", cfg.TabTTL)
	}
	if cfg.DBPath != "/tmp/pg.db" {
		t.Errorf("Expected DB path '/tmp/pg.db', got %q", cfg.DBPath)
	}
	if cfg.RulesPath != "/etc/popguard/rules.yaml" || !cfg.RulesHotReload {
		t.Errorf("Unexpected rules settings: %q hot=%v", cfg.RulesPath, cfg.RulesHotReload)
	}
	if cfg.OpenGestureWindow != 1500*time.Millisecond {
		t.Errorf("Expected open window 1.5s, got %v", cfg.OpenGestureWindow)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("Expected sweep interval 5s, got %v", cfg.SweepInterval)
	}

	cfg.Validate()
	if cfg.DialogResponse != DialogDismiss {
		t.Errorf("Expected dialog response normalized to %q, got %q", DialogDismiss, cfg.DialogResponse)
	}
}

func TestInvalidEnvValues(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("PORT", "not_a_number")
	os.Setenv("HEADLESS", "not_a_bool")
	os.Setenv("SWEEP_DEBOUNCE", "not_a_duration")
	os.Setenv("SWEEP_INTERVAL", "-3s")

	cfg := Load()

	if cfg.Port != 8192 {
		t.Errorf("Expected default port 8192 for invalid value, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("Expected default Headless (true) for invalid value")
	}
	if cfg.SweepDebounce != 100*time.Millisecond {
		t.Errorf("Expected default debounce for invalid value, got %v", cfg.SweepDebounce)
	}
	if cfg.SweepInterval != 3*time.Second {
		t.Errorf("Expected default interval for negative value, got %v", cfg.SweepInterval)
	}
}

func TestValidateClamps(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		check func(*testing.T, *Config)
	}{
		{
			name: "pool size too large",
			mod:  func(c *Config) { c.BrowserPoolSize = 500 },
			check: func(t *testing.T, c *Config) {
				if c.BrowserPoolSize != maxBrowserPoolSize {
					t.Errorf("BrowserPoolSize = %d, want %d", c.BrowserPoolSize, maxBrowserPoolSize)
				}
			},
		},
		{
			name: "gesture window too long",
			mod:  func(c *Config) { c.OpenGestureWindow = time.Minute },
			check: func(t *testing.T, c *Config) {
				if c.OpenGestureWindow != maxGestureWindow {
					t.Errorf("OpenGestureWindow = %v, want %v", c.OpenGestureWindow, maxGestureWindow)
				}
			},
		},
		{
			name: "sweep interval too short",
			mod:  func(c *Config) { c.SweepInterval = time.Millisecond },
			check: func(t *testing.T, c *Config) {
				if c.SweepInterval != minSweepInterval {
					t.Errorf("SweepInterval = %v, want %v", c.SweepInterval, minSweepInterval)
				}
			},
		},
		{
			name: "zero mutation threshold",
			mod:  func(c *Config) { c.SweepMutationThreshold = 0 },
			check: func(t *testing.T, c *Config) {
				if c.SweepMutationThreshold != 1 {
					t.Errorf("SweepMutationThreshold = %d, want 1", c.SweepMutationThreshold)
				}
			},
		},
		{
			name: "unknown dialog response",
			mod:  func(c *Config) { c.DialogResponse = "ignore" },
			check: func(t *testing.T, c *Config) {
				if c.DialogResponse != DialogAccept {
					t.Errorf("DialogResponse = %q, want %q", c.DialogResponse, DialogAccept)
				}
			},
		},
		{
			name: "api key enabled without key",
			mod:  func(c *Config) { c.APIKeyEnabled = true; c.APIKey = "" },
			check: func(t *testing.T, c *Config) {
				if c.APIKeyEnabled {
					t.Error("APIKeyEnabled should be disabled when API_KEY is empty")
				}
			},
		},
		{
			name: "invalid log level",
			mod:  func(c *Config) { c.LogLevel = "verbose" },
			check: func(t *testing.T, c *Config) {
				if c.LogLevel != "info" {
					t.Errorf("LogLevel = %q, want info", c.LogLevel)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			cfg := Load()
			tt.mod(cfg)
			cfg.Validate()
			tt.check(t, cfg)
		})
	}
}
