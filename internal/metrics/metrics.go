// Package metrics provides Prometheus metrics for monitoring popguard.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popguard_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks API request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popguard_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"command"},
	)

	// SuppressionsTotal counts suppressed actions by kind
	// (open, alert, confirm, prompt, click, popup, overlay).
	SuppressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popguard_suppressions_total",
			Help: "Total suppressed popups, dialogs, hijacked clicks and overlays",
		},
		[]string{"kind"},
	)

	// OverlaysRemoved counts removed overlays by the rule that matched.
	OverlaysRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popguard_overlays_removed_total",
			Help: "Total overlays removed by classifier rule",
		},
		[]string{"rule"},
	)

	// SweepDuration tracks full-page sweep latency.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "popguard_sweep_duration_seconds",
			Help:    "Duration of full overlay sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// GuardTransitions counts lifecycle transitions by target state.
	GuardTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popguard_guard_transitions_total",
			Help: "Total guard lifecycle transitions by resulting state",
		},
		[]string{"to"},
	)

	// OverridesTotal counts one-time "allow and open" overrides.
	OverridesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "popguard_overrides_total",
			Help: "Total one-time popup overrides opened",
		},
	)

	// BrowserPoolSize shows the configured pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "popguard_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// ActiveTabs shows current guarded tabs.
	ActiveTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "popguard_active_tabs",
			Help: "Number of open guarded tabs",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "popguard_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "popguard_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popguard_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SuppressionsTotal,
		OverlaysRemoved,
		SweepDuration,
		GuardTransitions,
		OverridesTotal,
		BrowserPoolSize,
		ActiveTabs,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordSuppression records one suppressed action.
func RecordSuppression(kind string) {
	SuppressionsTotal.WithLabelValues(kind).Inc()
}

// RecordOverlayRemoved records an overlay removal by rule.
func RecordOverlayRemoved(rule string) {
	OverlaysRemoved.WithLabelValues(rule).Inc()
}

// RecordSweep records the duration of one sweep.
func RecordSweep(d time.Duration) {
	SweepDuration.Observe(d.Seconds())
}

// RecordTransition records a guard lifecycle transition.
func RecordTransition(to string) {
	GuardTransitions.WithLabelValues(to).Inc()
}

// RecordOverride records a one-time override.
func RecordOverride() {
	OverridesTotal.Inc()
}

// UpdatePoolMetrics updates browser pool metrics.
func UpdatePoolMetrics(size int) {
	BrowserPoolSize.Set(float64(size))
}

// UpdateTabMetrics updates the open tab gauge.
func UpdateTabMetrics(count int) {
	ActiveTabs.Set(float64(count))
}
