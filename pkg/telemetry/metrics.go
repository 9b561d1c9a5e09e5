package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the plugin daemon.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	transitions *prometheus.CounterVec
	plugins     *prometheus.GaugeVec

	// Resolver metrics
	resolveIterations *prometheus.HistogramVec
	resolveDuration   *prometheus.HistogramVec
	capHits           *prometheus.CounterVec

	// Repository metrics
	hotDeploys *prometheus.CounterVec

	// Provider metrics
	wiring       *prometheus.CounterVec
	wiringErrors *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_transitions_total",
				Help:      "Total number of plugin state transitions",
			},
			[]string{"from", "to"},
		),
		plugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins",
				Help:      "Current number of plugins per phase",
			},
			[]string{"phase", "refreshing"},
		),

		resolveIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_iterations",
				Help:      "Number of changing resolve passes per resolver run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
			},
			[]string{"loop"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Duration of resolver runs in seconds",
				Buckets:   buckets,
			},
			[]string{"loop"},
		),
		capHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_cap_hits_total",
				Help:      "Total number of resolver runs stopped by their iteration cap",
			},
			[]string{"loop"},
		),

		hotDeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hot_deploy_events_total",
				Help:      "Total number of artifacts picked up from the deploy directory",
			},
			[]string{"action"},
		),

		wiring: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_wiring_total",
				Help:      "Total number of provider registry operations",
			},
			[]string{"kind", "op"},
		),
		wiringErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_wiring_errors_total",
				Help:      "Total number of failed provider registry operations",
			},
			[]string{"kind", "op"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of lifecycle errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.plugins,
		m.resolveIterations,
		m.resolveDuration,
		m.capHits,
		m.hotDeploys,
		m.wiring,
		m.wiringErrors,
		m.errorsByClass,
	)

	return m, nil
}

// Lifecycle Metrics

// RecordTransition counts one state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// PhaseCount is one (phase, refreshing) bucket of the plugins gauge.
type PhaseCount struct {
	Phase      string
	Refreshing bool
	Count      int
}

// SetPluginCounts replaces the plugins gauge. Buckets missing from counts
// are reset to zero.
func (m *Metrics) SetPluginCounts(counts []PhaseCount) {
	if m.plugins == nil {
		return
	}
	m.plugins.Reset()
	for _, c := range counts {
		m.plugins.WithLabelValues(c.Phase, strconv.FormatBool(c.Refreshing)).Set(float64(c.Count))
	}
}

// Resolver Metrics

// RecordResolve records one resolver run of the given loop.
func (m *Metrics) RecordResolve(loop string, iterations int, capHit bool, duration time.Duration) {
	if m.resolveIterations == nil {
		return
	}
	m.resolveIterations.WithLabelValues(loop).Observe(float64(iterations))
	m.resolveDuration.WithLabelValues(loop).Observe(duration.Seconds())
	if capHit {
		m.capHits.WithLabelValues(loop).Inc()
	}
}

// Repository Metrics

// RecordHotDeploy counts an artifact picked up by the deploy watcher.
func (m *Metrics) RecordHotDeploy(action string) {
	if m.hotDeploys == nil {
		return
	}
	m.hotDeploys.WithLabelValues(action).Inc()
}

// Provider Metrics

// RecordWiring counts one provider registry add or remove.
func (m *Metrics) RecordWiring(kind, op string, err error) {
	if m.wiring == nil {
		return
	}
	m.wiring.WithLabelValues(kind, op).Inc()
	if err != nil {
		m.wiringErrors.WithLabelValues(kind, op).Inc()
	}
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated HTTP server for metrics when a
// listen address is configured. The returned server is nil otherwise.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}()

	return server
}
