package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	assetServes     *prometheus.CounterVec
	rebuilds        *prometheus.CounterVec
	buildGeneration prometheus.Gauge
	liveSubscribers prometheus.Gauge

	bridgeCalls    *prometheus.CounterVec
	bridgeDuration *prometheus.HistogramVec
	bridgePending  prometheus.Gauge

	certRotations prometheus.Counter
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskshell_uptime_seconds",
		Help: "Time since the application started",
	})

	// HTTP metrics
	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskshell_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskshell_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Asset metrics
	mm.assetServes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskshell_asset_responses_total",
			Help: "Asset lookups by outcome",
		},
		[]string{"outcome"}, // served, not_modified, not_found, forbidden, error
	)

	mm.rebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskshell_rebuilds_total",
			Help: "Development rebuilds by result",
		},
		[]string{"result"}, // success, failed, unchanged
	)

	mm.buildGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskshell_build_generation",
		Help: "Generation of the build currently served",
	})

	mm.liveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskshell_live_subscribers",
		Help: "Connected live-update subscribers",
	})

	// Bridge metrics
	mm.bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskshell_bridge_calls_total",
			Help: "Total number of renderer to native calls",
		},
		[]string{"capability", "outcome"},
	)

	mm.bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskshell_bridge_call_duration_seconds",
			Help:    "Renderer to native call duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"capability", "outcome"},
	)

	mm.bridgePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskshell_bridge_pending_calls",
		Help: "Bridge calls awaiting a result",
	})

	mm.certRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskshell_certificate_rotations_total",
		Help: "Number of times the local certificate was regenerated",
	})
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.assetServes,
		mm.rebuilds,
		mm.buildGeneration,
		mm.liveSubscribers,
		mm.bridgeCalls,
		mm.bridgeDuration,
		mm.bridgePending,
		mm.certRotations,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	mm.httpRequests.WithLabelValues(method, route, code).Inc()
	mm.httpDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordAsset records the outcome of one asset lookup
func (mm *MetricsManager) RecordAsset(outcome string) {
	mm.assetServes.WithLabelValues(outcome).Inc()
}

// RecordRebuild records a development rebuild and the generation now served
func (mm *MetricsManager) RecordRebuild(result string, generation uint64) {
	mm.rebuilds.WithLabelValues(result).Inc()
	mm.buildGeneration.Set(float64(generation))
}

// SetLiveSubscribers sets the live-update subscriber count
func (mm *MetricsManager) SetLiveSubscribers(n int) {
	mm.liveSubscribers.Set(float64(n))
}

// ObserveBridgeCall records one native call
func (mm *MetricsManager) ObserveBridgeCall(capability, outcome string, d time.Duration) {
	mm.bridgeCalls.WithLabelValues(capability, outcome).Inc()
	mm.bridgeDuration.WithLabelValues(capability, outcome).Observe(d.Seconds())
}

// SetBridgePending sets the pending-call gauge
func (mm *MetricsManager) SetBridgePending(n int) {
	mm.bridgePending.Set(float64(n))
}

// RecordCertRotation counts a certificate regeneration
func (mm *MetricsManager) RecordCertRotation() {
	mm.certRotations.Inc()
}

// HTTPMiddleware returns middleware that records HTTP metrics keyed by chi route pattern
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			mm.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start))
		})
	}
}

// routePattern keeps label cardinality bounded: asset paths collapse to their route
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
