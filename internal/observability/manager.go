package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/config"
)

// Manager coordinates readiness, metrics and tracing
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a new observability manager from the shell configuration
func NewManager(logger *zap.SugaredLogger, cfg *config.ObservabilityConfig, serviceName, serviceVersion string) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg == nil {
		cfg = config.DefaultConfig().Observability
	}

	m := &Manager{
		logger:    logger,
		health:    NewHealthManager(logger),
		startTime: time.Now(),
	}

	if cfg.MetricsEnabled {
		m.metrics = NewMetricsManager(logger)
		logger.Info("Prometheus metrics enabled")
	}

	if cfg.TracingEnabled {
		var err error
		m.tracing, err = NewTracingManager(logger, TracingConfig{
			Enabled:        true,
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     cfg.SampleRate,
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Health returns the readiness manager
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager, nil when metrics are disabled
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager, nil when tracing is disabled
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// MetricsHandler serves /metrics, refreshing uptime first
func (m *Manager) MetricsHandler() http.Handler {
	if m.metrics == nil {
		return http.NotFoundHandler()
	}
	inner := m.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.metrics.SetUptime(m.startTime)
		inner.ServeHTTP(w, r)
	})
}

// HTTPMiddleware returns combined HTTP middleware for observability
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	middlewares := make([]func(http.Handler) http.Handler, 0, 2)

	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Close gracefully shuts down observability components
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing != nil {
		if err := m.tracing.Close(ctx); err != nil {
			m.logger.Errorw("Failed to close tracing manager", "error", err)
			return err
		}
	}
	return nil
}
