// Package observability provides readiness checks, Prometheus metrics and
// OpenTelemetry tracing for the shell.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker reports whether one component is ready to serve
type Checker interface {
	// Check returns nil if ready
	Check(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a function into a Checker
type CheckFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.Component }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// ComponentStatus represents the status of a component
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ready" or "not_ready"
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// ReadinessResponse represents the overall readiness response
type ReadinessResponse struct {
	Status     string            `json:"status"` // "ready" or "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// HealthManager runs readiness checks
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddChecker registers a readiness checker
func (hm *HealthManager) AddChecker(checker Checker) {
	hm.mu.Lock()
	hm.checkers = append(hm.checkers, checker)
	hm.mu.Unlock()
}

// SetTimeout sets the timeout for one round of checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		hm.timeout = timeout
	}
}

// ReadyzHandler returns an HTTP handler reporting readiness as JSON
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.Check(ctx)

		statusCode := http.StatusOK
		if response.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			hm.logger.Errorw("Failed to encode readiness response", "error", err)
		}
	}
}

// Check runs every registered checker
func (hm *HealthManager) Check(ctx context.Context) ReadinessResponse {
	hm.mu.RLock()
	checkers := append([]Checker(nil), hm.checkers...)
	hm.mu.RUnlock()

	response := ReadinessResponse{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make([]ComponentStatus, 0, len(checkers)),
	}

	for _, checker := range checkers {
		start := time.Now()
		status := ComponentStatus{
			Name:   checker.Name(),
			Status: "ready",
		}

		if err := checker.Check(ctx); err != nil {
			status.Status = "not_ready"
			status.Error = err.Error()
			response.Status = "not_ready"
			hm.logger.Warnw("Readiness check failed",
				"component", checker.Name(),
				"error", err)
		}

		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}

	return response
}

// IsReady returns true if all readiness checks pass
func (hm *HealthManager) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.Check(ctx).Status == "ready"
}
