package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/deskshell/deskshell/internal/config"
)

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	mm := NewMetricsManager(zaptest.NewLogger(t).Sugar())

	r := chi.NewRouter()
	r.Use(mm.HTTPMiddleware())
	r.Get("/assets/*", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, p := range []string{"/assets/a.js", "/assets/b/c.css", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.httpRequests.WithLabelValues("GET", "/assets/*", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.httpRequests.WithLabelValues("GET", "/missing", "404")))
}

func TestBridgeAndAssetMetrics(t *testing.T) {
	mm := NewMetricsManager(nil)

	mm.ObserveBridgeCall("ping", "ok", time.Millisecond)
	mm.ObserveBridgeCall("ping", "ok", time.Millisecond)
	mm.ObserveBridgeCall("nope", "not_found", 0)
	mm.SetBridgePending(3)
	mm.RecordAsset("served")
	mm.RecordRebuild("success", 4)
	mm.SetLiveSubscribers(2)
	mm.RecordCertRotation()

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.bridgeCalls.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.bridgeCalls.WithLabelValues("nope", "not_found")))
	assert.Equal(t, 3.0, testutil.ToFloat64(mm.bridgePending))
	assert.Equal(t, 4.0, testutil.ToFloat64(mm.buildGeneration))
	assert.Equal(t, 2.0, testutil.ToFloat64(mm.liveSubscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.certRotations))
}

func TestMetricsHandlerExposesFamilies(t *testing.T) {
	m, err := NewManager(zaptest.NewLogger(t).Sugar(), &config.ObservabilityConfig{MetricsEnabled: true}, "deskshell", "test")
	require.NoError(t, err)
	m.Metrics().ObserveBridgeCall("ping", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "deskshell_bridge_calls_total")
	assert.Contains(t, string(body), "deskshell_uptime_seconds")
}

func TestManagerWithMetricsDisabled(t *testing.T) {
	m, err := NewManager(nil, &config.ObservabilityConfig{}, "deskshell", "test")
	require.NoError(t, err)
	assert.Nil(t, m.Metrics())
	assert.Nil(t, m.Tracing())

	rec := httptest.NewRecorder()
	m.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Middleware chain is a pass-through
	h := m.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NoError(t, m.Close(context.Background()))
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	mm := NewMetricsManager(nil)
	var flusher bool
	h := mm.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, flusher = w.(http.Flusher)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flusher)
}

func TestReadiness(t *testing.T) {
	hm := NewHealthManager(zaptest.NewLogger(t).Sugar())
	hm.AddChecker(CheckFunc{Component: "server", Fn: func(context.Context) error { return nil }})
	assert.True(t, hm.IsReady())

	rec := httptest.NewRecorder()
	hm.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	hm.AddChecker(CheckFunc{Component: "assets", Fn: func(context.Context) error {
		return errors.New("no build yet")
	}})
	assert.False(t, hm.IsReady())

	rec = httptest.NewRecorder()
	hm.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "no build yet"))
}

func TestDisabledTracingIsNoop(t *testing.T) {
	tm, err := NewTracingManager(zaptest.NewLogger(t).Sugar(), TracingConfig{})
	require.NoError(t, err)
	assert.False(t, tm.IsEnabled())

	ctx := context.Background()
	got, span := tm.StartSpan(ctx, "x")
	assert.Equal(t, ctx, got)
	span.End()
	tm.SetSpanError(ctx, errors.New("ignored"))
	assert.NoError(t, tm.Close(ctx))
}

// newTracingManagerWithProvider reports to an existing provider instead of OTLP
func newTracingManagerWithProvider(logger *zap.SugaredLogger, name string, tp *sdktrace.TracerProvider) *TracingManager {
	return &TracingManager{
		logger:   logger,
		config:   TracingConfig{Enabled: true, ServiceName: name},
		tracer:   tp.Tracer(name),
		provider: tp,
		enabled:  true,
	}
}

func TestTraceRebuildMarksFailedBuilds(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tm := newTracingManagerWithProvider(zaptest.NewLogger(t).Sugar(), "deskshell-test", tp)
	defer func() { _ = tm.Close(context.Background()) }()

	tm.TraceRebuild(context.Background(), 2, nil)
	tm.TraceRebuild(context.Background(), 3, errors.New("syntax error"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "assets.rebuild", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "syntax error", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1, "error recorded on the rebuild span")
}
