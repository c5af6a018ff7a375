// Package server is the loopback HTTPS server: it serves the frontend build,
// the development live-update channel and the bridge transports.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/assets"
	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/observability"
	"github.com/deskshell/deskshell/internal/reqcontext"
	"github.com/deskshell/deskshell/internal/tlslocal"
)

// Route paths served besides assets
const (
	LandingPath   = "/landing"
	HealthPath    = "/healthcheck"
	LivePath      = "/__deskshell/live"
	StatusPath    = "/__deskshell/status"
	BridgePath    = "/__deskshell/bridge"
	BridgeJSPath  = "/__deskshell/bridge.js"
	InvokePath    = "/__deskshell/invoke/{name}"
	MetricsPath   = "/metrics"
	ReadinessPath = "/readyz"
)

const (
	defaultHeartbeat = 10 * time.Second
	shutdownGrace    = 5 * time.Second
)

// Options configures the server
type Options struct {
	Host string // loopback host, default 127.0.0.1
	Port int    // 0 picks an ephemeral port
	// PortFallback is how many following ports to try when Port is taken
	PortFallback int

	Development bool
	AuthEnabled bool
	// AuthKey overrides the generated per-run key
	AuthKey string
	// AllowedOrigins are extra CORS origins, e.g. a renderer's custom scheme
	AllowedOrigins []string
	Heartbeat      time.Duration

	Resolver assets.Resolver
	// Hub feeds the live channel; nil disables it
	Hub    *assets.Hub
	Bridge *bridge.Bridge
	TLS    *tlslocal.Provider

	Observability *observability.Manager
	HTTPLogger    *zap.Logger
	Logger        *zap.SugaredLogger
}

// Server is the local HTTPS server
type Server struct {
	opts       Options
	logger     *zap.SugaredLogger
	security   *zap.SugaredLogger
	httpLogger *zap.Logger
	metrics    *observability.MetricsManager
	router     *chi.Mux

	authKey   string
	csrfToken string

	mu       sync.RWMutex
	srv      *http.Server
	addr     net.Addr
	closing  chan struct{}
	stopOnce sync.Once
	serveErr chan error
}

// New builds the router. Nothing listens until Start.
func New(opts Options) (*Server, error) {
	if opts.Resolver == nil {
		return nil, errors.New("server: resolver is required")
	}
	if opts.TLS == nil {
		return nil, errors.New("server: certificate provider is required")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HTTPLogger == nil {
		opts.HTTPLogger = zap.NewNop()
	}

	s := &Server{
		opts:       opts,
		logger:     opts.Logger.Named("server"),
		security:   opts.Logger.Named("security"),
		httpLogger: opts.HTTPLogger,
		authKey:    opts.AuthKey,
		csrfToken:  newToken(),
		closing:    make(chan struct{}),
		serveErr:   make(chan error, 1),
	}
	if s.authKey == "" {
		s.authKey = newToken()
	}
	if opts.Observability != nil {
		s.metrics = opts.Observability.Metrics()
	}
	s.router = s.routes()
	return s, nil
}

// newToken returns 32 hex characters from a random UUID
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(reqcontext.Middleware(s.logger))
	if s.opts.Observability != nil {
		r.Use(s.opts.Observability.HTTPMiddleware())
	}
	r.Use(s.cors)

	// Open routes
	r.Get(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.Get(LandingPath, s.handleLanding)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get(StatusPath, s.handleStatus)
		r.Get(LivePath, s.handleLive)
		r.Get(BridgeJSPath, s.handleBridgeJS)
		if s.opts.Bridge != nil {
			r.Handle(BridgePath, s.opts.Bridge.WebSocketHandler(bridge.WebSocketOptions{CheckOrigin: s.checkOrigin}))
			r.Post(InvokePath, s.handleInvoke)
		}
		if s.opts.Observability != nil {
			r.Get(ReadinessPath, s.opts.Observability.Health().ReadyzHandler())
			if s.metrics != nil {
				r.Handle(MetricsPath, s.opts.Observability.MetricsHandler())
			}
		}

		assetHandler := s.assetHandler()
		r.Get("/", assetHandler)
		r.Head("/", assetHandler)
		r.Get("/*", assetHandler)
		r.Head("/*", assetHandler)
	})

	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds the loopback listener and serves TLS in the background. It
// returns once the socket is listening; a bind failure is returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.New("server: already started")
	}

	ln, err := listenLoopback(s.opts.Host, s.opts.Port, s.opts.PortFallback)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ErrorLog:          zap.NewStdLog(s.logger.Desugar()),
	}
	s.srv = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Infow("HTTPS server listening", "address", ln.Addr().String(), "development", s.opts.Development)

	go func() {
		err := tlslocal.ServeWithTLS(srv, ln, s.opts.TLS.TLSConfig())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTPS server stopped", "error", err)
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Done yields a serve error, or closes after a clean shutdown
func (s *Server) Done() <-chan error {
	return s.serveErr
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// URL is the origin the renderer loads, with a trailing slash
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	port := strconv.Itoa(addr.(*net.TCPAddr).Port)
	return "https://" + net.JoinHostPort(s.opts.Host, port) + "/"
}

// LandingURL is the first URL the renderer opens; it exchanges the key for a cookie
func (s *Server) LandingURL() string {
	u := s.URL()
	if u == "" {
		return ""
	}
	if !s.opts.AuthEnabled {
		return u + strings.TrimPrefix(LandingPath, "/")
	}
	return u + strings.TrimPrefix(LandingPath, "/") + "?" + AuthQueryParam + "=" + s.authKey
}

// AuthKey returns the per-run key
func (s *Server) AuthKey() string {
	return s.authKey
}

// CSRFToken returns the token POST routes require in CSRFHeader
func (s *Server) CSRFToken() string {
	return s.csrfToken
}

// Shutdown ends live streams and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.closing) })

	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("HTTPS server stopped")
	return nil
}
