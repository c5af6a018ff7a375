// Package shell assembles the desktop shell: certificate, asset resolver,
// bundler, bridge, HTTPS server and renderer, started and stopped in order.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/assets"
	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/bundler"
	"github.com/deskshell/deskshell/internal/capability"
	"github.com/deskshell/deskshell/internal/config"
	"github.com/deskshell/deskshell/internal/logs"
	"github.com/deskshell/deskshell/internal/observability"
	"github.com/deskshell/deskshell/internal/renderer"
	"github.com/deskshell/deskshell/internal/server"
	"github.com/deskshell/deskshell/internal/storage"
	"github.com/deskshell/deskshell/internal/tlslocal"
)

const (
	rendererPeerID = "window"
	shutdownGrace  = 5 * time.Second
)

// Options configures an App
type Options struct {
	Config  *config.Config
	Version string

	// Bundle is served in production when no asset root is configured
	Bundle fs.FS

	// Logger and HTTPLogger default to loggers built from Config.Logging
	Logger     *zap.Logger
	HTTPLogger *zap.Logger
	// Redactor masks the auth key in every log line
	Redactor *logs.Redactor

	// Capabilities are registered after the platform set
	Capabilities []capability.NativeCapability
	// Renderer replaces the configured backend
	Renderer renderer.Renderer
	// Bundler replaces the configured development bundler
	Bundler bundler.Bundler
}

// App is one running shell
type App struct {
	cfg     *config.Config
	version string
	logger  *zap.SugaredLogger
	redact  *logs.Redactor

	provider *tlslocal.Provider
	obs      *observability.Manager
	prefs    *storage.BoltDB
	resolver assets.Resolver
	live     *assets.Live
	hub      *assets.Hub
	bundler  bundler.Bundler
	registry *bridge.Registry
	bridge   *bridge.Bridge
	server   *server.Server
	window   renderer.Renderer

	phase *phaseMachine

	mu     sync.Mutex
	cancel context.CancelFunc
	quit   bool
}

// New builds every component. Nothing listens and no window opens until Run.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:     cfg,
		version: opts.Version,
		redact:  opts.Redactor,
		phase:   newPhaseMachine(PhaseInitializing),
	}
	if a.redact == nil {
		a.redact = logs.NewRedactor()
	}
	if err := a.setupLogging(opts); err != nil {
		return nil, err
	}
	httpLogger := opts.HTTPLogger
	if httpLogger == nil {
		var err error
		httpLogger, err = logs.CreateHTTPLogger(cfg.Logging, a.redact)
		if err != nil {
			return nil, fmt.Errorf("failed to create http logger: %w", err)
		}
	}

	provider, err := tlslocal.NewProvider(tlslocal.Options{
		Host:         tlslocal.DefaultHost,
		Organization: cfg.AppName,
	}, a.logger.Named("tls"))
	if err != nil {
		return nil, fmt.Errorf("failed to provision certificate: %w", err)
	}
	a.provider = provider

	a.obs, err = observability.NewManager(a.logger, cfg.Observability, cfg.AppName, a.version)
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability: %w", err)
	}
	if m := a.obs.Metrics(); m != nil {
		provider.OnRotate(func(*tlslocal.Certificate) { m.RecordCertRotation() })
	}

	if err := a.setupAssets(opts); err != nil {
		a.closeEarly()
		return nil, err
	}

	if cfg.DataDir != "" {
		a.prefs, err = storage.NewBoltDB(cfg.DataDir, a.logger.Named("storage"))
		if err != nil {
			// preferences are optional; the prefs.* capabilities are left out
			a.logger.Warnw("Preference store unavailable", "data_dir", cfg.DataDir, "error", err)
			a.prefs = nil
		}
	}

	if err := a.setupBridge(opts); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.server, err = server.New(server.Options{
		Host:           cfg.Listen,
		Port:           cfg.Port,
		PortFallback:   cfg.PortFallback,
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    cfg.IsDevelopment(),
		AuthEnabled:    cfg.Auth.Enabled,
		AuthKey:        cfg.Auth.Key,
		Heartbeat:      cfg.LiveUpdate.Heartbeat,
		Resolver:       a.resolver,
		Hub:            a.hub,
		Bridge:         a.bridge,
		TLS:            provider,
		Observability:  a.obs,
		HTTPLogger:     httpLogger,
		Logger:         a.logger,
	})
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.redact.Register(a.server.AuthKey())
	a.addReadinessChecks()

	a.window = opts.Renderer
	return a, nil
}

func (a *App) setupLogging(opts Options) error {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logs.SetupLogger(a.cfg.Logging, a.redact)
		if err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
	}
	a.logger = logger.Sugar()
	return nil
}

// setupAssets picks the resolver for the mode. Production serves a snapshot
// loaded once; development serves whatever the bundler built last.
func (a *App) setupAssets(opts Options) error {
	cfg := a.cfg
	if !cfg.IsDevelopment() {
		fsys := opts.Bundle
		source := "embedded"
		if cfg.AssetRoot != "" {
			fsys = os.DirFS(cfg.AssetRoot)
			source = cfg.AssetRoot
		}
		if fsys == nil {
			return errors.New("no frontend bundle: set asset_root or embed one")
		}
		static, err := assets.LoadStatic(fsys)
		if err != nil {
			return fmt.Errorf("failed to load frontend bundle from %s: %w", source, err)
		}
		a.resolver = static
		a.logger.Infow("Serving production bundle", "source", source, "entries", static.Status().Entries)
		return nil
	}

	a.hub = assets.NewHub(cfg.LiveUpdate.Buffer, a.logger.Named("live"))
	a.live = assets.NewLive(nil, a.hub, a.logger.Named("assets"))
	a.resolver = a.live

	a.bundler = opts.Bundler
	if a.bundler == nil {
		a.bundler = newBundler(cfg, a.logger)
	}
	return nil
}

func newBundler(cfg *config.Config, logger *zap.SugaredLogger) bundler.Bundler {
	b := cfg.Bundler
	switch b.Kind {
	case config.BundlerEsbuild:
		return bundler.NewEsbuild(bundler.EsbuildOptions{
			EntryPoints: b.EntryPoints,
			OutDir:      b.OutDir,
			PublicDir:   cfg.AssetRoot,
			WorkDir:     b.WorkDir,
			Sourcemap:   true,
			Logger:      logger,
		})
	case config.BundlerCommand:
		return bundler.NewCommand(bundler.CommandOptions{
			Command:  b.Command,
			Args:     b.Args,
			WorkDir:  b.WorkDir,
			OutDir:   b.OutDir,
			Debounce: b.Debounce,
			Logger:   logger,
		})
	default:
		// no tool: the asset root itself is watched and served as built
		return bundler.NewCommand(bundler.CommandOptions{
			OutDir:   cfg.AssetRoot,
			Debounce: b.Debounce,
			Logger:   logger,
		})
	}
}

func (a *App) setupBridge(opts Options) error {
	cfg := a.cfg
	a.registry = bridge.NewRegistry()

	env := capability.Env{
		AppName:  cfg.AppName,
		Version:  a.version,
		Mode:     cfg.Mode,
		AskDelay: cfg.Bridge.AskDelay,
		OnMenu:   a.onMenu,
		Quit:     a.Quit,
		Logger:   a.logger.Named("capability"),
	}
	if a.prefs != nil {
		env.Prefs = a.prefs
	}
	caps := append(capability.Platform(env), opts.Capabilities...)
	if err := capability.Register(a.registry, caps...); err != nil {
		return err
	}
	a.registry.Seal()

	bopts := bridge.Options{
		PendingTimeout: cfg.Bridge.PendingTimeout,
		MaxPending:     cfg.Bridge.MaxPending,
		Verbose:        cfg.IsDevelopment(),
		Logger:         a.logger,
	}
	if m := a.obs.Metrics(); m != nil {
		bopts.Metrics = m
	}
	a.bridge = bridge.New(a.registry, bopts)
	a.logger.Infow("Capabilities registered", "names", a.registry.Names())
	return nil
}

func (a *App) addReadinessChecks() {
	health := a.obs.Health()
	health.AddChecker(observability.CheckFunc{Component: "certificate", Fn: func(context.Context) error {
		_, err := a.provider.Current()
		return err
	}})
	health.AddChecker(observability.CheckFunc{Component: "server", Fn: func(context.Context) error {
		if a.server.Addr() == nil {
			return errors.New("not listening")
		}
		return nil
	}})
	health.AddChecker(observability.CheckFunc{Component: "assets", Fn: func(context.Context) error {
		st := a.resolver.Status()
		if st.BuildError != nil {
			return fmt.Errorf("last build failed: %s", st.BuildError.Message)
		}
		if st.Generation == 0 && st.Live {
			return errors.New("waiting for first build")
		}
		return nil
	}})
}

// onMenu forwards a native menu choice to the page's exposed onMenu function
func (a *App) onMenu(id string) {
	if err := a.bridge.InvokeRenderer(context.Background(), "onMenu", id); err != nil {
		a.logger.Debugw("Menu event not delivered", "id", id, "error", err)
	}
}

// Quit asks Run to stop
func (a *App) Quit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quit = true
	if a.cancel != nil {
		a.cancel()
	}
}

// Bridge returns the native bridge
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Server returns the HTTPS server
func (a *App) Server() *server.Server { return a.server }

// Provider returns the certificate provider
func (a *App) Provider() *tlslocal.Provider { return a.provider }

// Renderer returns the window, nil before Run or with the none backend
func (a *App) Renderer() renderer.Renderer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// Phase returns the lifecycle phase and a channel closed on the next change
func (a *App) Phase() (Phase, <-chan struct{}) {
	return a.phase.Current()
}

// Run starts the shell and blocks until the window closes, Quit is called or
// ctx ends. Only certificate and bind failures abort startup. The window runs
// on the calling goroutine, which must be the main one for native backends.
func (a *App) Run(ctx context.Context) (err error) {
	if !a.phase.Transition(PhaseStarting) {
		return errors.New("shell already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.cancel = cancel
	if a.quit {
		cancel()
	}
	a.mu.Unlock()

	defer func() {
		if err != nil {
			a.phase.Transition(PhaseError)
		}
		a.shutdown()
	}()

	if a.bundler != nil {
		a.startBundler(ctx)
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	var win renderer.Renderer
	if a.cfg.Renderer.Backend != config.RendererNone || a.Renderer() != nil {
		var detach func()
		win, detach, err = a.openWindow(ctx)
		if err != nil {
			return err
		}
		defer detach()
	}

	a.phase.Transition(PhaseRunning)
	a.logger.Infow("Shell running",
		"url", a.server.URL(),
		"mode", a.cfg.Mode,
		"renderer", a.cfg.Renderer.Backend)

	if win == nil {
		return a.wait(ctx)
	}

	waited := make(chan error, 1)
	go func() {
		waited <- a.wait(ctx)
		cancel()
	}()

	if rerr := win.Run(ctx); rerr != nil && !errors.Is(rerr, renderer.ErrClosed) {
		a.logger.Errorw("Renderer stopped with error", "error", rerr)
	} else if ctx.Err() == nil {
		a.logger.Info("Window closed")
	}
	cancel()
	return <-waited
}

// wait blocks until ctx ends or the server fails
func (a *App) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case serr, ok := <-a.server.Done():
		if ok && serr != nil {
			return fmt.Errorf("server stopped: %w", serr)
		}
		return nil
	}
}

func (a *App) startBundler(ctx context.Context) {
	events, err := a.bundler.Start(ctx)
	if err != nil {
		// still serve: requests report the missing build until the tool recovers
		a.logger.Errorw("Failed to start bundler", "error", err)
		return
	}
	go a.rebuildLoop(ctx, events)
}

// rebuildLoop applies bundler events to the live resolver
func (a *App) rebuildLoop(ctx context.Context, events <-chan bundler.Event) {
	metrics := a.obs.Metrics()
	tracing := a.obs.Tracing()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			change, changed := a.live.Apply(ev)
			if !changed {
				continue
			}
			result := "succeeded"
			if change.Type == assets.ChangeError {
				result = "failed"
			}
			if metrics != nil {
				metrics.RecordRebuild(result, change.Generation)
			}
			if tracing != nil {
				var buildErr error
				if change.Type == assets.ChangeError {
					buildErr = errors.New(change.Message)
				}
				tracing.TraceRebuild(ctx, change.Generation, buildErr)
			}
			a.logger.Infow("Build applied",
				"result", result,
				"generation", change.Generation,
				"modules", change.Modules)
		}
	}
}

// openWindow creates the renderer, connects it to the bridge and loads the
// landing page. The returned function detaches it from the bridge.
func (a *App) openWindow(ctx context.Context) (renderer.Renderer, func(), error) {
	win := a.Renderer()
	if win == nil {
		var err error
		win, err = a.newRenderer()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
		}
		a.mu.Lock()
		a.window = win
		a.mu.Unlock()
	}

	detach, err := renderer.Connect(ctx, win, a.bridge, rendererPeerID)
	if err != nil {
		return nil, nil, err
	}
	if err := win.Navigate(a.server.LandingURL()); err != nil {
		detach()
		return nil, nil, fmt.Errorf("failed to load %s: %w", a.server.URL(), err)
	}
	return win, detach, nil
}

func (a *App) newRenderer() (renderer.Renderer, error) {
	rc := a.cfg.Renderer
	cert, err := a.provider.Current()
	if err != nil {
		return nil, err
	}
	clientTLS, err := a.provider.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	title := rc.Title
	if title == "" {
		title = a.cfg.AppName
	}
	return renderer.New(rc.Backend, renderer.Options{
		Title:      title,
		Width:      rc.Width,
		Height:     rc.Height,
		Debug:      rc.Debug || a.cfg.IsDevelopment(),
		ChromePath: rc.ChromePath,
		SPKIPins:   []string{cert.SPKIFingerprint()},
		TLS:        clientTLS,
		Logger:     a.logger.Named("renderer"),
	})
}

// shutdown stops components in reverse start order
func (a *App) shutdown() {
	a.phase.Transition(PhaseStopping)

	if win := a.Renderer(); win != nil {
		if err := win.Close(); err != nil && !errors.Is(err, renderer.ErrClosed) {
			a.logger.Warnw("Error closing renderer", "error", err)
		}
	}
	if a.bundler != nil {
		if err := a.bundler.Close(); err != nil {
			a.logger.Warnw("Error stopping bundler", "error", err)
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warnw("Error stopping server", "error", err)
	}
	a.closeEarly()

	a.phase.Transition(PhaseStopped)
	a.logger.Info("Shell stopped")
}

// closeEarly releases what New acquired
func (a *App) closeEarly() {
	if a.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.obs.Close(ctx); err != nil {
			a.logger.Warnw("Error closing observability", "error", err)
		}
	}
	if a.prefs != nil {
		if err := a.prefs.Close(); err != nil {
			a.logger.Warnw("Error closing preference store", "error", err)
		}
		a.prefs = nil
	}
}
