package shell

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/deskshell/deskshell/internal/bundler"
	"github.com/deskshell/deskshell/internal/config"
	"github.com/deskshell/deskshell/internal/renderer"
	"github.com/deskshell/deskshell/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.DataDir = t.TempDir()
	cfg.Renderer.Backend = config.RendererHeadless
	cfg.Bridge.AskDelay = 0
	cfg.Logging.EnableFile = false
	return cfg
}

func bundle() fstest.MapFS {
	return fstest.MapFS{
		"index.html":    {Data: []byte(`<!doctype html><script src="/__deskshell/bridge.js"></script>`)},
		"assets/app.js": {Data: []byte("console.log('app')")},
	}
}

func newApp(t *testing.T, cfg *config.Config, mutate func(*Options)) *App {
	t.Helper()
	opts := Options{
		Config:     cfg,
		Version:    "v-test",
		Bundle:     bundle(),
		Logger:     zaptest.NewLogger(t),
		HTTPLogger: zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	app, err := New(opts)
	require.NoError(t, err)
	return app
}

// start runs the app in the background and waits for it to be running
func start(t *testing.T, app *App) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	t.Cleanup(func() {
		app.Quit()
		waitPhase(t, app, PhaseStopped)
	})

	deadline := time.After(10 * time.Second)
	for {
		phase, changed := app.Phase()
		switch phase {
		case PhaseRunning:
			return done
		case PhaseError, PhaseStopped:
			t.Fatalf("shell failed to start: phase %s", phase)
		}
		select {
		case <-changed:
		case err := <-done:
			t.Fatalf("shell exited during startup: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for shell to run")
		}
	}
}

func waitPhase(t *testing.T, app *App, want Phase) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		phase, changed := app.Phase()
		if phase == want {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			t.Errorf("phase is %s, want %s", phase, want)
			return
		}
	}
}

func evalEventually(t *testing.T, h *renderer.Headless, script string, want any) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.Evaluate(context.Background(), script)
		return err == nil && assert.ObjectsAreEqual(want, got)
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s == %v", script, want)
}

func TestShellBridgesHeadlessWindow(t *testing.T) {
	app := newApp(t, testConfig(t), nil)
	start(t, app)

	h, ok := app.Renderer().(*renderer.Headless)
	require.True(t, ok)

	_, err := h.Evaluate(context.Background(), `
		deskshell.invoke('ping', 'hello', 2).then(function (v) { globalThis.pong = JSON.stringify(v); });
		deskshell.invoke('askNative', {msg: 'hi'}).then(function (v) { globalThis.answer = v.response; });
		deskshell.invoke('appInfo').then(function (v) { globalThis.version = v.version; });
	`)
	require.NoError(t, err)

	evalEventually(t, h, "globalThis.pong", `["hello",2]`)
	evalEventually(t, h, "globalThis.answer", "Hello from native (0)")
	evalEventually(t, h, "globalThis.version", "v-test")

	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		// no native menu on this platform: a structured error, not a crash
		_, err = h.Evaluate(context.Background(), `
			deskshell.invoke('setupMenu').catch(function (e) { globalThis.menu = e.code; });
		`)
		require.NoError(t, err)
		evalEventually(t, h, "globalThis.menu", "NOT_FOUND")
	}

	_, err = h.Evaluate(context.Background(), `
		deskshell.invoke('prefs.set', 'theme', 'dark')
			.then(function () { return deskshell.invoke('prefs.get', 'theme'); })
			.then(function (v) { globalThis.theme = v; });
	`)
	require.NoError(t, err)
	evalEventually(t, h, "globalThis.theme", "dark")

	// native menu choices reach the page's exposed handler
	_, err = h.Evaluate(context.Background(), `
		deskshell.expose('onMenu', function (id) { globalThis.chosen = id; });
	`)
	require.NoError(t, err)
	app.onMenu("about")
	evalEventually(t, h, "globalThis.chosen", "about")

	assert.Equal(t, []string{rendererPeerID}, app.Bridge().Peers())
}

func TestQuitStopsTheShell(t *testing.T) {
	app := newApp(t, testConfig(t), nil)
	done := start(t, app)

	app.Quit()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
	phase, _ := app.Phase()
	assert.Equal(t, PhaseStopped, phase)
	assert.Empty(t, app.Bridge().Peers(), "window detached from the bridge")

	assert.Error(t, app.Run(context.Background()), "an app runs once")
}

func TestBindFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	app := newApp(t, cfg, nil)

	err = app.Run(context.Background())
	var inUse *server.PortInUseError
	require.ErrorAs(t, err, &inUse)
	phase, _ := app.Phase()
	assert.Equal(t, PhaseStopped, phase)
}

type fakeBundler struct {
	ch   chan bundler.Event
	once sync.Once
}

func (f *fakeBundler) Start(context.Context) (<-chan bundler.Event, error) { return f.ch, nil }

func (f *fakeBundler) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

func TestDevelopmentServesLatestBuild(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeDevelopment
	cfg.AssetRoot = t.TempDir()
	cfg.Renderer.Backend = config.RendererNone

	fb := &fakeBundler{ch: make(chan bundler.Event, 4)}
	app := newApp(t, cfg, func(o *Options) { o.Bundler = fb })
	start(t, app)

	tlsCfg, err := app.Provider().ClientTLSConfig()
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}, Timeout: 5 * time.Second}
	get := func(p string) (int, string) {
		resp, err := client.Get(app.Server().URL() + p + "?authKey=" + app.Server().AuthKey())
		if err != nil {
			return 0, err.Error()
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	// nothing built yet
	code, _ := get("assets/app.js")
	assert.Equal(t, http.StatusInternalServerError, code)

	fb.ch <- bundler.Succeeded(map[string][]byte{
		"index.html":    []byte("<html></html>"),
		"assets/app.js": []byte("v1"),
	})
	require.Eventually(t, func() bool {
		code, body := get("assets/app.js")
		return code == http.StatusOK && body == "v1"
	}, 5*time.Second, 20*time.Millisecond)

	fb.ch <- bundler.Failed("syntax error")
	require.Eventually(t, func() bool {
		return app.resolver.Status().BuildError != nil
	}, 5*time.Second, 20*time.Millisecond)
	code, body := get("assets/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1", body, "failed build keeps the previous output")

	code, _ = get("readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestConfiguredOriginsReachTheServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedOrigins = []string{"deskshell://app"}
	app := newApp(t, cfg, nil)
	t.Cleanup(app.closeEarly)

	req := httptest.NewRequest(http.MethodOptions, "/__deskshell/invoke/ping", nil)
	req.Header.Set("Origin", "deskshell://app")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	app.Server().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "deskshell://app", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPortFallbackFromConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.PortFallback = 20
	cfg.Renderer.Backend = config.RendererNone
	app := newApp(t, cfg, nil)
	start(t, app)

	addr, ok := app.Server().Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.Greater(t, addr.Port, cfg.Port, "bound a following port")
	assert.LessOrEqual(t, addr.Port, cfg.Port+cfg.PortFallback)
}

func TestProductionRequiresABundle(t *testing.T) {
	_, err := New(Options{
		Config:     testConfig(t),
		Logger:     zap.NewNop(),
		HTTPLogger: zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestPhaseTransitions(t *testing.T) {
	pm := newPhaseMachine(PhaseInitializing)
	_, changed := pm.Current()

	assert.False(t, pm.Transition(PhaseRunning), "must start first")
	assert.True(t, pm.Transition(PhaseStarting))
	select {
	case <-changed:
	default:
		t.Fatal("transition not signalled")
	}
	assert.True(t, pm.Transition(PhaseStarting), "same phase is a no-op")
	assert.True(t, pm.Transition(PhaseRunning))
	assert.False(t, pm.Transition(PhaseStarting))
	assert.True(t, pm.Transition(PhaseStopping))
	assert.True(t, pm.Transition(PhaseStopped))
	assert.False(t, pm.Transition(PhaseRunning), "stopped is terminal")
}
