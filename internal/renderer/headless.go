package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/bridge"
)

const (
	headlessQueueSize    = 256
	headlessFetchTimeout = 10 * time.Second
)

// Headless is a window-less renderer backed by a goja VM. It fetches the page
// to check the server answers, then runs the bridge client in a fresh VM so
// native code and tests can drive window.deskshell exactly as a page would.
//
// The VM is owned by a single loop goroutine; every access goes through the
// task queue. Promise jobs run when each task returns.
type Headless struct {
	opts   Options
	logger *zap.SugaredLogger
	client *http.Client

	tasks   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu       sync.Mutex
	bindings map[string]BindFunc

	// owned by the loop goroutine
	vm *goja.Runtime
}

// NewHeadless starts the VM loop
func NewHeadless(opts Options) *Headless {
	h := &Headless{
		opts:     opts,
		logger:   opts.logger().Named("renderer.headless"),
		tasks:    make(chan func(), headlessQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		bindings: make(map[string]BindFunc),
	}
	h.client = &http.Client{
		Timeout:   headlessFetchTimeout,
		Transport: &http.Transport{TLSClientConfig: opts.TLS},
	}
	go h.loop()
	return h
}

func (h *Headless) loop() {
	defer close(h.stopped)
	h.vm = h.newVM(nil)
	for {
		select {
		case task := <-h.tasks:
			task()
		case <-h.done:
			return
		}
	}
}

func (h *Headless) submit(task func()) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.tasks <- task:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// do runs task on the loop and waits for it. Never call it from a binding.
func (h *Headless) do(ctx context.Context, task func() error) error {
	errCh := make(chan error, 1)
	if err := h.submit(func() { errCh <- task() }); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrClosed
	}
}

// newVM builds the page globals: window, location, console, bindings and the bridge client
func (h *Headless) newVM(loc *url.URL) *goja.Runtime {
	vm := goja.New()
	global := vm.GlobalObject()
	_ = global.Set("window", global)

	console := vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.String())
			}
			h.logger.Debugw("console."+level, "args", args)
			return goja.Undefined()
		}
	}
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, logFn(level))
	}
	_ = global.Set("console", console)

	if loc != nil {
		location := vm.NewObject()
		_ = location.Set("href", loc.String())
		_ = location.Set("protocol", loc.Scheme+":")
		_ = location.Set("host", loc.Host)
		_ = location.Set("hostname", loc.Hostname())
		_ = location.Set("pathname", loc.Path)
		_ = location.Set("origin", loc.Scheme+"://"+loc.Host)
		_ = global.Set("location", location)
	}

	h.mu.Lock()
	for name, fn := range h.bindings {
		h.install(vm, name, fn)
	}
	h.mu.Unlock()

	if _, err := vm.RunScript("deskshell-bridge.js", bridge.Shim()); err != nil {
		h.logger.Errorw("Bridge client failed to load", "error", err)
	}
	return vm
}

func (h *Headless) install(vm *goja.Runtime, name string, fn BindFunc) {
	_ = vm.Set(name, func(call goja.FunctionCall) goja.Value {
		fn(call.Argument(0).String())
		return goja.Undefined()
	})
}

// Navigate fetches u (when it is an http(s) URL) and resets the VM for it.
// A non-200 answer is an error and leaves the previous page in place.
func (h *Headless) Navigate(u string) error {
	loc, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	if loc.Scheme == "http" || loc.Scheme == "https" {
		resp, err := h.client.Get(u)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", loc.Redacted(), err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch %s: status %d", loc.Path, resp.StatusCode)
		}
	}

	return h.do(context.Background(), func() error {
		h.vm = h.newVM(loc)
		h.logger.Debugw("Page loaded", "path", loc.Path)
		return nil
	})
}

// Bind exposes fn to the current VM and every VM created by later navigations
func (h *Headless) Bind(name string, fn BindFunc) error {
	h.mu.Lock()
	h.bindings[name] = fn
	h.mu.Unlock()
	return h.submit(func() { h.install(h.vm, name, fn) })
}

// Eval queues script; exceptions are logged
func (h *Headless) Eval(script string) error {
	return h.submit(func() {
		if _, err := h.vm.RunString(script); err != nil {
			h.logger.Warnw("Script failed", "error", err)
		}
	})
}

// Evaluate runs script and returns its exported completion value
func (h *Headless) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	err := h.do(ctx, func() error {
		v, err := h.vm.RunString(script)
		if err != nil {
			return err
		}
		out = v.Export()
		return nil
	})
	return out, err
}

// Run blocks until Close or ctx cancellation
func (h *Headless) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return h.Close()
	case <-h.stopped:
		return nil
	}
}

// Close stops the loop; queued tasks are dropped
func (h *Headless) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.client.CloseIdleConnections()
	})
	<-h.stopped
	return nil
}
