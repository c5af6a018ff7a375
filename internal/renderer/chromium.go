package renderer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const chromiumNavigateTimeout = 30 * time.Second

// Chromium drives a local Chrome/Chromium over the DevTools protocol. The
// local certificate is trusted through its SPKI pin only, so no other
// certificate error is ever ignored.
type Chromium struct {
	opts   Options
	logger *zap.SugaredLogger

	lnch    *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page

	ctx    context.Context
	cancel context.CancelFunc

	scripts chan string

	mu       sync.Mutex
	bindings map[string]BindFunc
	closed   chan struct{}
	once     sync.Once
	teardown sync.Once
}

// NewChromium launches the browser and opens a blank page
func NewChromium(opts Options) (*Chromium, error) {
	logger := opts.logger().Named("renderer.chromium")

	l := launcher.New().Headless(opts.Headless)
	if opts.ChromePath != "" {
		l = l.Bin(opts.ChromePath)
	}
	if opts.Width > 0 && opts.Height > 0 {
		l = l.Set("window-size", fmt.Sprintf("%d,%d", opts.Width, opts.Height))
	}
	if len(opts.SPKIPins) > 0 {
		l = l.Set("ignore-certificate-errors-spki-list", strings.Join(opts.SPKIPins, ","))
	}
	l = l.Set("disable-features", "Translate").Set("no-first-run").Set("no-default-browser-check")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("chromium: launch: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("chromium: connect: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("chromium: create page: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Chromium{
		opts:     opts,
		logger:   logger,
		lnch:     l,
		browser:  b,
		page:     page,
		ctx:      ctx,
		cancel:   cancel,
		scripts:  make(chan string, 256),
		bindings: make(map[string]BindFunc),
		closed:   make(chan struct{}),
	}
	go c.evalLoop()

	go c.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		c.mu.Lock()
		fn := c.bindings[e.Name]
		c.mu.Unlock()
		if fn != nil {
			fn(e.Payload)
		}
	})()

	// The user closing the window ends the session
	go func() {
		c.browser.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			return e.TargetID == c.page.TargetID
		})()
		if ctx.Err() == nil {
			logger.Info("Renderer window closed")
		}
		c.once.Do(func() { close(c.closed) })
	}()

	logger.Infow("Chromium launched", "headless", opts.Headless, "pinned", len(opts.SPKIPins) > 0)
	return c, nil
}

// Navigate loads url and waits for the load event
func (c *Chromium) Navigate(url string) error {
	ctx, cancel := context.WithTimeout(c.ctx, chromiumNavigateTimeout)
	defer cancel()

	p := c.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("chromium: navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		c.logger.Warnw("Wait for load failed", "error", err)
	}
	if c.opts.Title != "" {
		_, _ = proto.RuntimeEvaluate{Expression: fmt.Sprintf("document.title = %q", c.opts.Title)}.Call(p)
	}
	return nil
}

// Bind adds a Runtime binding; page script calls window[name](payload)
func (c *Chromium) Bind(name string, fn BindFunc) error {
	c.mu.Lock()
	c.bindings[name] = fn
	c.mu.Unlock()
	return proto.RuntimeAddBinding{Name: name}.Call(c.page.Context(c.ctx))
}

// Eval queues script for evaluation; scripts run in submission order
func (c *Chromium) Eval(script string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.scripts <- script:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Chromium) evalLoop() {
	for {
		select {
		case script := <-c.scripts:
			res, err := proto.RuntimeEvaluate{Expression: script}.Call(c.page.Context(c.ctx))
			if err != nil {
				c.logger.Debugw("Evaluate failed", "error", err)
				continue
			}
			if res.ExceptionDetails != nil {
				c.logger.Warnw("Script failed", "error", res.ExceptionDetails.Text)
			}
		case <-c.closed:
			return
		}
	}
}

// Run blocks until the window closes, Close is called or ctx ends
func (c *Chromium) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-c.closed:
	}
	return c.Close()
}

// Close terminates the browser process
func (c *Chromium) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.teardown.Do(func() {
		c.cancel()
		if err := c.browser.Close(); err != nil {
			c.logger.Debugw("Browser close", "error", err)
		}
		c.lnch.Kill()
		c.lnch.Cleanup()
	})
	return nil
}
