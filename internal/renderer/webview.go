//go:build webview

package renderer

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"

	webview "github.com/webview/webview_go"
	"go.uber.org/zap"
)

var errWebviewUnavailable = errors.New("webview: native window could not be created")

func init() {
	// The native window must be driven from the main thread
	runtime.LockOSThread()
}

// Webview is the native OS webview (WebKit, WebView2, WebKitGTK). Run must be
// called from the main goroutine.
type Webview struct {
	w      webview.WebView
	logger *zap.SugaredLogger

	closed chan struct{}
	once   sync.Once
}

func newWebview(opts Options) (Renderer, error) {
	if len(opts.SPKIPins) > 0 {
		// WebView2 forwards these to its Chromium instance; other engines ignore them
		_ = os.Setenv("WEBVIEW2_ADDITIONAL_BROWSER_ARGUMENTS",
			"--ignore-certificate-errors-spki-list="+strings.Join(opts.SPKIPins, ","))
	}

	w := webview.New(opts.Debug)
	if w == nil {
		return nil, errWebviewUnavailable
	}
	w.SetTitle(opts.Title)
	w.SetSize(opts.Width, opts.Height, webview.HintNone)

	return &Webview{
		w:      w,
		logger: opts.logger().Named("renderer.webview"),
		closed: make(chan struct{}),
	}, nil
}

func (v *Webview) Navigate(url string) error {
	v.w.Dispatch(func() { v.w.Navigate(url) })
	return nil
}

// Bind exposes fn; the page-side function returns a Promise that webview
// resolves with our (empty) return value
func (v *Webview) Bind(name string, fn BindFunc) error {
	return v.w.Bind(name, func(payload string) {
		fn(payload)
	})
}

func (v *Webview) Eval(script string) error {
	select {
	case <-v.closed:
		return ErrClosed
	default:
	}
	v.w.Dispatch(func() { v.w.Eval(script) })
	return nil
}

// Run enters the native event loop
func (v *Webview) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			v.w.Dispatch(v.w.Terminate)
		case <-v.closed:
		}
	}()
	v.w.Run()
	v.once.Do(func() { close(v.closed) })
	v.w.Destroy()
	return nil
}

func (v *Webview) Close() error {
	v.once.Do(func() {
		close(v.closed)
		v.w.Dispatch(v.w.Terminate)
	})
	return nil
}
