// Package renderer hosts the frontend. Every backend exposes the same small
// surface: load a URL, expose a native function to page script, evaluate
// script, and block until the window goes away.
package renderer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/config"
)

// ErrClosed is returned by operations on a renderer that has shut down
var ErrClosed = errors.New("renderer closed")

// BindFunc receives the single string argument page script passed to a binding
type BindFunc func(payload string)

// Renderer is a window (or window stand-in) displaying the frontend
type Renderer interface {
	Navigate(url string) error
	// Bind exposes fn to page script as a global function of the given name.
	// Bindings survive later navigations.
	Bind(name string, fn BindFunc) error
	// Eval schedules script in the page; it does not wait for completion
	Eval(script string) error
	// Run blocks until the renderer is closed by the user, Close, or ctx
	Run(ctx context.Context) error
	Close() error
}

// Options configures a backend
type Options struct {
	Title  string
	Width  int
	Height int
	Debug  bool

	// ChromePath overrides browser discovery for the chromium backend
	ChromePath string
	// Headless runs chromium without a visible window
	Headless bool
	// SPKIPins are base64 SHA-256 public key hashes the chromium and webview
	// backends accept for the local server in place of CA validation
	SPKIPins []string
	// TLS is the client configuration the headless backend fetches pages with
	TLS *tls.Config

	Logger *zap.SugaredLogger
}

func (o *Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// New constructs the backend named by the configuration
func New(backend string, opts Options) (Renderer, error) {
	switch backend {
	case config.RendererHeadless:
		return NewHeadless(opts), nil
	case config.RendererChromium:
		return NewChromium(opts)
	case config.RendererWebview:
		return newWebview(opts)
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", backend)
	}
}

// Connect registers r as a bridge peer: page script reaches the bridge through
// the binding, and native to renderer envelopes are delivered with Eval.
// The returned function detaches the peer, failing its pending calls.
func Connect(ctx context.Context, r Renderer, b *bridge.Bridge, peerID string) (func(), error) {
	peer := &bridge.EvalPeer{PeerID: peerID, Eval: r.Eval}
	err := r.Bind(bridge.BindingName, func(payload string) {
		b.HandleBinding(ctx, peer, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", bridge.BindingName, err)
	}
	b.Attach(peer)
	return func() { b.DropPeer(peerID) }, nil
}
