//go:build !webview

package renderer

import "errors"

var errWebviewUnavailable = errors.New("webview backend not compiled in (build with -tags webview)")

func newWebview(Options) (Renderer, error) {
	return nil, errWebviewUnavailable
}
