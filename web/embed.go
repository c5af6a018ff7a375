//go:build !dev

// Package web carries the production frontend bundle
package web

import (
	"embed"
	"io/fs"
)

//go:embed all:frontend/dist
var embeddedFiles embed.FS

// Dist returns the embedded frontend bundle rooted at its index.html
func Dist() fs.FS {
	distFS, err := fs.Sub(embeddedFiles, "frontend/dist")
	if err != nil {
		panic("failed to get embedded frontend files: " + err.Error())
	}
	return distFS
}

// Embedded reports whether the bundle is compiled into the binary
func Embedded() bool {
	return true
}
