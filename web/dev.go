//go:build dev

package web

import (
	"io/fs"
	"os"
)

// Dist returns the frontend bundle from disk so rebuilds need no recompile
func Dist() fs.FS {
	return os.DirFS("web/frontend/dist")
}

// Embedded returns false in dev builds
func Embedded() bool {
	return false
}
