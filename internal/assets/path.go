package assets

import (
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"strings"
)

// IndexFile is served for the root and for directory paths
const IndexFile = "index.html"

// CleanPath turns a request path into a key relative to the asset root.
//
// Any ".." segment is rejected outright, before normalisation, even when
// the normalised path would stay inside the root. Percent-encoded
// segments are decoded once more so double-encoded dots are caught too.
func CleanPath(raw string) (string, error) {
	p := raw
	if strings.Contains(p, "%") {
		if decoded, err := url.PathUnescape(p); err == nil {
			p = decoded
		}
	}

	if strings.ContainsAny(p, "\x00\\") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, raw)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, raw)
		}
	}

	dir := strings.HasSuffix(p, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return IndexFile, nil
	}

	p = path.Clean(p)
	if p == "." {
		return IndexFile, nil
	}
	if dir {
		p = path.Join(p, IndexFile)
	}

	// rejects drive letters and other non-portable names
	if !fs.ValidPath(p) || strings.Contains(p, ":") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, raw)
	}
	return p, nil
}
