package server

import (
	"bytes"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/deskshell/deskshell/internal/assets"
	"github.com/deskshell/deskshell/internal/reqcontext"
)

// hashedAsset matches bundler output names carrying a content hash, e.g. app-3F2A9C1B.js
var hashedAsset = regexp.MustCompile(`^assets/.+[-.][0-9A-Za-z]{8,}\.[a-z0-9]+$`)

func (s *Server) assetHandler() http.HandlerFunc {
	return gzhttp.GzipHandler(http.HandlerFunc(s.serveAsset))
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	entry, err := s.opts.Resolver.Resolve(r.URL.EscapedPath())
	if err != nil {
		s.writeAssetError(w, r, err)
		return
	}
	s.writeEntry(w, r, entry)
}

// writeEntry serves entry with its validator; a matching If-None-Match gets 304
func (s *Server) writeEntry(w http.ResponseWriter, r *http.Request, entry *assets.Entry) {
	h := w.Header()
	h.Set("Content-Type", entry.ContentType)
	h.Set("ETag", entry.ETag())
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", s.cacheControl(entry.Path))

	if etagMatches(r.Header.Get("If-None-Match"), entry.ETag()) {
		s.recordAsset("not_modified")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	s.recordAsset("served")
	http.ServeContent(w, r, entry.Path, entry.ModTime, bytes.NewReader(entry.Content))
}

func (s *Server) cacheControl(p string) string {
	if !s.opts.Development && hashedAsset.MatchString(p) {
		return "public, max-age=31536000, immutable"
	}
	return "no-cache"
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// writeAssetError maps resolver failures onto status codes. Traversal
// attempts go to the security log.
func (s *Server) writeAssetError(w http.ResponseWriter, r *http.Request, err error) {
	log := reqcontext.Logger(r.Context())
	switch {
	case errors.Is(err, assets.ErrNotFound):
		s.recordAsset("not_found")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, assets.ErrPathTraversal):
		s.recordAsset("forbidden")
		s.security.Warnw("Path traversal rejected",
			"path", r.URL.EscapedPath(),
			"remote_addr", r.RemoteAddr,
			"request_id", reqcontext.GetRequestID(r.Context()))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		s.recordAsset("error")
		log.Errorw("Asset resolution failed", "path", r.URL.Path, "error", err)
		msg := http.StatusText(http.StatusInternalServerError)
		if s.opts.Development {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func (s *Server) recordAsset(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAsset(outcome)
	}
}

// handleLanding swaps the query key for the auth cookie and serves the index
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if s.opts.AuthEnabled {
		if !s.keyMatches(r.URL.Query().Get(AuthQueryParam)) {
			s.security.Warnw("Landing with invalid auth key", "remote_addr", r.RemoteAddr)
			http.Error(w, authFailureText, http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, s.authCookie())
	}

	entry, err := s.opts.Resolver.Resolve(assets.IndexFile)
	if err != nil {
		s.writeAssetError(w, r, err)
		return
	}
	s.writeEntry(w, r, entry)
}
