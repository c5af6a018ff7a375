package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/reqcontext"
)

const (
	// AuthQueryParam carries the per-run key on the landing URL
	AuthQueryParam = "authKey"
	// AuthCookieName holds the key after landing
	AuthCookieName = "Auth"

	authCookieMaxAge = 86400
	authFailureText  = "The auth key is invalid."
)

// accessLog writes one line per request to http.log
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.httpLogger.Info("HTTP Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
			zap.String("request_id", ww.Header().Get(reqcontext.RequestIDHeader)),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// cors echoes allowed origins; the page and the server differ by scheme or
// port during development, and custom renderer origins need the same answer
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Add("Vary", "Origin")
			if s.originAllowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+CSRFHeader+", "+reqcontext.RequestIDHeader+", "+reqcontext.CorrelationIDHeader)
				h.Set("Access-Control-Expose-Headers", reqcontext.RequestIDHeader+", "+reqcontext.CorrelationIDHeader)
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts loopback http(s) origins on any port plus configured extras
func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// checkOrigin guards the websocket upgrade; non-browser clients send no Origin
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// requireAuth admits requests carrying the run's key as query parameter or cookie
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if !s.opts.AuthEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		reqcontext.Logger(r.Context()).Warnw("Rejected request without valid auth key",
			"path", r.URL.Path, "remote_addr", r.RemoteAddr)
		http.Error(w, authFailureText, http.StatusUnauthorized)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if key := r.URL.Query().Get(AuthQueryParam); key != "" {
		return s.keyMatches(key)
	}
	if c, err := r.Cookie(AuthCookieName); err == nil {
		return s.keyMatches(c.Value)
	}
	return false
}

func (s *Server) keyMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.authKey)) == 1
}

func (s *Server) authCookie() *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    s.authKey,
		Path:     "/",
		MaxAge:   authCookieMaxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
