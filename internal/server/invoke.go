package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/reqcontext"
)

// CSRFHeader must carry the per-run token on POST routes
const CSRFHeader = "X-Deskshell-Csrf-Token"

const maxInvokeBody = 8 << 20

type invokeResponse struct {
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *bridge.CallError `json:"error,omitempty"`
}

// handleInvoke is the request/response bridge transport for clients that
// cannot hold a socket. The body is the JSON argument array.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.csrfMatches(r.Header.Get(CSRFHeader)) {
		s.security.Warnw("Invoke rejected: missing or invalid CSRF token",
			"path", r.URL.Path, "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, invokeResponse{
			Error: bridge.NewCallError(bridge.CodeBadRequest, "missing or invalid CSRF token"),
		})
		return
	}

	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, invokeResponse{Error: bridge.BadRequest("read body: %v", err)})
		return
	}

	var args []json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, invokeResponse{Error: bridge.BadRequest("arguments must be a JSON array: %v", err)})
			return
		}
	}

	// calls outlive a disconnected client, as on the socket transports
	ctx := reqcontext.WithSource(context.WithoutCancel(r.Context()), reqcontext.SourceBridge)
	result, err := s.opts.Bridge.InvokeNative(ctx, name, args)
	if err != nil {
		var cerr *bridge.CallError
		if !errors.As(err, &cerr) {
			cerr = bridge.HandlerError(err)
		}
		writeJSON(w, callErrorStatus(cerr.Code), invokeResponse{Error: cerr})
		return
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, invokeResponse{Result: result})
}

func (s *Server) csrfMatches(token string) bool {
	return token != "" && token == s.csrfToken
}

func callErrorStatus(code bridge.ErrorCode) int {
	switch code {
	case bridge.CodeNotFound:
		return http.StatusNotFound
	case bridge.CodeBadRequest:
		return http.StatusBadRequest
	case bridge.CodeTimeout:
		return http.StatusGatewayTimeout
	case bridge.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
