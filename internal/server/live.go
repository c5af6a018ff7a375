package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deskshell/deskshell/internal/assets"
	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/reqcontext"
)

// reconnect delay the browser applies after the stream drops, in milliseconds
const liveRetryMillis = 2000

// handleLive streams build changes as server-sent events. Only development
// mode has a live channel.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Development || s.opts.Hub == nil {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	log := reqcontext.Logger(r.Context())
	sub := s.opts.Hub.Subscribe()
	defer func() {
		sub.Close()
		s.reportSubscribers()
	}()
	s.reportSubscribers()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello := assets.Change{Type: "hello", Generation: s.opts.Resolver.Status().Generation}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", liveRetryMillis); err != nil {
		return
	}
	if err := writeEvent(w, hello); err != nil {
		return
	}
	flusher.Flush()
	log.Debugw("Live subscriber connected", "generation", hello.Generation)

	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case change, open := <-sub.C:
			if !open {
				// dropped for lagging or hub closed; the client reconnects
				log.Debugw("Live subscription ended")
				return
			}
			if err := writeEvent(w, change); err != nil {
				log.Debugw("Live subscriber write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, c assets.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Type, data)
	return err
}

func (s *Server) reportSubscribers() {
	if s.metrics != nil && s.opts.Hub != nil {
		s.metrics.SetLiveSubscribers(s.opts.Hub.Len())
	}
}

// StatusResponse is the body of the status route
type StatusResponse struct {
	Mode      string        `json:"mode"`
	Build     assets.Status `json:"build"`
	CSRFToken string        `json:"csrf_token"`
	Bridge    *BridgeStatus `json:"bridge,omitempty"`
	Listening string        `json:"listening"`
}

// BridgeStatus reports attached renderers and in-flight calls
type BridgeStatus struct {
	Peers        []string `json:"peers"`
	Pending      int      `json:"pending"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Mode:      "production",
		Build:     s.opts.Resolver.Status(),
		CSRFToken: s.csrfToken,
	}
	if s.opts.Development {
		resp.Mode = "development"
	}
	if addr := s.Addr(); addr != nil {
		resp.Listening = addr.String()
	}
	if b := s.opts.Bridge; b != nil {
		resp.Bridge = &BridgeStatus{
			Peers:        b.Peers(),
			Pending:      b.Pending(),
			Capabilities: b.Registry().Names(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBridgeJS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write([]byte(bridge.Shim()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
