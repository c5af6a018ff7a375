package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10 // pong deadline is derived back from this
	wsMaxMessageSize = 8 << 20
)

// WebSocketOptions configures the WebSocket transport
type WebSocketOptions struct {
	// CheckOrigin decides whether the upgrade is allowed. Nil allows only same-host requests.
	CheckOrigin func(r *http.Request) bool
	// PingPeriod overrides the keepalive interval, mainly for tests
	PingPeriod time.Duration
}

// WebSocketHandler serves the bridge over a WebSocket. Each connection is one peer.
func (b *Bridge) WebSocketHandler(opts WebSocketOptions) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	ping := opts.PingPeriod
	if ping <= 0 {
		ping = wsPingPeriod
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		peer := &wsPeer{id: "ws-" + ulid.Make().String(), conn: conn}
		b.serveWebSocket(r.Context(), peer, ping)
	})
}

func (b *Bridge) serveWebSocket(ctx context.Context, peer *wsPeer, ping time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.Attach(peer)
	defer func() {
		b.DropPeer(peer.id)
		_ = peer.conn.Close()
	}()

	pongWait := ping * 10 / 9
	peer.conn.SetReadLimit(wsMaxMessageSize)
	_ = peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := peer.ping(); err != nil {
					cancel()
					_ = peer.conn.Close()
					return
				}
			}
		}
	}()

	reply := func(m Message) {
		if err := peer.Send(m); err != nil {
			b.logger.Debugw("Dropping reply for closed peer", "peer", peer.id, "id", m.ID, "error", err)
		}
	}

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				b.logger.Debugw("Bridge connection closed", "peer", peer.id, "error", err)
			}
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			b.logger.Warnw("Malformed bridge envelope", "peer", peer.id, "error", err)
			if msg.ID != "" {
				reply(errorMessage(msg.ID, BadRequest("%v", err)))
			}
			continue
		}
		b.Dispatch(ctx, msg, reply)
	}
}

// wsPeer serialises writes; gorilla connections allow one concurrent writer
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("connection closed")
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.closed = true
		return err
	}
	return nil
}

func (p *wsPeer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("connection closed")
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
