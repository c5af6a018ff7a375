package assets

import (
	"sync"

	"go.uber.org/zap"
)

// Change kinds sent on the live channel
const (
	ChangeUpdate = "update"
	ChangeError  = "error"
)

// Change is one live-update notification
type Change struct {
	Type       string   `json:"type"`
	Modules    []string `json:"modules,omitempty"`
	Message    string   `json:"message,omitempty"`
	Generation uint64   `json:"generation"`
}

// Hub fans changes out to subscribers. A subscriber whose buffer is full is
// dropped rather than allowed to stall the rebuild path; it reconnects and
// reloads.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *zap.SugaredLogger
}

// NewHub creates a hub with a per-subscriber buffer
func NewHub(buffer int, logger *zap.SugaredLogger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{subs: make(map[uint64]*Subscription), buffer: buffer, logger: logger}
}

// Subscription receives changes on C until closed
type Subscription struct {
	C   <-chan Change
	ch  chan Change
	id  uint64
	hub *Hub
}

// Subscribe registers a new subscriber. On a closed hub the channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Change, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{C: ch, ch: ch, id: h.nextID, hub: h}
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.id] = s
	return s
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Broadcast delivers c to every subscriber without blocking
func (h *Hub) Broadcast(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		select {
		case s.ch <- c:
		default:
			h.logger.Warnw("Live-update subscriber lagging, dropping", "subscriber", id)
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// Len returns the number of active subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
