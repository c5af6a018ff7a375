package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultPendingTimeout bounds how long a call may stay unresolved
	DefaultPendingTimeout = 30 * time.Second
	// DefaultMaxPending bounds the number of unresolved calls
	DefaultMaxPending = 1024
)

type outcome struct {
	result json.RawMessage
	err    *CallError
}

type waiter struct {
	peer  string
	name  string
	ch    chan outcome // buffered; receives exactly one outcome
	timer *time.Timer
}

// pendingTable tracks calls awaiting a result by correlation id. Each id is
// settled at most once; whichever of result, timeout or peer loss comes
// first wins.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*waiter
	max     int
	timeout time.Duration
}

func newPendingTable(max int, timeout time.Duration) *pendingTable {
	if max <= 0 {
		max = DefaultMaxPending
	}
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &pendingTable{entries: make(map[string]*waiter), max: max, timeout: timeout}
}

// add registers a new correlation id owned by peer
func (p *pendingTable) add(peer, name string) (string, *waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.max {
		return "", nil, fmt.Errorf("%w (%d)", ErrTooManyPending, p.max)
	}

	id := ulid.Make().String()
	w := &waiter{peer: peer, name: name, ch: make(chan outcome, 1)}
	w.timer = time.AfterFunc(p.timeout, func() {
		_ = p.settle(id, outcome{err: &CallError{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("%s did not complete within %s", name, p.timeout),
		}})
	})
	p.entries[id] = w
	return id, w, nil
}

// settle delivers o to the waiter for id and forgets it
func (p *pendingTable) settle(id string, o outcome) error {
	p.mu.Lock()
	w, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	w.timer.Stop()
	w.ch <- o
	return nil
}

// dropPeer rejects every call owned by peer and returns how many there were
func (p *pendingTable) dropPeer(peer string, err *CallError) int {
	p.mu.Lock()
	var ids []string
	for id, w := range p.entries {
		if w.peer == peer {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	n := 0
	for _, id := range ids {
		if p.settle(id, outcome{err: err}) == nil {
			n++
		}
	}
	return n
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
