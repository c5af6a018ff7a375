package bundler

import "sync"

// emitter owns an event channel that producers may write to from callbacks
// running on other goroutines. Once closed, sends become no-ops instead of
// panicking.
type emitter struct {
	mu     sync.RWMutex
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer), done: make(chan struct{})}
}

// send blocks until the consumer takes ev or the emitter shuts down
func (e *emitter) send(ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// shutdown unblocks pending sends, runs stop, then closes the channel
func (e *emitter) shutdown(stop func()) {
	e.once.Do(func() {
		close(e.done)
		if stop != nil {
			stop()
		}
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}
