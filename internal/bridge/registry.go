package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler completes a call before returning. The result must be JSON-serializable.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// AsyncHandler completes a call later through call.Resolve or call.Reject.
// Returning without settling the call is fine; it stays pending until
// settled or timed out.
type AsyncHandler func(ctx context.Context, call *Call)

// Registration is one named capability
type Registration struct {
	Name  string
	Async bool

	handler      Handler
	asyncHandler AsyncHandler
}

// Registry maps capability names to handlers. It is filled at startup and
// sealed before the first renderer connects.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
	sealed  bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a synchronous capability
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("capability %q: nil handler", name)
	}
	return r.add(Registration{Name: name, handler: h})
}

// RegisterAsync adds a capability that settles its call later
func (r *Registry) RegisterAsync(name string, h AsyncHandler) error {
	if h == nil {
		return fmt.Errorf("capability %q: nil handler", name)
	}
	return r.add(Registration{Name: name, Async: true, asyncHandler: h})
}

// MustRegister panics on registration errors. Startup wiring only.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) add(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("capability name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot add %q", ErrSealed, reg.Name)
	}
	if _, exists := r.entries[reg.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, reg.Name)
	}
	r.entries[reg.Name] = reg
	return nil
}

// Lookup returns the registration for name
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Names lists registered capabilities in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seal rejects any further registration
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
