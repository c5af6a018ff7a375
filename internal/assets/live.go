package assets

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/bundler"
)

// Live serves the most recent successful build. A failed rebuild keeps the
// previous snapshot in service and records the error until the next success.
type Live struct {
	current  atomic.Pointer[Snapshot]
	buildErr atomic.Pointer[BuildError]

	applyMu sync.Mutex // keeps generations monotonic across concurrent Apply calls
	hub     *Hub
	logger  *zap.SugaredLogger
}

// NewLive creates a live resolver. initial may be nil until the first build lands.
func NewLive(initial *Snapshot, hub *Hub, logger *zap.SugaredLogger) *Live {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(0, logger)
	}
	l := &Live{hub: hub, logger: logger}
	if initial != nil {
		l.current.Store(initial)
	}
	return l
}

// Resolve reads whichever snapshot is current at the moment of the call
func (l *Live) Resolve(rawPath string) (*Entry, error) {
	return resolveIn(l.current.Load(), rawPath)
}

// Snapshot returns the snapshot currently in service
func (l *Live) Snapshot() *Snapshot {
	return l.current.Load()
}

// Hub exposes the subscriber set
func (l *Live) Hub() *Hub {
	return l.hub
}

// Status reports generation and build error state
func (l *Live) Status() Status {
	st := Status{Live: true, BuildError: l.buildErr.Load()}
	if snap := l.current.Load(); snap != nil {
		st.Generation = snap.Generation
		st.Entries = snap.Len()
		st.BuiltAt = snap.BuiltAt
	}
	return st
}

// Apply folds one bundler event into the resolver and notifies subscribers.
// It returns the change that was broadcast, or ok=false when a rebuild
// produced identical output and nothing was sent.
func (l *Live) Apply(ev bundler.Event) (change Change, ok bool) {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	prev := l.current.Load()
	var gen uint64
	if prev != nil {
		gen = prev.Generation
	}

	if ev.Kind != bundler.EventSucceeded {
		l.buildErr.Store(&BuildError{Message: ev.Message, At: ev.At})
		l.logger.Warnw("Rebuild failed, keeping previous build", "generation", gen, "error", ev.Message)
		change = Change{Type: ChangeError, Message: ev.Message, Generation: gen}
		l.hub.Broadcast(change)
		return change, true
	}

	next := NewSnapshot(gen+1, ev.Artifacts, ev.At)
	modules := ev.Changed
	if len(modules) == 0 {
		modules = moduleIDs(Diff(prev, next))
	}
	hadError := l.buildErr.Swap(nil) != nil

	if len(modules) == 0 && !hadError && prev != nil {
		l.logger.Debugw("Rebuild produced identical output", "generation", gen)
		return Change{}, false
	}

	l.current.Store(next)
	l.logger.Infow("Build swapped in", "generation", next.Generation, "modules", modules, "entries", next.Len())

	change = Change{Type: ChangeUpdate, Modules: modules, Generation: next.Generation}
	l.hub.Broadcast(change)
	return change, true
}

// Run applies events until the channel closes or ctx ends
func (l *Live) Run(ctx context.Context, events <-chan bundler.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.Apply(ev)
		}
	}
}

// ModuleDir holds the bundler's output inside a bundle
const ModuleDir = "assets/"

// ModuleID names a bundle path the way bundlers name their modules: relative
// to ModuleDir, so assets/app.js is app.js. Paths outside it keep their name.
func ModuleID(p string) string {
	if id := strings.TrimPrefix(p, ModuleDir); id != "" {
		return id
	}
	return p
}

func moduleIDs(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = ModuleID(p)
	}
	return out
}
