// Package bundler adapts frontend build tools to a narrow event stream:
// each rebuild either succeeds with the full set of artifacts or fails with
// a message. Consumers never see process or watcher details.
package bundler

import (
	"context"
	"time"
)

// EventKind distinguishes build outcomes
type EventKind int

const (
	EventSucceeded EventKind = iota + 1
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is the outcome of one build
type Event struct {
	Kind EventKind
	// Artifacts is the complete output keyed by slash path relative to the output root
	Artifacts map[string][]byte
	// Changed names the modules the tool reports as rebuilt. Empty lets the
	// consumer work it out by comparing artifacts.
	Changed []string
	Message string
	At      time.Time
}

// Succeeded builds a success event
func Succeeded(artifacts map[string][]byte, changed ...string) Event {
	return Event{Kind: EventSucceeded, Artifacts: artifacts, Changed: changed, At: time.Now()}
}

// Failed builds a failure event
func Failed(message string) Event {
	return Event{Kind: EventFailed, Message: message, At: time.Now()}
}

// Bundler produces build events until its context ends
type Bundler interface {
	// Start runs the initial build and begins watching. The returned channel
	// is closed once the bundler stops.
	Start(ctx context.Context) (<-chan Event, error)
	Close() error
}
