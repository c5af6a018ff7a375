// Package assets resolves request paths to frontend build artifacts.
//
// Production serves an immutable snapshot loaded once at startup. Development
// holds the latest bundler output behind a single atomic pointer so a reader
// sees either the old build or the new one, never a mixture.
package assets

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound means no artifact exists at the path
	ErrNotFound = errors.New("asset not found")
	// ErrPathTraversal means the path tried to escape the asset root
	ErrPathTraversal = errors.New("path traversal rejected")
	// ErrResolution means the resolver could not produce an answer at all
	ErrResolution = errors.New("asset resolution failed")
)

// Entry is one resolved artifact
type Entry struct {
	Path        string
	Content     []byte
	ContentType string
	Generation  uint64 // build that produced the entry
	Digest      string // blake3 of Content, used as the ETag
	ModTime     time.Time
}

// ETag returns the strong validator for the entry
func (e *Entry) ETag() string {
	return `"` + e.Digest + `"`
}

// Digest hashes content the way entries are keyed for change detection
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:16])
}

// Snapshot is an immutable set of entries from one build
type Snapshot struct {
	Generation uint64
	BuiltAt    time.Time
	entries    map[string]*Entry
}

// NewSnapshot builds a snapshot from path -> bytes. Paths must already be clean.
func NewSnapshot(generation uint64, files map[string][]byte, builtAt time.Time) *Snapshot {
	entries := make(map[string]*Entry, len(files))
	for p, content := range files {
		entries[p] = &Entry{
			Path:        p,
			Content:     content,
			ContentType: ContentType(p),
			Generation:  generation,
			Digest:      Digest(content),
			ModTime:     builtAt,
		}
	}
	return &Snapshot{Generation: generation, BuiltAt: builtAt, entries: entries}
}

// Lookup returns the entry at a clean path
func (s *Snapshot) Lookup(p string) (*Entry, bool) {
	e, ok := s.entries[p]
	return e, ok
}

// Len returns the number of entries
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Paths returns every entry path in sorted order
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Diff lists paths added, removed or changed between two snapshots, sorted.
// A nil prev treats every path in next as changed.
func Diff(prev, next *Snapshot) []string {
	changed := make(map[string]struct{})
	if next != nil {
		for p, e := range next.entries {
			if prev == nil {
				changed[p] = struct{}{}
				continue
			}
			old, ok := prev.entries[p]
			if !ok || old.Digest != e.Digest {
				changed[p] = struct{}{}
			}
		}
	}
	if prev != nil {
		for p := range prev.entries {
			if next == nil {
				changed[p] = struct{}{}
				continue
			}
			if _, ok := next.entries[p]; !ok {
				changed[p] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(changed))
	for p := range changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// BuildError records the most recent failed rebuild
type BuildError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Status summarises a resolver for diagnostics
type Status struct {
	Live       bool        `json:"live"`
	Generation uint64      `json:"generation"`
	Entries    int         `json:"entries"`
	BuiltAt    time.Time   `json:"built_at"`
	BuildError *BuildError `json:"build_error,omitempty"`
}

// Resolver maps request paths to entries
type Resolver interface {
	// Resolve returns the entry for a raw request path. Errors wrap
	// ErrNotFound, ErrPathTraversal or ErrResolution.
	Resolve(rawPath string) (*Entry, error)
	Status() Status
}

// resolveIn is the lookup shared by both resolver modes
func resolveIn(snap *Snapshot, rawPath string) (*Entry, error) {
	clean, err := CleanPath(rawPath)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no build available yet", ErrResolution)
	}
	if e, ok := snap.Lookup(clean); ok {
		return e, nil
	}
	return nil, ErrNotFound
}
