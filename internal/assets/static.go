package assets

import (
	"fmt"
	"io/fs"
	"time"
)

// Static serves a snapshot loaded once. It never changes after construction.
type Static struct {
	snap *Snapshot
}

// LoadStatic reads every regular file under fsys into an immutable snapshot
func LoadStatic(fsys fs.FS) (*Static, error) {
	snap, err := LoadSnapshot(fsys, 1)
	if err != nil {
		return nil, err
	}
	return &Static{snap: snap}, nil
}

// LoadSnapshot walks fsys and builds a snapshot tagged with generation
func LoadSnapshot(fsys fs.FS, generation uint64) (*Snapshot, error) {
	files := make(map[string][]byte)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files[p] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load bundle: %v", ErrResolution, err)
	}
	return NewSnapshot(generation, files, time.Now()), nil
}

// Resolve looks the path up in the loaded snapshot
func (s *Static) Resolve(rawPath string) (*Entry, error) {
	return resolveIn(s.snap, rawPath)
}

// Status reports the loaded bundle
func (s *Static) Status() Status {
	return Status{
		Generation: s.snap.Generation,
		Entries:    s.snap.Len(),
		BuiltAt:    s.snap.BuiltAt,
	}
}
