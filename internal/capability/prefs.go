package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deskshell/deskshell/internal/storage"
)

// PrefStore persists renderer preferences. Implemented by storage.BoltDB.
type PrefStore interface {
	GetPref(key string) (*storage.PrefRecord, error)
	SetPref(key string, value json.RawMessage) error
	DeletePref(key string) error
	ListPrefs() ([]*storage.PrefRecord, error)
}

// Prefs returns prefs.get, prefs.set, prefs.delete and prefs.list
func Prefs(store PrefStore) []NativeCapability {
	return []NativeCapability{
		New("prefs.get", func(_ context.Context, args []json.RawMessage) (any, error) {
			var key string
			if err := decodeArg("prefs.get", args, 0, &key); err != nil {
				return nil, err
			}
			rec, err := store.GetPref(key)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("read preference %s: %w", key, err)
			}
			return rec.Value, nil
		}),
		New("prefs.set", func(_ context.Context, args []json.RawMessage) (any, error) {
			var key string
			if err := decodeArg("prefs.set", args, 0, &key); err != nil {
				return nil, err
			}
			value := json.RawMessage("null")
			if len(args) > 1 {
				value = args[1]
			}
			if err := store.SetPref(key, value); err != nil {
				return nil, fmt.Errorf("write preference %s: %w", key, err)
			}
			return true, nil
		}),
		New("prefs.delete", func(_ context.Context, args []json.RawMessage) (any, error) {
			var key string
			if err := decodeArg("prefs.delete", args, 0, &key); err != nil {
				return nil, err
			}
			if err := store.DeletePref(key); err != nil {
				return nil, fmt.Errorf("delete preference %s: %w", key, err)
			}
			return true, nil
		}),
		New("prefs.list", func(context.Context, []json.RawMessage) (any, error) {
			records, err := store.ListPrefs()
			if err != nil {
				return nil, fmt.Errorf("list preferences: %w", err)
			}
			out := make(map[string]json.RawMessage, len(records))
			for _, r := range records {
				out[r.Key] = r.Value
			}
			return out, nil
		}),
	}
}
