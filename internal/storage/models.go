package storage

import (
	"encoding/json"
	"time"
)

// Bucket names
const (
	PrefsBucket = "prefs"
	MetaBucket  = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// DBFileName is the preference store inside the data directory
const DBFileName = "prefs.db"

// CurrentSchemaVersion tracks the layout of stored records
const CurrentSchemaVersion = 1

// PrefRecord is the stored form of one preference
type PrefRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *PrefRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *PrefRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
