package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a preference key is absent
var ErrNotFound = errors.New("preference not found")

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) prefs.db in dataDir
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFileName)

	// Try to open with timeout, if it fails, attempt recovery
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		logger.Warnf("Failed to open preference store on first attempt: %v", err)

		// another instance holding the lock; move the file aside and start fresh
		if errors.Is(err, bbolt.ErrTimeout) {
			backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
			logger.Infof("Preference store locked, backing up to %s", backupPath)
			if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
				logger.Warnf("Failed to create backup: %v", cpErr)
			}
			if rmErr := os.Remove(dbPath); rmErr != nil {
				logger.Warnf("Failed to remove locked preference store: %v", rmErr)
			}
			db, err = bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open preference store after recovery attempt: %w", err)
		}
	}

	boltDB := &BoltDB{db: db, logger: logger}
	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Path returns the database file location
func (b *BoltDB) Path() string {
	return b.db.Path()
}

// initBuckets creates required buckets and sets up schema
func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{PrefsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		if v := bucket.Get([]byte(SchemaVersionKey)); len(v) == 8 {
			version = binary.LittleEndian.Uint64(v)
		}
		return nil
	})
	return version, err
}

// GetPref returns the stored JSON value for key
func (b *BoltDB) GetPref(key string) (*PrefRecord, error) {
	var record PrefRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(PrefsBucket)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SetPref stores a JSON value under key
func (b *BoltDB) SetPref(key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("preference key must not be empty")
	}
	if !json.Valid(value) {
		return fmt.Errorf("preference %s: value is not valid JSON", key)
	}
	record := &PrefRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PrefsBucket)).Put([]byte(key), data)
	})
}

// DeletePref removes key. Deleting an absent key is not an error.
func (b *BoltDB) DeletePref(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PrefsBucket)).Delete([]byte(key))
	})
}

// ListPrefs returns every stored preference in key order
func (b *BoltDB) ListPrefs() ([]*PrefRecord, error) {
	var records []*PrefRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PrefsBucket)).ForEach(func(_, v []byte) error {
			record := &PrefRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// Backup creates a backup of the database
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o600)
	})
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
