package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/infusion/pkg/recovery"
)

// DBFile is the database file name inside the data directory
const DBFile = "infusion.db"

var (
	// Bucket names
	bucketState   = []byte("state")
	bucketPending = []byte("pending")

	keyCurrent = []byte("current")
)

// ErrReadOnly is returned by writes on a store opened with OpenReadOnly
var ErrReadOnly = errors.New("store opened read-only")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
}

// NewBoltStore opens or creates <dataDir>/infusion.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketState, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// OpenReadOnly opens an existing database for inspection. A running daemon
// holds the file lock, so this gives up after a second.
func OpenReadOnly(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found at %s: %w", dbPath, err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db, readOnly: true}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Delivery state operations
func (s *BoltStore) SaveState(data []byte) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyCurrent, data)
	})
}

// LoadState returns nil when no state has been saved
func (s *BoltStore) LoadState() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return nil
		}
		if data := b.Get(keyCurrent); data != nil {
			// bolt memory is only valid inside the transaction
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}

// Pending command operations
func (s *BoltStore) SavePending(p recovery.Pending) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte(p.CommandID), data)
	})
}

func (s *BoltStore) DeletePending(commandID string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(commandID))
	})
}

// ListPending returns pending commands oldest first
func (s *BoltStore) ListPending() ([]recovery.Pending, error) {
	var pending []recovery.Pending
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p recovery.Pending
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to decode pending command %s: %w", k, err)
			}
			pending = append(pending, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].IssuedAt.Before(pending[j].IssuedAt)
	})
	return pending, nil
}

// Backup writes a consistent copy of the database to w
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// BackupFile writes a consistent copy of the database to path
func (s *BoltStore) BackupFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := s.Backup(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return f.Close()
}

var _ Store = (*BoltStore)(nil)
var _ recovery.Store = (*BoltStore)(nil)
