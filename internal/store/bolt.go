// Package store persists control-plane state in BoltDB: the command
// lifecycle, node registrations, denormalised host records, and wake
// schedules.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCommands    = []byte("commands")
	bucketIdempotency = []byte("command_idempotency")
	bucketNodes       = []byte("nodes")
	bucketHosts       = []byte("hosts")
	bucketSchedules   = []byte("wake_schedules")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps a BoltDB database for CNC persistence.
type Store struct {
	db *bolt.DB

	// idempotencyTTL bounds how long an idempotency key pins its command
	// record. Enqueues past the TTL create a fresh record.
	idempotencyTTL time.Duration
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommands, bucketIdempotency, bucketNodes, bucketHosts, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, idempotencyTTL: 24 * time.Hour}, nil
}

// SetIdempotencyTTL overrides the idempotency-key lifetime. Zero or negative
// disables expiry.
func (s *Store) SetIdempotencyTTL(d time.Duration) {
	s.idempotencyTTL = d
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Node records (byte-level; the node registry owns the JSON shape)
// ---------------------------------------------------------------------------

// SaveNode persists a node record.
func (s *Store) SaveNode(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(id), data)
	})
}

// GetNode returns a node record, or nil if absent.
func (s *Store) GetNode(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketNodes).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// ListNodes returns every node record keyed by id.
func (s *Store) ListNodes() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// DeleteNode removes a node record.
func (s *Store) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// ---------------------------------------------------------------------------
// Host records (byte-level; the aggregator owns the JSON shape)
// ---------------------------------------------------------------------------

// SaveHost persists a host record under its fully-qualified name.
func (s *Store) SaveHost(fqn string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Put([]byte(fqn), data)
	})
}

// GetHost returns a host record, or nil if absent.
func (s *Store) GetHost(fqn string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHosts).Get([]byte(fqn)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// ListHosts returns every host record keyed by fully-qualified name.
func (s *Store) ListHosts() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// DeleteHost removes a host record.
func (s *Store) DeleteHost(fqn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(fqn))
	})
}
