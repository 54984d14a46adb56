package events

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// dedupeBucket holds seen keys with their first-seen timestamp.
var dedupeBucket = []byte("seen")

// DedupeStore remembers delivered event ids across restarts so the
// at-least-once rails stay idempotent on the consumer side. Keys are
// caller-composed (the tail worker uses the event id, the delivery
// pool uses "<event id>/<subscription id>").
type DedupeStore struct {
	db *bolt.DB
}

// OpenDedupeStore opens or creates the bolt file at path.
func OpenDedupeStore(path string) (*DedupeStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dedupe store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dedupeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dedupe bucket: %w", err)
	}

	return &DedupeStore{db: db}, nil
}

// CheckAndMark records the key and reports whether it was already
// present. The check and the write share one transaction, so two
// workers racing on the same key agree on a single first.
func (s *DedupeStore) CheckAndMark(key string) (bool, error) {
	var seen bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupeBucket)
		if b.Get([]byte(key)) != nil {
			seen = true
			return nil
		}
		return b.Put([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark key %s: %w", key, err)
	}
	return seen, nil
}

// Seen reports whether the key was recorded without recording it.
func (s *DedupeStore) Seen(key string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(dedupeBucket).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return seen, nil
}

// Prune drops entries first seen longer than maxAge ago and returns
// the number removed. Event ids only need to outlive the redelivery
// horizon, so the file stays small.
func (s *DedupeStore) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(dedupeBucket)

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			ts, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil || ts.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune dedupe store: %w", err)
	}
	return removed, nil
}

// Close closes the underlying bolt file.
func (s *DedupeStore) Close() error {
	return s.db.Close()
}
