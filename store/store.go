// Package store persists instance metadata in a bolt database so a host
// process restart can find microVMs (or their leftovers) it spawned earlier.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when the requested key has no record.
var ErrNotFound = errdefs.ErrNotFound

// Store is a type-safe key-value bucket in a bolt database.
type Store[T any] struct {
	db         *bolt.DB
	bucketName []byte
}

// Open opens (creating if needed) the database at dbPath and the named
// bucket inside it.
func Open[T any](dbPath, bucketName string) (*Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout:        30 * time.Second,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketName, err)
	}

	return &Store[T]{db: db, bucketName: []byte(bucketName)}, nil
}

// Get retrieves a value by key, ErrNotFound when absent.
func (s *Store[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucketName).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key, overwriting any previous record.
func (s *Store[T]) Set(ctx context.Context, key string, value *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal value for %q: %w", key, err)
		}
		return tx.Bucket(s.bucketName).Put([]byte(key), data)
	})
}

// Delete removes a value by key. Deleting an absent key is not an error.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucketName).Delete([]byte(key))
	})
}

// Scan iterates over all records whose key has the given prefix.
func (s *Store[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("unmarshal value for %q: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store[T]) Close() error {
	return s.db.Close()
}
