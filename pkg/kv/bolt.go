package kv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const defaultBoltBucket = "kv"

// BoltStore keeps all keys in a single bucket of a BoltDB file.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	mu     sync.RWMutex
	closed bool
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	bucket := []byte(defaultBoltBucket)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db, bucket: bucket}, nil
}

func (b *BoltStore) check() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *BoltStore) Get(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return "", err
	}

	var (
		out   string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			// v is only valid for the lifetime of the transaction.
			out = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return "", ErrNotFound
	}
	return out, nil
}

func (b *BoltStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), []byte(value))
	})
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *BoltStore) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}

	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

func (b *BoltStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Ping reports ErrClosed after Close; bolt has no connection to check.
func (b *BoltStore) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.check()
}
