// Package boltstore provides durable local state using BoltDB (bbolt):
// the firehose cursor and the failed-message queue. Both must survive
// restarts so the pipeline can resume and replay without gaps.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketCursor stores the last processed firehose sequence number.
	BucketCursor = []byte("cursor")

	// BucketFailed stores messages whose processing failed, keyed
	// "<repo>::<rev>" (commits) or "<did>::<kind>" (identity messages).
	BucketFailed = []byte("failed_messages")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "atgraph.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "atgraph.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BucketCursor, BucketFailed} {
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

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// CursorStore returns a cursor store backed by this database.
func (s *Store) CursorStore() *CursorStore {
	return NewCursorStore(s.db)
}

// FailedStore returns a failed-message store backed by this database.
func (s *Store) FailedStore() *FailedStore {
	return NewFailedStore(s.db)
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}
