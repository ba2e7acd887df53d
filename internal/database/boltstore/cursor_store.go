package boltstore

import (
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultFlushDelay coalesces cursor writes: the firehose advances the
	// cursor on every message, and losing the last few seconds on a crash is
	// acceptable because all handlers are idempotent.
	DefaultFlushDelay = 15 * time.Second

	// DefaultCursorMaxAge is how long a persisted cursor stays usable. A
	// relay's replay window is bounded; resuming from an ancient cursor
	// would either fail or replay an unreasonable backlog.
	DefaultCursorMaxAge = 72 * time.Hour
)

var cursorKey = []byte("cursor")

type cursorRecord struct {
	Cursor  int64     `json:"cursor"`
	SavedAt time.Time `json:"saved_at"`
}

// CursorStore persists the last processed firehose sequence number with
// coalesced writes.
type CursorStore struct {
	db     *bolt.DB
	delay  time.Duration
	maxAge time.Duration

	mu      sync.Mutex
	pending int64
	dirty   bool
	timer   *time.Timer
}

// NewCursorStore creates a cursor store with the default flush delay and
// staleness cutoff.
func NewCursorStore(db *bolt.DB) *CursorStore {
	return &CursorStore{
		db:     db,
		delay:  DefaultFlushDelay,
		maxAge: DefaultCursorMaxAge,
	}
}

// Set records seq as the latest cursor. The write is flushed to disk after
// the coalescing delay; call Flush to force it out (e.g. on shutdown).
func (s *CursorStore) Set(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = seq
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, func() { _ = s.Flush() })
	}
}

// Flush writes the pending cursor immediately.
func (s *CursorStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	rec := cursorRecord{Cursor: s.pending, SavedAt: time.Now()}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketCursor).Put(cursorKey, data)
	})
}

// Get returns the persisted cursor. ok is false when no cursor was saved or
// the saved cursor is older than the staleness cutoff.
func (s *CursorStore) Get() (seq int64, ok bool, err error) {
	s.mu.Lock()
	if s.dirty {
		// An unflushed Set is newer than anything on disk.
		seq = s.pending
		s.mu.Unlock()
		return seq, true, nil
	}
	s.mu.Unlock()

	var rec cursorRecord
	var found bool
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BucketCursor).Get(cursorKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil || !found {
		return 0, false, err
	}
	if s.maxAge > 0 && time.Since(rec.SavedAt) > s.maxAge {
		return 0, false, nil
	}
	return rec.Cursor, true, nil
}
