package boltstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

// FailedMessage is a firehose message whose processing failed, kept for
// replay at the next startup.
type FailedMessage struct {
	Key         string    `json:"key"`
	Kind        string    `json:"kind"` // "commit", "handle", "identity", "tombstone"
	Payload     []byte    `json:"payload"`
	Retries     int       `json:"retries"`
	FirstFailed time.Time `json:"first_failed"`
	LastError   string    `json:"last_error"`
}

// FailedStore is a durable keyed queue of failed messages with per-key retry
// counters. Payloads are zstd-compressed on disk; commit messages carry whole
// CAR slices and compress well.
type FailedStore struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewFailedStore creates a failed-message store over db.
func NewFailedStore(db *bolt.DB) *FailedStore {
	// Both constructors only fail on invalid options.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return &FailedStore{db: db, enc: enc, dec: dec}
}

// Put stores a failed message. If the key already exists its retry counter
// is preserved and only the payload and error are refreshed.
func (s *FailedStore) Put(key, kind string, payload []byte, lastError string) error {
	compressed := s.enc.EncodeAll(payload, nil)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFailed)

		msg := FailedMessage{
			Key:         key,
			Kind:        kind,
			Payload:     compressed,
			FirstFailed: time.Now(),
			LastError:   lastError,
		}
		if existing := bucket.Get([]byte(key)); existing != nil {
			var prev FailedMessage
			if err := json.Unmarshal(existing, &prev); err == nil {
				msg.Retries = prev.Retries
				msg.FirstFailed = prev.FirstFailed
			}
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// Get returns the message stored under key with its payload decompressed,
// or nil when absent.
func (s *FailedStore) Get(key string) (*FailedMessage, error) {
	var msg *FailedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BucketFailed).Get([]byte(key))
		if v == nil {
			return nil
		}
		var m FailedMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		msg = &m
		return nil
	})
	if err != nil || msg == nil {
		return nil, err
	}
	payload, err := s.dec.DecodeAll(msg.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing failed message %s: %w", key, err)
	}
	msg.Payload = payload
	return msg, nil
}

// IncrementRetries bumps the retry counter for key and returns the new
// count. Unknown keys return 0 without error.
func (s *FailedStore) IncrementRetries(key string) (int, error) {
	var retries int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketFailed)
		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		var msg FailedMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		msg.Retries++
		retries = msg.Retries
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	return retries, err
}

// Remove deletes the message stored under key.
func (s *FailedStore) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketFailed).Delete([]byte(key))
	})
}

// List returns all stored messages with payloads decompressed, in key order.
func (s *FailedStore) List() ([]*FailedMessage, error) {
	var msgs []*FailedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketFailed).ForEach(func(k, v []byte) error {
			var m FailedMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		payload, err := s.dec.DecodeAll(m.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing failed message %s: %w", m.Key, err)
		}
		m.Payload = payload
	}
	return msgs, nil
}

// Len returns the number of stored messages.
func (s *FailedStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(BucketFailed).Stats().KeyN
		return nil
	})
	return n, err
}
