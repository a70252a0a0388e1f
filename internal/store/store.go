// Package store wraps go.etcd.io/bbolt as Pigeon's embedded KV store
// (spec component A, §4.C): ordered key/value pages split into named
// trees ("buckets" in bbolt's vocabulary) with atomic single-key
// writes. This package is deliberately thin, since bbolt itself
// supplies every consistency guarantee the spec asks of component A;
// Pigeon does not reimplement a storage engine.
package store

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/CalebFields/Pigeon/internal/perr"
)

// Store is a bbolt database opened with a fixed set of top-level
// buckets ("trees") pre-created on Open.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// every named bucket in buckets exists.
func Open(path string, buckets ...string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, perr.StorageError("opening store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, perr.StorageError("creating buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a read-write transaction; bbolt serializes
// writers, giving every call here atomicity with respect to other
// writes (spec §3 invariant: "no reader observes half-removed state").
func (s *Store) Update(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *bbolt.Tx) error) error {
	return s.db.View(fn)
}

// Put writes value at key in bucket.
func Put(tx *bbolt.Tx, bucket, key, value []byte) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return perr.StorageError("missing bucket "+string(bucket), nil)
	}
	return b.Put(key, value)
}

// Get reads the value at key in bucket; returns (nil, false) when
// absent.
func Get(tx *bbolt.Tx, bucket, key []byte) ([]byte, bool) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, false
	}
	v := b.Get(key)
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Delete removes key from bucket; a no-op if the key is absent.
func Delete(tx *bbolt.Tx, bucket, key []byte) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(key)
}

// Count returns the number of entries in bucket.
func Count(tx *bbolt.Tx, bucket []byte) int {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0
	}
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
