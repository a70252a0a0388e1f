// Package nonce implements the durable per-sender replay-rejection
// set (spec §4.E): presence of a (sender_id, nonce) key denotes
// "already seen". Writes must be durable before the receive handler
// emits ACK so a crash cannot be followed by a successful replay.
package nonce

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/CalebFields/Pigeon/internal/store"
)

const Bucket = "nonces"

type Store struct {
	s   *store.Store
	now func() int64
}

func New(s *store.Store, now func() int64) *Store {
	return &Store{s: s, now: now}
}

func key(senderID uint64, nonce []byte) []byte {
	out := make([]byte, 8+len(nonce))
	binary.BigEndian.PutUint64(out[:8], senderID)
	copy(out[8:], nonce)
	return out
}

// InsertIfFresh returns false if (senderID, nonce) was already
// recorded; otherwise it durably records the pair with the current
// timestamp and returns true. The read-check and the write happen in
// a single bbolt read-write transaction, giving atomic insert-or-fail
// semantics under concurrent receive-handler goroutines (spec §4.G
// "Concurrency").
func (s *Store) InsertIfFresh(senderID uint64, nonceBytes []byte) (bool, error) {
	k := key(senderID, nonceBytes)
	fresh := false
	err := s.s.Update(func(tx *bbolt.Tx) error {
		if _, exists := store.Get(tx, []byte(Bucket), k); exists {
			fresh = false
			return nil
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(s.now()))
		if err := store.Put(tx, []byte(Bucket), k, ts[:]); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}
