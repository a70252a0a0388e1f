package nonce

import (
	"path/filepath"
	"testing"

	"github.com/CalebFields/Pigeon/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "nonce.db"), Bucket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, func() int64 { return 1000 })
}

func TestInsertIfFreshOnce(t *testing.T) {
	s := newTestStore(t)
	n := []byte("abcdefghijklmnopqrstuvwx")[:24]

	fresh, err := s.InsertIfFresh(1, n)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected first insert to be fresh")
	}

	fresh, err = s.InsertIfFresh(1, n)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("expected second insert of the same nonce to be stale")
	}
}

func TestInsertIfFreshDistinguishesSenders(t *testing.T) {
	s := newTestStore(t)
	n := []byte("abcdefghijklmnopqrstuvwx")[:24]

	if fresh, err := s.InsertIfFresh(1, n); err != nil || !fresh {
		t.Fatalf("sender 1 first insert: fresh=%v err=%v", fresh, err)
	}
	if fresh, err := s.InsertIfFresh(2, n); err != nil || !fresh {
		t.Fatalf("sender 2 with same nonce should be fresh: fresh=%v err=%v", fresh, err)
	}
}
