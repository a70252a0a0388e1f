package queue

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/seal"
	"github.com/CalebFields/Pigeon/internal/store"
)

func newTestSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	s, err := seal.NewSealer(key[:])
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestQueue(t *testing.T, now func() int64) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := Open(db, newTestSealer(t), now)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func reopenTestQueue(t *testing.T, dbPath string, sealer *seal.Sealer, now func() int64) *Queue {
	t.Helper()
	db, err := store.Open(dbPath, Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := Open(db, sealer, now)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func idN(n byte) uuid.UUID {
	var u uuid.UUID
	u[15] = n
	return u
}

// Scenario 1: enqueue/dequeue persistence across reopen.
func TestEnqueueDequeuePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	sealer := newTestSealer(t)
	now := func() int64 { return 100 }

	db, err := store.Open(dbPath, Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	q, err := Open(db, sealer, now)
	if err != nil {
		t.Fatal(err)
	}

	id := idN(1)
	msg := &model.QueuedMessage{ID: id, ContactID: 9, Payload: []byte("x"), Priority: 1, MaxRetries: 3}
	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}
	db.Close()

	q2 := reopenTestQueue(t, dbPath, sealer, now)
	n, err := q2.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected len 1 after reopen, got %d", n)
	}

	got, err := q2.DequeueFromPriority(model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("expected dequeued id %v, got %v", id, got)
	}

	n, err = q2.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected len 0 after dequeue, got %d", n)
	}
}

// Scenario 2: priority preference, high before normal.
func TestDequeuePrefersHighPriority(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })

	normal := &model.QueuedMessage{ID: idN(1), Payload: []byte("n"), Priority: model.PriorityNormal, MaxRetries: 1}
	high := &model.QueuedMessage{ID: idN(2), Payload: []byte("h"), Priority: model.PriorityHigh, MaxRetries: 1}
	if err := q.Enqueue(normal); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(high); err != nil {
		t.Fatal(err)
	}

	fs := NewFairnessState(3)
	first, err := q.Dequeue(fs)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.ID != high.ID {
		t.Fatalf("expected H first, got %v", first)
	}

	second, err := q.Dequeue(fs)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.ID != normal.ID {
		t.Fatalf("expected N second, got %v", second)
	}
}

// Scenario 3: weighted fairness R=2 over h1..h4, n1..n2.
func TestDequeueWeightedFairnessR2(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })

	var highs, normals []*model.QueuedMessage
	for i := byte(1); i <= 4; i++ {
		m := &model.QueuedMessage{ID: idN(i), Payload: []byte{'h', i}, Priority: model.PriorityHigh, MaxRetries: 1}
		highs = append(highs, m)
		if err := q.Enqueue(m); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(1); i <= 2; i++ {
		m := &model.QueuedMessage{ID: idN(10 + i), Payload: []byte{'n', i}, Priority: model.PriorityNormal, MaxRetries: 1}
		normals = append(normals, m)
		if err := q.Enqueue(m); err != nil {
			t.Fatal(err)
		}
	}

	fs := NewFairnessState(2)
	wantOrder := []uuid.UUID{
		highs[0].ID, highs[1].ID, normals[0].ID,
		highs[2].ID, highs[3].ID, normals[1].ID,
	}
	highCount, normalCount := 0, 0
	for i, want := range wantOrder {
		got, err := q.Dequeue(fs)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("dequeue %d: got nil", i)
		}
		if got.ID != want {
			t.Fatalf("dequeue %d: got %v want %v", i, got.ID, want)
		}
		if got.Priority == model.PriorityHigh {
			highCount++
		} else {
			normalCount++
		}
	}
	if highCount != 4 || normalCount != 2 {
		t.Fatalf("expected 4 high / 2 normal, got %d/%d", highCount, normalCount)
	}
}

// Scenario 4: backoff and dead-letter.
func TestRequeueWithBackoffAndDeadLetter(t *testing.T) {
	clock := int64(1000)
	now := func() int64 { return clock }
	q := newTestQueue(t, now)

	id := idN(1)
	msg := &model.QueuedMessage{ID: id, Payload: []byte("x"), Priority: model.PriorityNormal, MaxRetries: 2}
	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}

	dequeued, err := q.DequeueFromPriority(model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if dequeued == nil || dequeued.ID != id {
		t.Fatalf("expected to dequeue %v, got %v", id, dequeued)
	}

	if err := q.RequeueWithBackoff(dequeued, 1); err != nil {
		t.Fatal(err)
	}
	if dequeued.NextAttemptAt < clock+1 {
		t.Fatalf("expected next_attempt_at >= now+1, got %d", dequeued.NextAttemptAt)
	}

	again, err := q.DequeueFromPriority(model.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("expected no due message immediately after backoff, got %v", again)
	}

	manufactured := &model.QueuedMessage{
		ID: idN(2), Payload: []byte("y"), Priority: model.PriorityNormal,
		RetryCount: 2, MaxRetries: 2,
	}
	requeued, err := q.RequeueOrDeadLetter(manufactured, 1, "fail")
	if err != nil {
		t.Fatal(err)
	}
	if requeued {
		t.Fatal("expected message at retry ceiling to be dead-lettered, not requeued")
	}

	dlLen, err := q.DeadLetterLen()
	if err != nil {
		t.Fatal(err)
	}
	if dlLen != 1 {
		t.Fatalf("expected dead_letter_len 1, got %d", dlLen)
	}

	letters, err := q.ListDeadLetters()
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].LastError != "fail" {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}

func TestDequeueOnEmptyStoreReturnsNil(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })
	msg, err := q.Dequeue(NewFairnessState(3))
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected nil on empty store, got %v", msg)
	}
}

func TestDequeueNotYetDueReturnsNilWithoutMutation(t *testing.T) {
	clock := int64(100)
	q := newTestQueue(t, func() int64 { return clock })

	id := idN(1)
	if err := q.Enqueue(&model.QueuedMessage{ID: id, Payload: []byte("x"), Priority: model.PriorityNormal, MaxRetries: 1, NextAttemptAt: 500}); err != nil {
		t.Fatal(err)
	}

	msg, err := q.Dequeue(NewFairnessState(3))
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected nil before next_attempt_at, got %v", msg)
	}
	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected entry to remain queued, len=%d", n)
	}
}

func TestStoreAndListInbox(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })
	id := idN(1)
	if err := q.StoreInbox(id, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := q.GetInbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(got) != "hello" {
		t.Fatalf("expected hello, got %q ok=%v", got, ok)
	}
	n, err := q.InboxLen()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected inbox_len 1, got %d", n)
	}
}

func TestTransmittingRewoundToPendingOnOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	sealer := newTestSealer(t)
	now := func() int64 { return 50 }

	db, err := store.Open(dbPath, Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	q, err := Open(db, sealer, now)
	if err != nil {
		t.Fatal(err)
	}
	id := idN(1)
	msg := &model.QueuedMessage{ID: id, Payload: []byte("x"), Priority: model.PriorityNormal, MaxRetries: 1, NextAttemptAt: 50}
	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-send: dequeue claims the record (written back
	// to `messages` as Transmitting, with no lane entry) and the process
	// exits before requeue_with_backoff or update_status ever runs.
	if _, err := q.DequeueFromPriority(model.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	db.Close()

	q2 := reopenTestQueue(t, dbPath, sealer, now)
	pending, err := q2.GetPendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected transmitting message rewound to pending, got %+v", pending)
	}
}

func TestStoreDraftWritesNoLaneEntry(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })

	msg := &model.QueuedMessage{ContactID: 7, Payload: []byte("draft"), Priority: model.PriorityHigh}
	if err := q.StoreDraft(msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == uuid.Nil {
		t.Fatal("expected StoreDraft to assign an id")
	}

	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no lane entry for a stored draft, got len=%d", n)
	}

	pending, err := q.GetPendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending messages from a stored draft, got %+v", pending)
	}
}

func TestEnqueueAfterStoreDraftMakesItTransmitEligible(t *testing.T) {
	q := newTestQueue(t, func() int64 { return 0 })

	msg := &model.QueuedMessage{ContactID: 7, Payload: []byte("draft"), Priority: model.PriorityNormal, MaxRetries: 1}
	if err := q.StoreDraft(msg); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected the later Enqueue to add one lane entry, got len=%d", n)
	}
}
