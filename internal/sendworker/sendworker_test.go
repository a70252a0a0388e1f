package sendworker

import (
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CalebFields/Pigeon/internal/logx"
	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/ports"
	"github.com/CalebFields/Pigeon/internal/queue"
	"github.com/CalebFields/Pigeon/internal/seal"
	"github.com/CalebFields/Pigeon/internal/store"
)

func testLogger() *logx.Logger {
	return logx.NewOutput(logx.LevelSilent, "", io.Discard)
}

type fakeContacts struct {
	byID map[uint64]model.Contact
}

func (f *fakeContacts) Resolve(contactID uint64) (model.Contact, bool, error) {
	c, ok := f.byID[contactID]
	return c, ok, nil
}
func (f *fakeContacts) Put(c model.Contact) error { f.byID[c.ID] = c; return nil }
func (f *fakeContacts) List() ([]model.Contact, error) {
	var out []model.Contact
	for _, c := range f.byID {
		out = append(out, c)
	}
	return out, nil
}

var _ ports.ContactDirectory = (*fakeContacts)(nil)

type fakeTransport struct {
	mu    sync.Mutex
	kind  ports.ResponseKind
	err   error
	calls int
}

func (f *fakeTransport) Send(ctx context.Context, addr string, request []byte) (ports.ResponseKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.kind, f.err
}

func (f *fakeTransport) Serve(ctx context.Context, addr string, handler func([]byte) []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ ports.Transport = (*fakeTransport)(nil)

func newTestQueue(t *testing.T, now func() int64) *queue.Queue {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	sealer, err := seal.NewSealer(key[:])
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), queue.Buckets...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	q, err := queue.Open(s, sealer, now)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestWorkerDeliversAndMarksDelivered(t *testing.T) {
	now := func() int64 { return 0 }
	q := newTestQueue(t, now)
	contacts := &fakeContacts{byID: map[uint64]model.Contact{1: {ID: 1, Address: "127.0.0.1:1"}}}
	tr := &fakeTransport{kind: ports.ResponseACK}

	msg := &model.QueuedMessage{ContactID: 1, Payload: []byte("hi"), Priority: model.PriorityNormal, MaxRetries: 3}
	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	w := New(cfg, q, contacts, tr, testLogger())
	w.Start()
	defer w.Stop()

	deadline := time.After(time.Second)
	for {
		pending, err := q.GetPendingMessages()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerDeadLettersAfterMaxRetries(t *testing.T) {
	now := func() int64 { return 0 }
	q := newTestQueue(t, now)
	contacts := &fakeContacts{byID: map[uint64]model.Contact{}} // no contacts: every attempt fails lookup
	tr := &fakeTransport{kind: ports.ResponseACK}

	msg := &model.QueuedMessage{ContactID: 99, Payload: []byte("hi"), Priority: model.PriorityHigh, MaxRetries: 0}
	if err := q.Enqueue(msg); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	w := New(cfg, q, contacts, tr, testLogger())
	w.Start()
	defer w.Stop()

	deadline := time.After(time.Second)
	for {
		n, err := q.DeadLetterLen()
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dead-letter")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotentAndBlocksUntilDrained(t *testing.T) {
	now := func() int64 { return 0 }
	q := newTestQueue(t, now)
	contacts := &fakeContacts{byID: map[uint64]model.Contact{}}
	tr := &fakeTransport{kind: ports.ResponseACK}

	w := New(DefaultConfig(), q, contacts, tr, testLogger())
	w.Start()
	w.Start() // no-op, already running
	w.Stop()
	w.Stop() // no-op, already stopped
}
