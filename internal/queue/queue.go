// Package queue implements Pigeon's persistent, priority-aware
// message queue (spec §4.C): a pending store plus two priority-lane
// indices, an append-only inbox, and a dead-letter sink, all backed by
// the embedded KV store.
//
// Grounded on the retry/backoff/dead-letter shape of two on-disk mail
// queues read for this domain: albertito/chasquid's internal/queue
// (on-disk items with retry bookkeeping) and foxcpp/maddy's
// internal/target/queue (per-item backoff with a terminal failure
// path).
package queue

import (
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/CalebFields/Pigeon/internal/codec"
	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/seal"
	"github.com/CalebFields/Pigeon/internal/store"
)

const (
	BucketMessages   = "messages"
	BucketIndexHigh  = "index_p0"
	BucketIndexNorm  = "index_p1"
	BucketInbox      = "inbox"
	BucketDeadLetter = "dead_letter"
)

var Buckets = []string{BucketMessages, BucketIndexHigh, BucketIndexNorm, BucketInbox, BucketDeadLetter}

func laneBucket(priority uint8) string {
	if model.CoercePriority(priority) == model.PriorityHigh {
		return BucketIndexHigh
	}
	return BucketIndexNorm
}

// Queue is the persistent message queue. It is safe for concurrent
// use: all coordination runs through the underlying store's bbolt
// transactions, per spec §5 ("no in-memory locks across operations").
type Queue struct {
	store  *store.Store
	sealer *seal.Sealer
	now    func() int64
}

// Open wires a Queue on top of an already-open Store and performs the
// startup recovery pass: any record found Transmitting is rewound to
// Pending with its next_attempt_at preserved (spec §9, Open Question
// "graceful drain on shutdown").
func Open(s *store.Store, sealer *seal.Sealer, now func() int64) (*Queue, error) {
	q := &Queue{store: s, sealer: sealer, now: now}
	if err := q.recoverTransmitting(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) recoverTransmitting() error {
	return q.store.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketMessages))
		if b == nil {
			return nil
		}
		type fix struct {
			key []byte
			msg *model.QueuedMessage
		}
		var fixes []fix
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			msg, err := q.decodeSealed(v)
			if err != nil {
				continue
			}
			if msg.Status == model.StatusTransmitting {
				msg.Status = model.StatusPending
				fixes = append(fixes, fix{key: append([]byte(nil), k...), msg: msg})
			}
		}
		for _, f := range fixes {
			sealed, err := q.encodeSealed(f.msg)
			if err != nil {
				return err
			}
			if err := b.Put(f.key, sealed); err != nil {
				return err
			}
			// Dequeue removed the lane entry when the record was
			// claimed; restore it now that the record is Pending again
			// so it becomes due for redelivery.
			laneKey := codec.LaneKey(f.msg.NextAttemptAt, f.msg.ID)
			if err := store.Put(tx, []byte(laneBucket(f.msg.Priority)), laneKey, f.key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *Queue) encodeSealed(m *model.QueuedMessage) ([]byte, error) {
	return q.sealer.Seal(codec.EncodeMessage(m))
}

func (q *Queue) decodeSealed(sealed []byte) (*model.QueuedMessage, error) {
	plain, err := q.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	return codec.DecodeMessage(plain)
}

// Enqueue writes msg to the pending store and to the lane index
// matching its (possibly coerced) priority (spec §4.C "enqueue").
func (q *Queue) Enqueue(msg *model.QueuedMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Created == 0 {
		msg.Created = q.now()
	}
	if msg.NextAttemptAt == 0 {
		msg.NextAttemptAt = msg.Created
	}
	msg.Priority = model.CoercePriority(msg.Priority)

	return q.store.Update(func(tx *bbolt.Tx) error {
		key := codec.IDKey(msg.ID)

		// If a record already exists for this id, its lane entry may
		// be stale (different priority or next_attempt_at) and must
		// be removed before the new one is written (spec §3 invariant).
		if prevSealed, ok := store.Get(tx, []byte(BucketMessages), key); ok {
			if prev, err := q.decodeSealed(prevSealed); err == nil {
				prevLaneKey := codec.LaneKey(prev.NextAttemptAt, prev.ID)
				if err := store.Delete(tx, []byte(laneBucket(prev.Priority)), prevLaneKey); err != nil {
					return err
				}
			}
		}

		sealed, err := q.encodeSealed(msg)
		if err != nil {
			return err
		}
		if err := store.Put(tx, []byte(BucketMessages), key, sealed); err != nil {
			return err
		}
		laneKey := codec.LaneKey(msg.NextAttemptAt, msg.ID)
		return store.Put(tx, []byte(laneBucket(msg.Priority)), laneKey, key)
	})
}

// StoreDraft persists msg in the messages bucket without writing a
// lane-index entry, so Dequeue and GetPendingMessages never see it
// (spec §4.H "compose"). A later call to Enqueue on the same id adds
// the missing lane entry and makes the message transmit-eligible.
func (q *Queue) StoreDraft(msg *model.QueuedMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Created == 0 {
		msg.Created = q.now()
	}
	msg.Priority = model.CoercePriority(msg.Priority)

	return q.store.Update(func(tx *bbolt.Tx) error {
		sealed, err := q.encodeSealed(msg)
		if err != nil {
			return err
		}
		return store.Put(tx, []byte(BucketMessages), codec.IDKey(msg.ID), sealed)
	})
}

// dequeueFromPriorityTx peeks the first due entry of lane p inside an
// already-open read-write transaction, removing the lane entry and
// rewriting its pending record as Transmitting in the same
// transaction. A lane entry whose message record is missing
// (crash between removals) is dropped as a no-op and the scan
// continues (spec §4.C "Edge cases").
func (q *Queue) dequeueFromPriorityTx(tx *bbolt.Tx, p uint8) (*model.QueuedMessage, bool, error) {
	laneName := []byte(laneBucket(p))
	lane := tx.Bucket(laneName)
	if lane == nil {
		return nil, false, nil
	}
	c := lane.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		nextAttemptAt, id, err := codec.SplitLaneKey(k)
		if err != nil {
			return nil, false, err
		}
		if nextAttemptAt > q.now() {
			return nil, false, nil // leading entry not due yet
		}
		msgKey := append([]byte(nil), v...)
		sealedMsg, ok := store.Get(tx, []byte(BucketMessages), msgKey)
		if !ok {
			// Dangling index entry: remove and continue scanning.
			if err := lane.Delete(k); err != nil {
				return nil, false, err
			}
			continue
		}
		msg, err := q.decodeSealed(sealedMsg)
		if err != nil {
			return nil, false, err
		}
		if err := lane.Delete(k); err != nil {
			return nil, false, err
		}
		// The record stays in `messages`, marked Transmitting, so that
		// update_status (on ACK/NACK) and the startup recovery pass
		// (spec §9 "graceful drain on shutdown") have something to act
		// on; only requeue_or_dead_letter or a later successful
		// requeue ever remove or relocate it from here.
		inFlight := *msg
		inFlight.Status = model.StatusTransmitting
		sealedInFlight, err := q.encodeSealed(&inFlight)
		if err != nil {
			return nil, false, err
		}
		if err := store.Put(tx, []byte(BucketMessages), msgKey, sealedInFlight); err != nil {
			return nil, false, err
		}
		_ = id
		return msg, true, nil
	}
	return nil, false, nil
}

// DequeueFromPriority is the public single-lane primitive (spec §4.C
// "dequeue_from_priority").
func (q *Queue) DequeueFromPriority(p uint8) (*model.QueuedMessage, error) {
	var msg *model.QueuedMessage
	err := q.store.Update(func(tx *bbolt.Tx) error {
		m, ok, err := q.dequeueFromPriorityTx(tx, p)
		if err != nil {
			return err
		}
		if ok {
			msg = m
		}
		return nil
	})
	return msg, err
}

func (q *Queue) laneHasDueTx(tx *bbolt.Tx, p uint8) bool {
	lane := tx.Bucket([]byte(laneBucket(p)))
	if lane == nil {
		return false
	}
	k, _ := lane.Cursor().First()
	if k == nil {
		return false
	}
	nextAttemptAt, _, err := codec.SplitLaneKey(k)
	if err != nil {
		return false
	}
	return nextAttemptAt <= q.now()
}

// FairnessState holds the weighted-fairness counter a single send
// worker owns across repeated Dequeue calls (spec §4.C/§4.F: "the
// worker keeps a local high budget counter").
type FairnessState struct {
	ratio      int
	highBudget int
}

// NewFairnessState initializes the high-lane budget from ratio R
// (high-to-normal), per spec §4.F default R=3.
func NewFairnessState(ratio int) *FairnessState {
	if ratio < 1 {
		ratio = 1
	}
	return &FairnessState{ratio: ratio, highBudget: ratio}
}

// Dequeue returns the next due message honoring two-lane weighted
// fairness (spec §4.C "dequeue"). Returns (nil, nil) when neither lane
// has a due item.
func (q *Queue) Dequeue(fs *FairnessState) (*model.QueuedMessage, error) {
	var result *model.QueuedMessage
	err := q.store.Update(func(tx *bbolt.Tx) error {
		highDue := q.laneHasDueTx(tx, model.PriorityHigh)
		normalDue := q.laneHasDueTx(tx, model.PriorityNormal)
		if !highDue && !normalDue {
			return nil
		}

		pickHigh := (fs.highBudget > 0 && highDue) || (!normalDue && highDue)

		var p uint8
		if pickHigh {
			p = model.PriorityHigh
		} else {
			p = model.PriorityNormal
		}

		msg, ok, err := q.dequeueFromPriorityTx(tx, p)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if p == model.PriorityHigh {
			fs.highBudget--
		} else {
			fs.highBudget = fs.ratio
		}
		result = msg
		return nil
	})
	return result, err
}

// UpdateStatus performs a read-modify-write of a pending record's
// status with no lane mutation (spec §4.C "update_status").
func (q *Queue) UpdateStatus(id uuid.UUID, status model.Status, deliveredAt int64) error {
	return q.store.Update(func(tx *bbolt.Tx) error {
		key := codec.IDKey(id)
		sealedMsg, ok := store.Get(tx, []byte(BucketMessages), key)
		if !ok {
			return perr.StorageError("update_status: message not found", nil)
		}
		msg, err := q.decodeSealed(sealedMsg)
		if err != nil {
			return err
		}
		msg.Status = status
		if status == model.StatusDelivered {
			msg.DeliveredAt = deliveredAt
		}
		sealed, err := q.encodeSealed(msg)
		if err != nil {
			return err
		}
		return store.Put(tx, []byte(BucketMessages), key, sealed)
	})
}

// saturatingBackoff computes base * 2^min(retryCount-1, 20) with
// saturating arithmetic (spec §4.C "requeue_with_backoff").
func saturatingBackoff(base int64, retryCount int) int64 {
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	factor := int64(1) << uint(shift)
	result := base * factor
	if factor != 0 && result/factor != base {
		return int64(1)<<62 - 1 // saturate on overflow
	}
	return result
}

// RequeueWithBackoff increments retry_count, computes the next
// eligibility time with exponential backoff, resets status to
// Pending, and re-enqueues (spec §4.C "requeue_with_backoff").
func (q *Queue) RequeueWithBackoff(msg *model.QueuedMessage, baseSecs int64) error {
	msg.RetryCount++
	backoff := saturatingBackoff(baseSecs, msg.RetryCount)
	next := q.now() + backoff
	if next < q.now() { // overflow guard
		next = int64(1)<<62 - 1
	}
	msg.NextAttemptAt = next
	msg.Status = model.StatusPending
	return q.Enqueue(msg)
}

// RequeueOrDeadLetter requeues msg with backoff, or (once retry_count
// has reached max_retries) moves it to the dead-letter sink instead
// (spec §4.C "requeue_or_dead_letter"). Returns true if the message
// was requeued, false if it was dead-lettered.
func (q *Queue) RequeueOrDeadLetter(msg *model.QueuedMessage, baseSecs int64, reason string) (bool, error) {
	if msg.RetryCount >= msg.MaxRetries {
		rec := &model.DeadLetterRecord{
			ID:        msg.ID,
			ContactID: msg.ContactID,
			Payload:   msg.Payload,
			FailedAt:  q.now(),
			Attempts:  msg.RetryCount,
			LastError: reason,
		}
		sealed, err := q.sealer.Seal(codec.EncodeDeadLetter(rec))
		if err != nil {
			return false, err
		}
		err = q.store.Update(func(tx *bbolt.Tx) error {
			if err := store.Put(tx, []byte(BucketDeadLetter), codec.IDKey(msg.ID), sealed); err != nil {
				return err
			}
			return store.Delete(tx, []byte(BucketMessages), codec.IDKey(msg.ID))
		})
		return false, err
	}
	return true, q.RequeueWithBackoff(msg, baseSecs)
}

// StoreInbox appends a plaintext record to the append-only inbox
// (spec §4.C "store_inbox"). Only the receive handler calls this.
func (q *Queue) StoreInbox(id uuid.UUID, plaintext []byte) error {
	sealed, err := q.sealer.Seal(plaintext)
	if err != nil {
		return err
	}
	return q.store.Update(func(tx *bbolt.Tx) error {
		return store.Put(tx, []byte(BucketInbox), codec.IDKey(id), sealed)
	})
}

func (q *Queue) GetInbox(id uuid.UUID) ([]byte, bool, error) {
	var plaintext []byte
	found := false
	err := q.store.View(func(tx *bbolt.Tx) error {
		sealed, ok := store.Get(tx, []byte(BucketInbox), codec.IDKey(id))
		if !ok {
			return nil
		}
		p, err := q.sealer.Open(sealed)
		if err != nil {
			return err
		}
		plaintext = p
		found = true
		return nil
	})
	return plaintext, found, err
}

// ListInbox returns every inbox record in ascending key order.
func (q *Queue) ListInbox() ([]model.InboxRecord, error) {
	var out []model.InboxRecord
	err := q.store.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketInbox))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			plaintext, err := q.sealer.Open(v)
			if err != nil {
				return err
			}
			out = append(out, model.InboxRecord{ID: id, Payload: plaintext})
		}
		return nil
	})
	return out, err
}

func (q *Queue) InboxLen() (int, error) {
	n := 0
	err := q.store.View(func(tx *bbolt.Tx) error {
		n = store.Count(tx, []byte(BucketInbox))
		return nil
	})
	return n, err
}

// ListDeadLetters returns every dead-letter record in ascending key
// order.
func (q *Queue) ListDeadLetters() ([]model.DeadLetterRecord, error) {
	var out []model.DeadLetterRecord
	err := q.store.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketDeadLetter))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			plain, err := q.sealer.Open(v)
			if err != nil {
				return err
			}
			rec, err := codec.DecodeDeadLetter(plain)
			if err != nil {
				return err
			}
			out = append(out, *rec)
			_ = k
		}
		return nil
	})
	return out, err
}

func (q *Queue) DeadLetterLen() (int, error) {
	n := 0
	err := q.store.View(func(tx *bbolt.Tx) error {
		n = store.Count(tx, []byte(BucketDeadLetter))
		return nil
	})
	return n, err
}

// GetPendingMessages performs a full scan of the messages tree,
// returning those with status Pending that have a lane-index entry, in
// ascending id order (spec §4.C "get_pending_messages"). Drafts stored
// by StoreDraft have no lane entry and are not returned.
func (q *Queue) GetPendingMessages() ([]model.QueuedMessage, error) {
	var out []model.QueuedMessage
	err := q.store.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketMessages))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			msg, err := q.decodeSealed(v)
			if err != nil {
				return err
			}
			if msg.Status != model.StatusPending {
				continue
			}
			// A draft written by StoreDraft has no lane entry; skip it.
			laneKey := codec.LaneKey(msg.NextAttemptAt, msg.ID)
			if _, ok := store.Get(tx, []byte(laneBucket(msg.Priority)), laneKey); !ok {
				continue
			}
			out = append(out, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return idBytes(out[i].ID) < idBytes(out[j].ID)
	})
	return out, nil
}

func idBytes(id uuid.UUID) string {
	b, _ := id.MarshalBinary()
	return string(b)
}

// Len returns the combined size of both lane indices (spec §4.C
// "len").
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.store.View(func(tx *bbolt.Tx) error {
		n = store.Count(tx, []byte(BucketIndexHigh)) + store.Count(tx, []byte(BucketIndexNorm))
		return nil
	})
	return n, err
}

func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Len()
	return n == 0, err
}
