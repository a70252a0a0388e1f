// Package facade implements Pigeon's Core facade (spec.md §4.H): the
// single entry point a UI or CLI front end talks to, combining
// synchronous inspection operations over contacts/queue/inbox with the
// asynchronous compose/send/receive operations and the inbox watcher.
//
// Core is a thin struct wiring the lower layers (identity, contacts,
// queue, transport) together behind one API, with the inbox watcher
// run as a cancellable background task coordinated by a stop/done
// channel pair.
package facade

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CalebFields/Pigeon/internal/envelope"
	"github.com/CalebFields/Pigeon/internal/model"
	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/ports"
	"github.com/CalebFields/Pigeon/internal/queue"
)

// Core is the facade over the messaging pipeline's collaborators.
type Core struct {
	identity  ports.Identity
	contacts  ports.ContactDirectory
	queue     *queue.Queue
	transport ports.Transport
}

func New(identity ports.Identity, contacts ports.ContactDirectory, q *queue.Queue, transport ports.Transport) *Core {
	return &Core{identity: identity, contacts: contacts, queue: q, transport: transport}
}

// IdentityPreview is the read-only self-description exposed to a UI.
type IdentityPreview struct {
	ID           uint64
	EncPublicKey [32]byte
	SignPubKey   [32]byte
}

func (c *Core) IdentityPreview() IdentityPreview {
	return IdentityPreview{
		ID:           c.identity.ID(),
		EncPublicKey: *c.identity.EncPublicKey(),
		SignPubKey:   *c.identity.SignPublicKey(),
	}
}

// --- Contacts (synchronous) ---

func (c *Core) ListContacts() ([]model.Contact, error) {
	return c.contacts.List()
}

func (c *Core) AddContact(contact model.Contact) error {
	return c.contacts.Put(contact)
}

func (c *Core) ResolveContact(contactID uint64) (model.Contact, bool, error) {
	return c.contacts.Resolve(contactID)
}

// --- Queue inspection (synchronous) ---

func (c *Core) PendingMessages() ([]model.QueuedMessage, error) {
	return c.queue.GetPendingMessages()
}

func (c *Core) DeadLetters() ([]model.DeadLetterRecord, error) {
	return c.queue.ListDeadLetters()
}

func (c *Core) QueueLen() (int, error) {
	return c.queue.Len()
}

func (c *Core) DeadLetterLen() (int, error) {
	return c.queue.DeadLetterLen()
}

// --- Inbox (synchronous) ---

func (c *Core) ListInbox() ([]model.InboxRecord, error) {
	return c.queue.ListInbox()
}

func (c *Core) GetInbox(id uuid.UUID) ([]byte, bool, error) {
	return c.queue.GetInbox(id)
}

// SearchInbox returns every inbox record whose plaintext contains
// substr, preserving ascending key order.
func (c *Core) SearchInbox(substr string) ([]model.InboxRecord, error) {
	all, err := c.queue.ListInbox()
	if err != nil {
		return nil, err
	}
	if substr == "" {
		return all, nil
	}
	var out []model.InboxRecord
	for _, rec := range all {
		if strings.Contains(string(rec.Payload), substr) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ExportInbox returns every inbox record as a flat byte blob suitable
// for writing to a file, one record per line prefixed with its id.
func (c *Core) ExportInbox() ([]byte, error) {
	records, err := c.queue.ListInbox()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, rec := range records {
		out = append(out, []byte(rec.ID.String())...)
		out = append(out, ' ')
		out = append(out, rec.Payload...)
		out = append(out, '\n')
	}
	return out, nil
}

// --- Asynchronous operations ---

// Compose stores a not-yet-encrypted placeholder message by id, never
// picked up by the send worker: only SendEncryptAndEnqueue writes the
// lane-index entry that makes a message transmit-eligible. The
// returned id is not transmissible until a later encryption stage acts
// on it.
func (c *Core) Compose(contactID uint64, plaintext []byte, priority uint8) (uuid.UUID, error) {
	msg := &model.QueuedMessage{
		ContactID: contactID,
		Payload:   plaintext,
		Priority:  model.CoercePriority(priority),
	}
	if err := c.queue.StoreDraft(msg); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

// SendEncryptAndEnqueue builds a signed, encrypted EnvelopeV1 addressed
// to contactID and enqueues it for the send worker. highPriority routes
// it to the high lane (priority 0) instead of normal (priority 1).
func (c *Core) SendEncryptAndEnqueue(contactID uint64, plaintext []byte, highPriority bool) (uuid.UUID, error) {
	contact, ok, err := c.contacts.Resolve(contactID)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, perr.ConfigError("unknown contact", nil)
	}

	env, err := envelope.Build(
		c.identity.EncPrivateKey(), c.identity.SignPrivateKey(),
		&contact.EncPublicKey,
		c.identity.ID(), contactID,
		plaintext,
	)
	if err != nil {
		return uuid.Nil, err
	}

	priority := model.PriorityNormal
	if highPriority {
		priority = model.PriorityHigh
	}
	msg := &model.QueuedMessage{
		ContactID:  contactID,
		Payload:    envelope.Encode(env),
		Priority:   priority,
		MaxRetries: 10,
	}
	if err := c.queue.Enqueue(msg); err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

// TryReceiveOnce dials senderContactID's address once, sends probe, and reads a single
// response without registering a long-lived listener, for UIs that
// poll on demand rather than running the background receive handler.
func (c *Core) TryReceiveOnce(ctx context.Context, senderContactID uint64, probe []byte) (ports.ResponseKind, error) {
	contact, ok, err := c.contacts.Resolve(senderContactID)
	if err != nil {
		return ports.ResponseNACK, err
	}
	if !ok {
		return ports.ResponseNACK, perr.ConfigError("unknown contact", nil)
	}
	return c.transport.Send(ctx, contact.Address, probe)
}

// --- Inbox watcher ---

// InboxSnapshot is emitted at most every poll interval, and only when
// the inbox length has changed since the last emission.
type InboxSnapshot struct {
	Len    int
	Latest *model.InboxRecord
}

// Watcher is a cancellable inbox-length subscription.
type Watcher struct {
	stop chan struct{}
	done chan struct{}
}

// Stop cancels the watcher's background task and waits for it to
// exit (spec.md §4.H "cancelled when the subscription is dropped").
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// WatchInbox starts a background task that polls the inbox every
// interval and sends a snapshot on ch whenever the length changes. The
// returned Watcher must be Stopped to release the task.
func (c *Core) WatchInbox(interval time.Duration, ch chan<- InboxSnapshot) *Watcher {
	w := &Watcher{stop: make(chan struct{}), done: make(chan struct{})}
	go c.watchInbox(interval, ch, w)
	return w
}

func (c *Core) watchInbox(interval time.Duration, ch chan<- InboxSnapshot, w *Watcher) {
	defer close(w.done)
	lastLen := -1
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			snap, ok := c.maybeEmit(&lastLen)
			if !ok {
				continue
			}
			select {
			case ch <- snap:
			case <-w.stop:
				return
			}
		}
	}
}

func (c *Core) maybeEmit(lastLen *int) (InboxSnapshot, bool) {
	records, err := c.queue.ListInbox()
	if err != nil {
		return InboxSnapshot{}, false
	}
	n := len(records)
	if n == *lastLen {
		return InboxSnapshot{}, false
	}
	*lastLen = n
	snap := InboxSnapshot{Len: n}
	if n > 0 {
		latest := records[n-1]
		snap.Latest = &latest
	}
	return snap, true
}
