// Package model holds the on-disk record shapes shared by the
// persistent queue, the nonce store and the envelope layer (spec §3).
package model

import (
	"github.com/google/uuid"
)

// Status is a QueuedMessage's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusTransmitting
	StatusCanceled
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTransmitting:
		return "transmitting"
	case StatusCanceled:
		return "canceled"
	case StatusDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Priority lanes. Only two are defined; any other value coerces to
// PriorityNormal (spec §3).
const (
	PriorityHigh   uint8 = 0
	PriorityNormal uint8 = 1
)

// CoercePriority maps any input to one of the two defined lanes.
func CoercePriority(p uint8) uint8 {
	if p == PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

// QueuedMessage is the pending-store record (spec §3).
type QueuedMessage struct {
	ID            uuid.UUID
	ContactID     uint64
	Payload       []byte
	Created       int64
	Priority      uint8
	Status        Status
	DeliveredAt   int64
	RetryCount    int
	NextAttemptAt int64
	MaxRetries    int
}

// DeadLetterRecord is the terminal sink record (spec §3).
type DeadLetterRecord struct {
	ID        uuid.UUID
	ContactID uint64
	Payload   []byte
	FailedAt  int64
	Attempts  int
	LastError string
}

// InboxRecord is the receiver-side plaintext record (spec §3).
type InboxRecord struct {
	ID      uuid.UUID
	Payload []byte
}

// Contact resolves a contact_id to a dialable address, the peer's
// recipient encryption public key, and the peer's signature
// verification key (the Contact Directory collaborator, spec §1;
// SignPublicKey supplements spec.md, which names only the encryption
// key, because the receive handler cannot verify an incoming envelope
// without also knowing the sender's verify key).
type Contact struct {
	ID            uint64
	DisplayName   string
	Address       string
	EncPublicKey  [32]byte
	SignPublicKey [32]byte
}
