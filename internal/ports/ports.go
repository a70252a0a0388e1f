// Package ports declares the interfaces the core messaging pipeline
// (queue, envelope, nonce store, send worker, receive handler, facade)
// depends on for its external collaborators (spec.md §1 "Explicitly
// OUT of scope"). Concrete implementations live in internal/identity,
// internal/vault, internal/contacts and internal/transport; the core
// packages never import those directly.
package ports

import (
	"context"

	"github.com/CalebFields/Pigeon/internal/model"
)

// Identity exposes a local process's long-lived signing and
// encryption key material.
type Identity interface {
	ID() uint64
	EncPublicKey() *[32]byte
	EncPrivateKey() *[32]byte
	SignPublicKey() *[32]byte
	SignPrivateKey() *[32]byte
}

// Sealer is the symmetric at-rest seal/open interface the at-rest key
// vault supplies to every sealed-record codec consumer (spec.md §1
// "At-rest key vault").
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// ContactDirectory resolves a contact_id to a dialable address and
// recipient encryption public key (spec.md §1 "Contact directory").
type ContactDirectory interface {
	Resolve(contactID uint64) (model.Contact, bool, error)
	Put(c model.Contact) error
	List() ([]model.Contact, error)
}

// ResponseKind is the fixed binary response vocabulary for the
// request/response transport (spec.md §6).
type ResponseKind int

const (
	ResponseACK ResponseKind = iota
	ResponseNACK
	ResponseReplay
)

// Transport provides authenticated, message-oriented request/response
// exchange between known peers (spec.md §1 "Transport").
type Transport interface {
	// Send dials addr, writes request as the request body, and
	// returns the peer's classified response. ctx bounds the whole
	// attempt including dial.
	Send(ctx context.Context, addr string, request []byte) (ResponseKind, error)

	// Serve accepts inbound requests on addr until ctx is canceled,
	// invoking handler for each request body and writing back
	// handler's raw response bytes (one of the ASCII tokens).
	Serve(ctx context.Context, addr string, handler func(request []byte) []byte) error
}
