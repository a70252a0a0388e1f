// Package receive implements the receive handler (spec.md §4.G):
// decodes an inbound EnvelopeV1, verifies it, consults the nonce
// store, appends accepted plaintext to the inbox, and classifies the
// outcome as one of the fixed binary responses ACK/NACK/REPLAY.
package receive

import (
	"github.com/google/uuid"

	"github.com/CalebFields/Pigeon/internal/envelope"
	"github.com/CalebFields/Pigeon/internal/logx"
	"github.com/CalebFields/Pigeon/internal/nonce"
	"github.com/CalebFields/Pigeon/internal/ports"
	"github.com/CalebFields/Pigeon/internal/queue"
)

var (
	ackToken    = []byte("ACK")
	nackToken   = []byte("NACK")
	replayToken = []byte("REPLAY")
)

// Handler decodes, verifies and stores inbound messages.
type Handler struct {
	identity ports.Identity
	contacts ports.ContactDirectory
	nonces   *nonce.Store
	queue    *queue.Queue
	log      *logx.Logger

	// HardenedMode disables the UTF-8 plaintext interop fallback for
	// undecodable requests (spec.md §4.G step 1, "Implementations MAY
	// disable this fallback in hardened mode").
	HardenedMode bool
}

func New(identity ports.Identity, contacts ports.ContactDirectory, nonces *nonce.Store, q *queue.Queue, log *logx.Logger) *Handler {
	return &Handler{identity: identity, contacts: contacts, nonces: nonces, queue: q, log: log}
}

// Handle processes one request body and returns the raw response
// bytes transport.Serve writes back. It matches the signature
// transport.Transport.Serve expects.
func (h *Handler) Handle(request []byte) []byte {
	env, err := envelope.Decode(request)
	if err != nil {
		if err == envelope.ErrBadSignatureLength {
			return nackToken
		}
		if h.HardenedMode {
			return nackToken
		}
		return h.handlePlaintextFallback(request)
	}
	return h.handleEnvelope(env)
}

func (h *Handler) handlePlaintextFallback(request []byte) []byte {
	id := uuid.New()
	if err := h.queue.StoreInbox(id, request); err != nil {
		h.log.Errorf("storing plaintext fallback inbox record: %v", err)
		return nackToken
	}
	return ackToken
}

func (h *Handler) handleEnvelope(env *envelope.V1) []byte {
	contact, ok, err := h.contacts.Resolve(env.SenderID)
	if err != nil {
		h.log.Errorf("resolving sender %d: %v", env.SenderID, err)
		return nackToken
	}
	if !ok {
		return nackToken
	}

	plaintext, result := envelope.Verify(env, h.identity.EncPrivateKey(), &contact.EncPublicKey, &contact.SignPublicKey)
	if result == envelope.VerifyBadSignature {
		return nackToken
	}

	fresh, err := h.nonces.InsertIfFresh(env.SenderID, env.Nonce[:])
	if err != nil {
		h.log.Errorf("nonce store: %v", err)
		return nackToken
	}
	if !fresh {
		return replayToken
	}

	if result == envelope.VerifyDecryptFailed {
		return nackToken
	}

	id := uuid.New()
	if err := h.queue.StoreInbox(id, plaintext); err != nil {
		h.log.Errorf("storing inbox record: %v", err)
		return nackToken
	}
	return ackToken
}
