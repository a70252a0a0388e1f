// Package envelope implements EnvelopeV1: the signed, encrypted,
// replay-protected wire record described in spec §4.D and §6.
package envelope

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/CalebFields/Pigeon/internal/perr"
)

const (
	Version      = 1
	NonceSize    = 24
	SignatureLen = 64
)

// V1 is the on-wire envelope (spec §3, §6).
type V1 struct {
	Version     uint8
	SenderID    uint64
	RecipientID uint64
	Nonce       [NonceSize]byte
	Payload     []byte
	Signature   [SignatureLen]byte
}

// signedFields reconstructs the bytes the detached signature covers:
// version || sender_id_be || recipient_id_be || nonce || payload
// (spec §4.D step 3). Every field that affects routing or decryption
// is bound into this, so tampering with any one is caught by
// signature verification.
func signedFields(version uint8, senderID, recipientID uint64, nonce [NonceSize]byte, payload []byte) []byte {
	buf := make([]byte, 0, 1+8+8+NonceSize+len(payload))
	buf = append(buf, version)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], senderID)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], recipientID)
	buf = append(buf, u64[:]...)
	buf = append(buf, nonce[:]...)
	buf = append(buf, payload...)
	return buf
}

// Build constructs a signed, encrypted EnvelopeV1 for plaintext sent
// from senderID to recipientID (spec §4.D). senderSignSK is the
// 32-byte ed25519 seed (ports.Identity.SignPrivateKey), expanded to a
// full private key via ed25519.NewKeyFromSeed before signing.
func Build(
	senderEncSK, senderSignSK *[32]byte,
	recipientEncPK *[32]byte,
	senderID, recipientID uint64,
	plaintext []byte,
) (*V1, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, perr.CryptoError("nonce generation failed", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, recipientEncPK, senderEncSK)

	toSign := signedFields(Version, senderID, recipientID, nonce, ciphertext)
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(senderSignSK[:]), toSign)
	if len(sig) != SignatureLen {
		return nil, perr.CryptoError("unexpected signature length", nil)
	}

	env := &V1{
		Version:     Version,
		SenderID:    senderID,
		RecipientID: recipientID,
		Nonce:       nonce,
		Payload:     ciphertext,
	}
	copy(env.Signature[:], sig)
	return env, nil
}

// VerifyResult classifies the outcome of Verify.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyBadSignature
	VerifyDecryptFailed
)

// Verify checks the detached signature and decrypts the payload. It
// does not consult the nonce store or write to the inbox; callers
// (internal/receive) own that orchestration per spec §4.D step 3.
func Verify(
	env *V1,
	recipientEncSK *[32]byte,
	senderEncPK *[32]byte,
	senderSignPK *[32]byte,
) ([]byte, VerifyResult) {
	if env.Version != Version {
		return nil, VerifyBadSignature
	}
	toSign := signedFields(env.Version, env.SenderID, env.RecipientID, env.Nonce, env.Payload)
	if !ed25519.Verify(ed25519.PublicKey(senderSignPK[:]), toSign, env.Signature[:]) {
		return nil, VerifyBadSignature
	}
	plaintext, ok := box.Open(nil, env.Payload, &env.Nonce, senderEncPK, recipientEncSK)
	if !ok {
		return nil, VerifyDecryptFailed
	}
	return plaintext, VerifyOK
}
