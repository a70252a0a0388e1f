// Package seal implements the at-rest sealed-record codec (spec
// §4.B): every record written to durable media is sealed with a
// symmetric key supplied by the at-rest key vault collaborator.
package seal

import (
	"crypto/rand"

	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/xchacha20poly1305"
)

const (
	NonceSize = 24
	KeySize   = 32
	TagSize   = 16
)

// Sealer seals and opens records for durable storage with a single
// 32-byte symmetric key (spec §4.B, §9 "at-rest key").
type Sealer struct {
	key [KeySize]byte
}

// NewSealer wraps an at-rest key of exactly KeySize bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, perr.CryptoError("at-rest key must be 32 bytes", nil)
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// Seal generates a fresh nonce and returns nonce || ciphertext || tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, perr.CryptoError("nonce generation failed", err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce[:]...)
	out = xchacha20poly1305.Seal(out, &nonce, plaintext, nil, &s.key)
	return out, nil
}

// Open parses nonce || ciphertext || tag and authenticates/decrypts
// it. Returns CryptoError("ciphertext too short") or
// CryptoError("decryption failed") per spec §4.B.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, perr.CryptoError("ciphertext too short", nil)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	plaintext, err := xchacha20poly1305.Open(nil, &nonce, sealed[NonceSize:], nil, &s.key)
	if err != nil {
		return nil, perr.CryptoError("decryption failed", err)
	}
	return plaintext, nil
}
