// Package identity implements the identity store collaborator
// (spec.md §1 "Identity store"): a local signing key pair and a local
// asymmetric encryption key pair, generated once and persisted sealed
// under the data directory.
//
// Grounded on original_source/Pigeon/src/identity.rs's
// load_or_generate shape (generate-on-first-run, else read and
// decode; identity.bin path; owner-only permissions on Unix) adapted
// from bincode+sodiumoxide to encoding/gob plus golang.org/x/crypto's
// box and ed25519, and from libp2p's peer id to a 64-bit id derived
// from the signing public key.
package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/ports"
)

const FileName = "identity.bin"

// storedIdentity is the gob-serialized shape written to disk (inside
// the at-rest seal). Field names are fixed once persisted.
type storedIdentity struct {
	EncPub  [32]byte
	EncSec  [32]byte
	SignPub []byte
	SignSec []byte
}

// Identity is the concrete ports.Identity implementation.
type Identity struct {
	id      uint64
	encPub  [32]byte
	encSec  [32]byte
	signPub [32]byte
	signSec [32]byte
}

var _ ports.Identity = (*Identity)(nil)

func (id *Identity) ID() uint64                 { return id.id }
func (id *Identity) EncPublicKey() *[32]byte    { return &id.encPub }
func (id *Identity) EncPrivateKey() *[32]byte   { return &id.encSec }
func (id *Identity) SignPublicKey() *[32]byte   { return &id.signPub }
func (id *Identity) SignPrivateKey() *[32]byte  { return &id.signSec }

func deriveID(signPub [32]byte) uint64 {
	sum := sha256.Sum256(signPub[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// LoadOrGenerate reads dataDir/identity.bin (sealed with sealer) if
// present, otherwise generates a fresh ed25519 + box key pair, seals
// and writes it, and returns the resulting Identity.
func LoadOrGenerate(dataDir string, sealer ports.Sealer) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, perr.IOError("creating data directory", err)
	}
	path := filepath.Join(dataDir, FileName)

	sealed, err := os.ReadFile(path)
	if err == nil {
		plain, err := sealer.Open(sealed)
		if err != nil {
			return nil, perr.CryptoError("opening identity file", err)
		}
		var stored storedIdentity
		if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&stored); err != nil {
			return nil, perr.IOError("decoding identity file", err)
		}
		out := &Identity{encPub: stored.EncPub, encSec: stored.EncSec}
		copy(out.signPub[:], stored.SignPub)
		copy(out.signSec[:], stored.SignSec)
		out.id = deriveID(out.signPub)
		return out, nil
	}
	if !os.IsNotExist(err) {
		return nil, perr.IOError("reading identity file", err)
	}

	return generate(path, sealer)
}

func generate(path string, sealer ports.Sealer) (*Identity, error) {
	encPub, encSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, perr.CryptoError("generating encryption key pair", err)
	}
	signPub, signSec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, perr.CryptoError("generating signing key pair", err)
	}

	out := &Identity{encPub: *encPub, encSec: *encSec}
	copy(out.signPub[:], signPub)
	copy(out.signSec[:], signSec)
	out.id = deriveID(out.signPub)

	stored := storedIdentity{
		EncPub:  out.encPub,
		EncSec:  out.encSec,
		SignPub: append([]byte(nil), signPub...),
		SignSec: append([]byte(nil), signSec...),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stored); err != nil {
		return nil, perr.IOError("encoding identity file", err)
	}
	sealed, err := sealer.Seal(buf.Bytes())
	if err != nil {
		return nil, perr.CryptoError("sealing identity file", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, perr.IOError("writing identity file", err)
	}
	return out, nil
}
