// Package vault implements the at-rest key vault collaborator
// (spec.md §1 "At-rest key vault", §6 persisted-file formats,
// §9 Design Notes "Global at-rest key cache"): a 32-byte symmetric key
// used to seal every record the core writes to durable storage,
// optionally passphrase-protected.
//
// Grounded on original_source/Pigeon/src/identity.rs's
// load_or_generate file-presence-decides-path shape, applied here to
// the at_rest.key / at_rest.key.enc pair instead of identity.bin.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/CalebFields/Pigeon/internal/perr"
	"github.com/CalebFields/Pigeon/internal/seal"
)

const (
	PlainFileName = "at_rest.key"
	EncFileName   = "at_rest.key.enc"

	magic         = "PGN1"
	saltSize      = 16
	pbkdf2Iters   = 200_000
)

var (
	cacheMu sync.Mutex
	cache   = map[string]*seal.Sealer{}
)

// Vault wraps the unlocked at-rest Sealer for one data directory.
type Vault struct {
	dataDir string
	sealer  *seal.Sealer
}

// Sealer returns the unlocked at-rest Sealer, which also satisfies
// ports.Sealer.
func (v *Vault) Sealer() *seal.Sealer { return v.sealer }

func plainPath(dataDir string) string { return filepath.Join(dataDir, PlainFileName) }
func encPath(dataDir string) string   { return filepath.Join(dataDir, EncFileName) }

func deriveWrappingKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, seal.KeySize, sha256.New)
}

// Unlock loads (generating on first run) the at-rest key for dataDir,
// consulting the process-wide cache keyed by data directory before
// touching disk (spec.md §9 "Global at-rest key cache").
func Unlock(dataDir, passphrase string) (*Vault, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := cache[dataDir]; ok {
		return &Vault{dataDir: dataDir, sealer: s}, nil
	}

	rawKey, err := loadOrGenerateLocked(dataDir, passphrase)
	if err != nil {
		return nil, err
	}
	s, err := seal.NewSealer(rawKey)
	if err != nil {
		return nil, err
	}
	cache[dataDir] = s
	return &Vault{dataDir: dataDir, sealer: s}, nil
}

func loadOrGenerateLocked(dataDir, passphrase string) ([]byte, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, perr.IOError("creating data directory", err)
	}

	if raw, err := os.ReadFile(plainPath(dataDir)); err == nil {
		if len(raw) != seal.KeySize {
			return nil, perr.StorageError("at_rest.key has wrong length", nil)
		}
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, perr.IOError("reading at_rest.key", err)
	}

	if encoded, err := os.ReadFile(encPath(dataDir)); err == nil {
		return openEncoded(encoded, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, perr.IOError("reading at_rest.key.enc", err)
	}

	// Neither file exists: first run.
	raw := make([]byte, seal.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, perr.CryptoError("generating at-rest key", err)
	}
	if passphrase == "" {
		if err := os.WriteFile(plainPath(dataDir), raw, 0o600); err != nil {
			return nil, perr.IOError("writing at_rest.key", err)
		}
		return raw, nil
	}
	encoded, err := encodeWithPassphrase(raw, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(encPath(dataDir), encoded, 0o600); err != nil {
		return nil, perr.IOError("writing at_rest.key.enc", err)
	}
	return raw, nil
}

// encodeWithPassphrase builds the `PGN1 || salt || nonce || sealed
// key` file contents (spec.md §6). The sealed-key codec's own nonce
// prefix supplies the "nonce" field, so encoding reduces to
// magic || salt || Sealer.Seal(rawKey).
func encodeWithPassphrase(rawKey []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, perr.CryptoError("generating salt", err)
	}
	wrapper, err := seal.NewSealer(deriveWrappingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	sealedKey, err := wrapper.Seal(rawKey)
	if err != nil {
		return nil, perr.CryptoError("sealing at-rest key", err)
	}
	out := make([]byte, 0, len(magic)+saltSize+len(sealedKey))
	out = append(out, []byte(magic)...)
	out = append(out, salt...)
	out = append(out, sealedKey...)
	return out, nil
}

func openEncoded(encoded []byte, passphrase string) ([]byte, error) {
	if len(encoded) < len(magic)+saltSize+seal.NonceSize+seal.KeySize+seal.TagSize {
		return nil, perr.StorageError("at_rest.key.enc is truncated", nil)
	}
	if string(encoded[:len(magic)]) != magic {
		return nil, perr.StorageError("at_rest.key.enc has unrecognized magic", nil)
	}
	if passphrase == "" {
		return nil, perr.ConfigError("a passphrase is required to unlock at_rest.key.enc", nil)
	}
	salt := encoded[len(magic) : len(magic)+saltSize]
	sealedKey := encoded[len(magic)+saltSize:]

	wrapper, err := seal.NewSealer(deriveWrappingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	rawKey, err := wrapper.Open(sealedKey)
	if err != nil {
		return nil, perr.CryptoError("incorrect passphrase", err)
	}
	return rawKey, nil
}

// SetPassphraseAndSeal converts an unpassphrased vault (at_rest.key)
// into a passphrase-protected one (at_rest.key.enc), updating the
// process-wide cache atomically with the file rewrite.
func SetPassphraseAndSeal(dataDir, passphrase string) error {
	if passphrase == "" {
		return perr.ConfigError("passphrase must not be empty", nil)
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()

	raw, err := currentRawKeyLocked(dataDir)
	if err != nil {
		return err
	}
	encoded, err := encodeWithPassphrase(raw, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(encPath(dataDir), encoded, 0o600); err != nil {
		return perr.IOError("writing at_rest.key.enc", err)
	}
	_ = os.Remove(plainPath(dataDir))

	s, err := seal.NewSealer(raw)
	if err != nil {
		return err
	}
	cache[dataDir] = s
	return nil
}

// RotateKeyAndSeal generates a fresh at-rest key and reseals it using
// the same passphrase policy (empty = plaintext file), invalidating
// the cached key for dataDir. Callers must re-seal every existing
// sealed record with the new key; this function only rotates the key
// material itself.
func RotateKeyAndSeal(dataDir, passphrase string) error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	raw := make([]byte, seal.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return perr.CryptoError("generating at-rest key", err)
	}

	if passphrase == "" {
		if err := os.WriteFile(plainPath(dataDir), raw, 0o600); err != nil {
			return perr.IOError("writing at_rest.key", err)
		}
		_ = os.Remove(encPath(dataDir))
	} else {
		encoded, err := encodeWithPassphrase(raw, passphrase)
		if err != nil {
			return err
		}
		if err := os.WriteFile(encPath(dataDir), encoded, 0o600); err != nil {
			return perr.IOError("writing at_rest.key.enc", err)
		}
		_ = os.Remove(plainPath(dataDir))
	}

	s, err := seal.NewSealer(raw)
	if err != nil {
		return err
	}
	cache[dataDir] = s
	return nil
}

func currentRawKeyLocked(dataDir string) ([]byte, error) {
	if raw, err := os.ReadFile(plainPath(dataDir)); err == nil {
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, perr.IOError("reading at_rest.key", err)
	}
	return nil, perr.StorageError("no at_rest.key to migrate; vault must be unlocked first", nil)
}
