package identity

import (
	"crypto/rand"
	"testing"

	"github.com/CalebFields/Pigeon/internal/seal"
)

func newTestSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	s, err := seal.NewSealer(key[:])
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoadOrGenerateCreatesThenPersists(t *testing.T) {
	dir := t.TempDir()
	sealer := newTestSealer(t)

	first, err := LoadOrGenerate(dir, sealer)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID() == 0 {
		t.Fatal("expected a non-zero derived id")
	}

	second, err := LoadOrGenerate(dir, sealer)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() != first.ID() {
		t.Fatalf("expected reloaded identity to keep id %d, got %d", first.ID(), second.ID())
	}
	if *second.EncPublicKey() != *first.EncPublicKey() {
		t.Fatal("expected reloaded identity to keep the same encryption key pair")
	}
	if *second.SignPublicKey() != *first.SignPublicKey() {
		t.Fatal("expected reloaded identity to keep the same signing key pair")
	}
}

func TestLoadOrGenerateDifferentDirsGetDifferentIdentities(t *testing.T) {
	sealer := newTestSealer(t)

	a, err := LoadOrGenerate(t.TempDir(), sealer)
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadOrGenerate(t.TempDir(), sealer)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == b.ID() {
		t.Fatal("expected freshly generated identities in different directories to differ")
	}
}

func TestIDIsDerivedFromSigningPublicKey(t *testing.T) {
	dir := t.TempDir()
	sealer := newTestSealer(t)

	id, err := LoadOrGenerate(dir, sealer)
	if err != nil {
		t.Fatal(err)
	}
	if got := deriveID(*id.SignPublicKey()); got != id.ID() {
		t.Fatalf("expected ID() to match deriveID(SignPublicKey()), got %d want %d", id.ID(), got)
	}
}
