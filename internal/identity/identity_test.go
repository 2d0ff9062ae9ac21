package identity

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesAndPersistsKey(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.key")); err != nil {
		t.Fatalf("expected identity.key to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "device_id")); err != nil {
		t.Fatalf("expected device_id to be written: %v", err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	if string(first.PublicBytes()) != string(second.PublicBytes()) {
		t.Fatal("expected the long-term key to persist across loads")
	}
	if first.PublicID != second.PublicID {
		t.Fatal("expected public_id (device id) to persist across loads")
	}
	if first.Alias == "" || second.Alias == "" {
		t.Fatal("expected a non-empty alias")
	}
}

func TestSignVerifiesWithPublicBytes(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("some-transfer-id")
	sig := id.Sign(data)
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(id.PublicBytes()), data, sig) {
		t.Fatal("expected signature to verify against PublicBytes")
	}
}
