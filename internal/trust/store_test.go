package trust

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTrustedPeer("dev-1", "Alice", "aabbcc"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTrustedPeer("dev-2", "Bob", "ddeeff"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	peers := reopened.List()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers after reload, got %d", len(peers))
	}
	if p, ok := reopened.GetPeerByKey("ddeeff"); !ok || p.RealName != "Bob" {
		t.Fatalf("expected to find Bob by key, got %+v ok=%v", p, ok)
	}
}

func TestVerifyAuthTag(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := hex.EncodeToString(pub)

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTrustedPeer("dev-1", "Alice", pubHex); err != nil {
		t.Fatal(err)
	}

	fields := CanonicalBeaconFields{
		AppID: "transfer-booth-v1", PublicID: "pid-1", Alias: "Neon Fox",
		APIPort: 8765, TransferPort: 51000,
	}
	sig := ed25519.Sign(priv, CanonicalBytes(fields))
	tag := hex.EncodeToString(sig)

	peer, ok := s.VerifyAuthTag(fields, tag)
	if !ok || peer.DeviceID != "dev-1" {
		t.Fatalf("expected verified match to dev-1, got %+v ok=%v", peer, ok)
	}

	if _, ok := s.VerifyAuthTag(fields, ""); ok {
		t.Fatal("expected empty auth tag to fail verification")
	}

	fields2 := fields
	fields2.Alias = "Cosmic Owl"
	if _, ok := s.VerifyAuthTag(fields2, tag); ok {
		t.Fatal("expected signature over different fields to fail")
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	f := CanonicalBeaconFields{AppID: "a", PublicID: "b", Alias: "c", APIPort: 1, TransferPort: 2}
	if string(CanonicalBytes(f)) != string(CanonicalBytes(f)) {
		t.Fatal("expected canonical bytes to be deterministic")
	}
	if string(CanonicalBytes(f)) != "a:b:c:1:2" {
		t.Fatalf("unexpected canonical form: %s", CanonicalBytes(f))
	}
}
