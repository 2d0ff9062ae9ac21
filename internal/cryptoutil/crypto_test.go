package cryptoutil

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestDeriveSessionKeySymmetric(t *testing.T) {
	skA, pkA, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	skB, pkB, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	keyA, err := DeriveSessionKey(skA, pkB[:])
	if err != nil {
		t.Fatalf("derive A: %v", err)
	}
	keyB, err := DeriveSessionKey(skB, pkA[:])
	if err != nil {
		t.Fatalf("derive B: %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("session keys diverge: %x vs %x", keyA, keyB)
	}
	if len(keyA) != KeySize {
		t.Fatalf("key length = %d, want %d", len(keyA), KeySize)
	}
}

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	_, _, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	cases := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte{0xAB}, 131072),
	}
	for _, plain := range cases {
		ct, err := EncryptChunk(key, plain)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if len(ct) != len(plain)+NonceSize+TagSize {
			t.Fatalf("ciphertext length = %d, want %d", len(ct), len(plain)+NonceSize+TagSize)
		}
		got, err := DecryptChunk(key, ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch: got %x want %x", got, plain)
		}
	}
}

func TestDecryptChunkTamperedFails(t *testing.T) {
	key := make([]byte, KeySize)
	ct, err := EncryptChunk(key, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xFF
	if _, err := DecryptChunk(key, ct); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("transfer-id-1234")
	sig := Sign(priv, data)
	if !Verify(pub, sig, data) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pub, sig, []byte("different data")) {
		t.Fatal("expected signature to fail over different data")
	}
}
