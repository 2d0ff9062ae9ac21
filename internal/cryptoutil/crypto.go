// Package cryptoutil implements the session-crypto primitives: ephemeral
// X25519 key exchange, HKDF-SHA256 key derivation, AES-256-GCM per-chunk
// sealing, and Ed25519 signing. Session keys live only for the duration
// of one transfer and are never persisted.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AES-GCM nonce length used for every chunk.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// KeySize is the derived AES-256 session key length.
	KeySize = 32

	sessionKeyInfo = "transfer-booth-v1-session-key"
)

// ErrCrypto wraps every failure in this package: a handshake key that
// doesn't decode, or a GCM tag mismatch. It is never retried — a failed
// decrypt means the channel's integrity can no longer be trusted.
var ErrCrypto = errors.New("cryptoutil: crypto error")

func wrap(msg string, err error) error {
	return errors.Join(ErrCrypto, errors.New(msg+": "+err.Error()))
}

// GenerateSessionKeypair creates an ephemeral X25519 keypair for one
// handshake. The private scalar never leaves the process; the public
// key is the 32 raw bytes sent over the wire.
func GenerateSessionKeypair() (sk [32]byte, pk [32]byte, err error) {
	if _, err = rand.Read(sk[:]); err != nil {
		return sk, pk, wrap("generate private scalar", err)
	}
	// Clamp per RFC 7748, same as curve25519.X25519's ScalarBaseMult path.
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64

	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, pk, wrap("derive public key", err)
	}
	copy(pk[:], pub)
	return sk, pk, nil
}

// DeriveSessionKey performs the X25519 exchange against a peer's raw
// public key, then stretches the shared secret through HKDF-SHA256 into
// a 32-byte AES-256 key. Symmetric: DeriveSessionKey(skA, pkB) equals
// DeriveSessionKey(skB, pkA).
func DeriveSessionKey(sk [32]byte, peerPKRaw []byte) ([]byte, error) {
	if len(peerPKRaw) != 32 {
		return nil, wrap("derive session key", errors.New("peer public key must be 32 bytes"))
	}
	shared, err := curve25519.X25519(sk[:], peerPKRaw)
	if err != nil {
		return nil, wrap("x25519 exchange", err)
	}
	h := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, wrap("hkdf expand", err)
	}
	return key, nil
}

// EncryptChunk seals plaintext under AES-256-GCM with a fresh random
// 12-byte nonce, returning nonce‖ciphertext‖tag.
func EncryptChunk(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, wrap("generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptChunk is the inverse of EncryptChunk. It fails with ErrCrypto
// on any tag mismatch or malformed blob.
func DecryptChunk(key []byte, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+TagSize {
		return nil, wrap("decrypt chunk", errors.New("blob shorter than nonce+tag"))
	}
	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, wrap("gcm open", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, wrap("new gcm", errors.New("key must be 32 bytes"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("new aes cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, wrap("new gcm aead", err)
	}
	return aead, nil
}

// Sign produces an Ed25519 signature over bytes using a long-term
// identity key.
func Sign(sk ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(sk, data)
}

// Verify checks an Ed25519 signature against a raw 32-byte public key.
// A malformed public key or signature is a verification failure, not a
// panic.
func Verify(pubRaw []byte, sig []byte, data []byte) bool {
	if len(pubRaw) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubRaw), data, sig)
}
