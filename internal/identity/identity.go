// Package identity manages the current process's long-term Ed25519
// signing key and stable device id, plus a fresh per-run alias. Modeled
// on backend/discovery/identity.py and persisted the way go-node's
// identity.go derives and stores key material, but here the long-term
// key itself is what is saved to disk (PKCS8 PEM, unencrypted) rather
// than derived from machine fingerprinting.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var adjectives = []string{
	"Neon", "Cosmic", "Turbo", "Silent", "Electric", "Quantum",
	"Hidden", "Mystic", "Clever", "Swift", "Brave", "Pixel",
	"Sneaky", "Bold", "Lucky", "Happy", "Fierce", "Calm",
}

var animals = []string{
	"Fox", "Panda", "Gopher", "Bear", "Snail", "Owl",
	"Wolf", "Tiger", "Hawk", "Dolphin", "Penguin", "Falcon",
	"Eagle", "Lion", "Shark", "Whale", "Octopus", "Duck",
}

// Identity holds the long-term signing key, the stable device-id
// PublicID persisted across runs, and a fresh Alias minted once per
// process run.
type Identity struct {
	key      ed25519.PrivateKey
	PublicID string
	Alias    string
}

// Load reads (or generates and persists) the long-term identity key
// from <configDir>/identity.key and the stable device id from
// <configDir>/device_id, minting a fresh alias each run.
func Load(configDir string) (*Identity, error) {
	key, err := loadOrGenerateKey(filepath.Join(configDir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	publicID, err := loadOrGenerateDeviceID(filepath.Join(configDir, "device_id"))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return &Identity{
		key:      key,
		PublicID: publicID,
		Alias:    randomAlias(),
	}, nil
}

// loadOrGenerateDeviceID persists a stable UUID the same way
// config.py's _ID_FILE does: read it back if present, otherwise mint
// one and write it out.
func loadOrGenerateDeviceID(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

func randomAlias() string {
	return fmt.Sprintf("%s %s", pick(adjectives), pick(animals))
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		// crypto/rand failing is not something callers can act on here;
		// fall back to the first entry rather than panic.
		return words[0]
	}
	return words[n.Int64()]
}

func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		key, err := decodePKCS8(b)
		if err == nil {
			return key, nil
		}
		// Fall through to regenerate, matching identity.py's
		// "log and regenerate" behavior on a corrupt key file.
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := savePKCS8(path, priv); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return priv, nil
}

func decodePKCS8(b []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return key, nil
}

func savePKCS8(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal pkcs8: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// PublicBytes returns the 32 raw public key bytes.
func (id *Identity) PublicBytes() []byte {
	pub, _ := id.key.Public().(ed25519.PublicKey)
	return []byte(pub)
}

// Sign signs data with the long-term identity key. The private key
// itself never leaves the process.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.key, data)
}
