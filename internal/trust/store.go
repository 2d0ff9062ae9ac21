// Package trust persists the set of peers whose Ed25519 public key has
// been verified in a prior transfer, and resolves beacon signatures
// against that set. Modeled directly on backend/discovery/trust.py.
package trust

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"transferbooth/internal/cryptoutil"
)

// Peer is a previously verified peer: the TrustedPeer record of
// spec.md §3.
type Peer struct {
	DeviceID     string `json:"device_id"`
	RealName     string `json:"real_name"`
	PublicKeyHex string `json:"public_key_hex"`
}

// CanonicalBeaconFields is the subset of a beacon that gets signed,
// decoupled from the discovery package to avoid an import cycle.
type CanonicalBeaconFields struct {
	AppID         string
	PublicID      string
	Alias         string
	APIPort       int
	TransferPort  int
}

// CanonicalBytes produces the deterministic signable string:
// "{app_id}:{public_id}:{alias}:{api_port}:{transfer_port}".
func CanonicalBytes(f CanonicalBeaconFields) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d:%d", f.AppID, f.PublicID, f.Alias, f.APIPort, f.TransferPort))
}

// Verifier is the minimal interface the discovery service needs to
// verify a beacon; satisfied by *Store.
type Verifier interface {
	VerifyAuthTag(fields CanonicalBeaconFields, authTagHex string) (Peer, bool)
}

// Store is a JSON-file-backed, mutex-guarded set of trusted peers keyed
// by device_id.
type Store struct {
	path string

	mu    sync.RWMutex
	peers map[string]Peer
}

// Open loads (or initializes empty) the trust store at
// <configDir>/trusted_peers.json.
func Open(configDir string) (*Store, error) {
	s := &Store{
		path:  filepath.Join(configDir, "trusted_peers.json"),
		peers: make(map[string]Peer),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("trust: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw map[string]Peer
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = raw
	return nil
}

// save atomically rewrites the backing JSON file: write a temp file in
// the same directory, then rename over the target.
func (s *Store) save() error {
	s.mu.RLock()
	snapshot := make(map[string]Peer, len(s.peers))
	for k, v := range s.peers {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// AddTrustedPeer inserts-or-replaces a peer record and persists the
// store.
func (s *Store) AddTrustedPeer(deviceID, realName, publicKeyHex string) error {
	s.mu.Lock()
	s.peers[deviceID] = Peer{DeviceID: deviceID, RealName: realName, PublicKeyHex: publicKeyHex}
	s.mu.Unlock()
	return s.save()
}

// GetPeerByKey linear-scans for a peer with an exact public key match.
func (s *Store) GetPeerByKey(publicKeyHex string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.PublicKeyHex == publicKeyHex {
			return p, true
		}
	}
	return Peer{}, false
}

// List returns a snapshot of all trusted peers.
func (s *Store) List() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// VerifyAuthTag decodes a hex Ed25519 signature and checks it against
// every trusted peer's public key, returning the first match. A
// missing or malformed tag returns (Peer{}, false), never an error —
// per spec.md §4.C this is a lookup, not a hard failure.
func (s *Store) VerifyAuthTag(fields CanonicalBeaconFields, authTagHex string) (Peer, bool) {
	if authTagHex == "" {
		return Peer{}, false
	}
	sig, err := hex.DecodeString(authTagHex)
	if err != nil {
		return Peer{}, false
	}
	signable := CanonicalBytes(fields)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		pub, err := hex.DecodeString(p.PublicKeyHex)
		if err != nil {
			continue
		}
		if cryptoutil.Verify(pub, sig, signable) {
			return p, true
		}
	}
	return Peer{}, false
}
