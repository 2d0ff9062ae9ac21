// Package discovery implements LAN peer discovery: periodic signed UDP
// beacons, a peer table with liveness timeout, and optional identity
// resolution against a trust store. Modeled on
// backend/discovery/service.py and backend/discovery/models.py, with
// the socket plumbing grounded in go-node/discover.go's broadcaster and
// listener goroutines.
package discovery

import "time"

// Peer is a discovered device, spec.md §3.
type Peer struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	IP           string    `json:"ip_address"`
	APIPort      int       `json:"api_port"`
	TransferPort int       `json:"transfer_port"`
	Platform     string    `json:"platform"`
	LastSeen     time.Time `json:"last_seen"`
	IsTrusted    bool      `json:"is_trusted"`
}

// Beacon is the UDP payload, spec.md §3. AuthTag is a hex Ed25519
// signature over the canonical string built from AppID/PublicID/Alias/
// APIPort/TransferPort. DeviceID and PublicID both carry the sender's
// PublicID, which identity.Load persists across runs in
// <configDir>/device_id, so the beacon exposes a stable identifier; no
// per-run id is sent. DeviceName and Alias carry the alias minted
// fresh each run.
type Beacon struct {
	AppID        string `json:"app_id"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	APIPort      int    `json:"api_port"`
	TransferPort int    `json:"transfer_port"`
	Platform     string `json:"platform"`
	Alias        string `json:"alias"`
	PublicID     string `json:"public_id"`
	AuthTag      string `json:"auth_tag"`
}
