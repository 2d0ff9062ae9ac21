// Package transfer implements the TCP file transfer protocol and the
// manager that orchestrates concurrent transfers: ECDH handshake,
// encrypted chunked send/receive, pause/resume/cancel, and resumption
// from a partial file. Modeled on backend/transfer/models.py,
// backend/transfer/service.py and backend/transfer/manager.py.
package transfer

import "sync"

// State is one of the transfer lifecycle states a transfer.Info can be in.
type State string

const (
	Pending            State = "pending"
	AwaitingAcceptance State = "awaiting_acceptance"
	Rejected           State = "rejected"
	Connecting         State = "connecting"
	Transferring       State = "transferring"
	Paused             State = "paused"
	PausedByPeer       State = "paused_by_peer"
	Completed          State = "completed"
	Failed             State = "failed"
	Cancelled          State = "cancelled"
)

// Terminal reports whether no further state transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Rejected:
		return true
	default:
		return false
	}
}

// Direction distinguishes a transfer this node initiated from one it
// received a connection for.
type Direction string

const (
	Sending   Direction = "sending"
	Receiving Direction = "receiving"
)

// Snapshot is the JSON-serializable view of an Info handed to event
// consumers; it mirrors TransferInfo.model_dump().
type Snapshot struct {
	TransferID       string    `json:"transfer_id"`
	FileName         string    `json:"file_name"`
	FileSize         int64     `json:"file_size"`
	TransferredBytes int64     `json:"transferred_bytes"`
	State            State     `json:"state"`
	Direction        Direction `json:"direction"`
	PeerDeviceID     string    `json:"peer_device_id"`
	PeerDeviceName   string    `json:"peer_device_name"`
	SpeedBps         float64   `json:"speed_bps"`
	ProgressPercent  float64   `json:"progress_percent"`
	EtaSeconds       float64   `json:"eta_seconds"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// Info is the mutable, concurrency-safe state of a single transfer.
// Python mutates TransferInfo's attributes directly because asyncio
// tasks never run pre-emptively; here the same fields sit behind a
// mutex since the sender/receiver goroutine, the control-monitor
// goroutine, and the manager's own goroutine all touch them.
type Info struct {
	mu sync.Mutex

	transferID       string
	fileName         string
	fileSize         int64
	transferredBytes int64
	state            State
	direction        Direction
	peerDeviceID     string
	peerDeviceName   string
	speedBps         float64
	progressPercent  float64
	etaSeconds       float64
	errorMessage     string
}

// NewInfo constructs an Info in the given initial state.
func NewInfo(transferID, fileName string, fileSize int64, direction Direction, peerDeviceID, peerDeviceName string, initial State) *Info {
	return &Info{
		transferID:     transferID,
		fileName:       fileName,
		fileSize:       fileSize,
		direction:      direction,
		peerDeviceID:   peerDeviceID,
		peerDeviceName: peerDeviceName,
		state:          initial,
	}
}

func (i *Info) TransferID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transferID
}

func (i *Info) FileName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fileName
}

func (i *Info) FileSize() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fileSize
}

func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SetState transitions the state unconditionally; callers are
// responsible for only calling it on valid transitions.
func (i *Info) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

func (i *Info) TransferredBytes() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transferredBytes
}

func (i *Info) SetTransferredBytes(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transferredBytes = n
}

func (i *Info) AddTransferredBytes(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transferredBytes += n
}

func (i *Info) PeerDeviceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.peerDeviceID
}

func (i *Info) PeerDeviceName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.peerDeviceName
}

func (i *Info) SetPeerDeviceName(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.peerDeviceName = name
}

func (i *Info) SetProgress(speedBps, progressPercent, etaSeconds float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.speedBps = speedBps
	i.progressPercent = progressPercent
	i.etaSeconds = etaSeconds
}

func (i *Info) SetError(msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorMessage = msg
}

// Snapshot returns an immutable, JSON-ready copy of the current state.
func (i *Info) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		TransferID:       i.transferID,
		FileName:         i.fileName,
		FileSize:         i.fileSize,
		TransferredBytes: i.transferredBytes,
		State:            i.state,
		Direction:        i.direction,
		PeerDeviceID:     i.peerDeviceID,
		PeerDeviceName:   i.peerDeviceName,
		SpeedBps:         i.speedBps,
		ProgressPercent:  i.progressPercent,
		EtaSeconds:       i.etaSeconds,
		ErrorMessage:     i.errorMessage,
	}
}

// FileMetadata is the METADATA message payload sent before the
// accept/reject exchange.
type FileMetadata struct {
	TransferID        string `json:"transfer_id"`
	FileName          string `json:"file_name"`
	FileSize          int64  `json:"file_size"`
	SenderDeviceID    string `json:"sender_device_id"`
	SenderDeviceName  string `json:"sender_device_name"`
	IdentityPublicKey string `json:"identity_public_key"`
	IdentitySignature string `json:"identity_signature"`
}

// AcceptPayload rides along with the ACCEPT message so the sender can
// learn (and verify) the receiver's long-term identity too.
type AcceptPayload struct {
	IdentityPublicKey string `json:"identity_public_key"`
	IdentitySignature string `json:"identity_signature"`
	DeviceName        string `json:"device_name"`
}
