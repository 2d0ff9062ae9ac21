package transfer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"transferbooth/internal/config"
	"transferbooth/internal/events"
)

// Manager owns every active and completed transfer on this node: the
// TCP listener that accepts incoming connections, the queue of
// outbound sends, and the pause/resume/cancel/accept control surface.
// Modeled on backend/transfer/manager.py's TransferManager.
type Manager struct {
	cfg        *config.Config
	identity   Signer
	trustStore TrustStore
	bus        *events.Bus

	selfDeviceID string

	deviceNameMu sync.RWMutex
	deviceName   string

	saveDirMu sync.RWMutex
	saveDir   string

	mu        sync.Mutex
	transfers map[string]*Info
	cancel    map[string]context.CancelFunc

	acceptMu sync.Mutex
	accepts  map[string]chan bool

	listener     net.Listener
	receiverPort int

	wg sync.WaitGroup
}

// New constructs a Manager against cfg (use config.DefaultConfig()
// unless the caller needs to override port range, chunk size, or the
// accept timeout). Call Start before it will accept incoming
// connections or advertise a transfer port.
func New(cfg *config.Config, selfDeviceID string, identity Signer, trustStore TrustStore, bus *events.Bus) *Manager {
	return &Manager{
		cfg:          cfg,
		identity:     identity,
		trustStore:   trustStore,
		bus:          bus,
		selfDeviceID: selfDeviceID,
		saveDir:      cfg.SaveDir,
		transfers:    make(map[string]*Info),
		cancel:       make(map[string]context.CancelFunc),
		accepts:      make(map[string]chan bool),
	}
}

// SetDeviceName updates the name advertised to peers as this node's
// display name in metadata and accept payloads.
func (m *Manager) SetDeviceName(name string) {
	m.deviceNameMu.Lock()
	defer m.deviceNameMu.Unlock()
	m.deviceName = name
}

func (m *Manager) deviceNameSnapshot() string {
	m.deviceNameMu.RLock()
	defer m.deviceNameMu.RUnlock()
	return m.deviceName
}

// SetSaveDir changes where incoming files land, creating the directory
// if needed.
func (m *Manager) SetSaveDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("transfer: create save dir: %w", err)
	}
	m.saveDirMu.Lock()
	defer m.saveDirMu.Unlock()
	m.saveDir = path
	return nil
}

func (m *Manager) saveDirSnapshot() string {
	m.saveDirMu.RLock()
	defer m.saveDirMu.RUnlock()
	return m.saveDir
}

// Start binds the receiver listener, trying up to
// config.ListenerBindAttempts random ports in
// [cfg.TransferPortMin, cfg.TransferPortMax].
func (m *Manager) Start() error {
	for attempt := 0; attempt < config.ListenerBindAttempts; attempt++ {
		port := m.cfg.TransferPortMin + rand.Intn(m.cfg.TransferPortMax-m.cfg.TransferPortMin+1)
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			continue
		}
		m.listener = ln
		m.receiverPort = port
		logger.Printf("receiver listening on port %d", port)

		m.wg.Add(1)
		go m.acceptLoop()
		return nil
	}
	return fmt.Errorf("transfer: could not bind to any transfer port after %d attempts", config.ListenerBindAttempts)
}

// Stop closes the listener and cancels every in-flight transfer.
func (m *Manager) Stop() {
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancel))
	for _, c := range m.cancel {
		cancels = append(cancels, c)
	}
	m.cancel = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	m.wg.Wait()
	logger.Printf("transfer manager stopped")
}

// ReceiverPort returns the TCP port bound by Start, or 0 if not started.
func (m *Manager) ReceiverPort() int {
	return m.receiverPort
}

// Transfers returns a snapshot of every tracked transfer.
func (m *Manager) Transfers() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.transfers))
	for _, info := range m.transfers {
		out = append(out, info.Snapshot())
	}
	return out
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleIncoming(conn)
		}()
	}
}

func (m *Manager) handleIncoming(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var registeredID string
	onState := func(info *Info) {
		if registeredID == "" {
			registeredID = info.TransferID()
			m.mu.Lock()
			m.cancel[registeredID] = cancel
			m.mu.Unlock()
		}
		m.onStateChange(info)
	}

	info, err := ReceiveFile(
		ctx, conn, m.saveDirSnapshot(), m.deviceNameSnapshot(),
		m.identity, m.trustStore,
		m.promptAccept, m.onProgress, onState,
	)
	if registeredID != "" {
		m.mu.Lock()
		delete(m.cancel, registeredID)
		m.mu.Unlock()
	}
	if err != nil {
		logger.Printf("receive error: %v", err)
		return
	}
	if info == nil {
		return
	}
	m.mu.Lock()
	m.transfers[info.TransferID()] = info
	m.mu.Unlock()
}

// QueueSend starts one goroutine per file, each sending independently
// to the same peer.
func (m *Manager) QueueSend(peerIP string, peerPort int, peerDeviceID, peerDeviceName string, filePaths []string) ([]*Info, error) {
	infos := make([]*Info, 0, len(filePaths))

	for _, path := range filePaths {
		st, err := os.Stat(path)
		if err != nil {
			return infos, fmt.Errorf("transfer: stat %s: %w", path, err)
		}

		info := NewInfo(uuid.NewString(), filepath.Base(path), st.Size(), Sending, peerDeviceID, peerDeviceName, Pending)

		m.mu.Lock()
		m.transfers[info.TransferID()] = info
		m.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.cancel[info.TransferID()] = cancel
		m.mu.Unlock()

		m.wg.Add(1)
		go func(path string, info *Info) {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.cancel, info.TransferID())
				m.mu.Unlock()
			}()
			if err := SendFile(ctx, peerIP, peerPort, path, info, m.cfg.ChunkSize, m.selfDeviceID, m.deviceNameSnapshot(), m.identity, m.trustStore, m.onProgress, m.onStateChange); err != nil {
				logger.Printf("send error for %s: %v", info.FileName(), err)
			}
		}(path, info)

		infos = append(infos, info)
		m.onStateChange(info)
	}

	return infos, nil
}

// promptAccept emits a transfer_request event and blocks up to
// cfg.AcceptTimeout for RespondToRequest to resolve it.
func (m *Manager) promptAccept(info *Info) bool {
	m.mu.Lock()
	m.transfers[info.TransferID()] = info
	m.mu.Unlock()

	// Register the response channel before emitting, so a consumer that
	// calls RespondToRequest synchronously from within the event
	// callback doesn't race the registration below.
	ch := make(chan bool, 1)
	m.acceptMu.Lock()
	m.accepts[info.TransferID()] = ch
	m.acceptMu.Unlock()
	defer func() {
		m.acceptMu.Lock()
		delete(m.accepts, info.TransferID())
		m.acceptMu.Unlock()
	}()

	m.bus.Emit(events.TransferRequest, info.Snapshot())

	select {
	case accept := <-ch:
		return accept
	case <-time.After(m.cfg.AcceptTimeout):
		logger.Printf("transfer %s timed out waiting for acceptance", info.TransferID())
		return false
	}
}

// RespondToRequest resolves a pending acceptance prompt. A response
// after the prompt has already timed out or been answered is a no-op.
func (m *Manager) RespondToRequest(transferID string, accept bool) {
	m.acceptMu.Lock()
	ch, ok := m.accepts[transferID]
	m.acceptMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- accept:
	default:
	}
}

func (m *Manager) getTransfer(transferID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.transfers[transferID]
	return info, ok
}

// PauseTransfer pauses an active transfer; a no-op if it isn't
// currently transferring.
func (m *Manager) PauseTransfer(transferID string) {
	info, ok := m.getTransfer(transferID)
	if !ok || info.State() != Transferring {
		return
	}
	info.SetState(Paused)
	m.onStateChange(info)
}

// ResumeTransfer resumes a paused transfer; a no-op if it isn't
// currently paused.
func (m *Manager) ResumeTransfer(transferID string) {
	info, ok := m.getTransfer(transferID)
	if !ok || info.State() != Paused {
		return
	}
	info.SetState(Transferring)
	m.onStateChange(info)
}

// CancelTransfer cancels a transfer from any cancelable state and
// cancels its goroutine's context, if it is still running.
func (m *Manager) CancelTransfer(transferID string) {
	info, ok := m.getTransfer(transferID)
	if !ok {
		return
	}
	switch info.State() {
	case Pending, Transferring, Paused, PausedByPeer, AwaitingAcceptance:
	default:
		return
	}
	info.SetState(Cancelled)
	m.onStateChange(info)

	m.mu.Lock()
	cancel, ok := m.cancel[transferID]
	delete(m.cancel, transferID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) onProgress(info *Info) {
	m.bus.Emit(events.TransferProgress, info.Snapshot())
}

func (m *Manager) onStateChange(info *Info) {
	m.mu.Lock()
	m.transfers[info.TransferID()] = info
	m.mu.Unlock()

	snap := info.Snapshot()
	m.bus.Emit(events.TransferState, snap)

	var kind, message string
	switch snap.State {
	case Completed:
		verb := "sent"
		if snap.Direction == Receiving {
			verb = "received"
		}
		kind = "success"
		message = fmt.Sprintf("'%s' (%s) %s successfully!", snap.FileName, humanize.Bytes(uint64(snap.FileSize)), verb)
	case Failed:
		kind = "error"
		message = fmt.Sprintf("Transfer of '%s' failed: %s", snap.FileName, snap.ErrorMessage)
	case Cancelled:
		kind = "info"
		message = fmt.Sprintf("Transfer of '%s' cancelled.", snap.FileName)
	case Rejected:
		kind = "warning"
		message = fmt.Sprintf("Transfer of '%s' was rejected.", snap.FileName)
	default:
		return
	}
	m.bus.Emit(events.Notification, map[string]string{"type": kind, "message": message})
}
