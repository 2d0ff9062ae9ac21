package transfer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"transferbooth/internal/config"
	"transferbooth/internal/cryptoutil"
	"transferbooth/internal/trust"
	"transferbooth/internal/wire"
)

var logger = log.New(log.Writer(), "[transfer] ", log.LstdFlags)

// Signer is the identity operations a transfer session needs: proving
// the long-term device key to the peer without ever exposing it.
type Signer interface {
	PublicBytes() []byte
	Sign(data []byte) []byte
}

// TrustStore is the subset of trust.Store a session consults to resolve
// a peer's stable identity and to promote a freshly verified peer to
// trusted after a transfer completes.
type TrustStore interface {
	GetPeerByKey(publicKeyHex string) (trust.Peer, bool)
	AddTrustedPeer(deviceID, realName, publicKeyHex string) error
}

// ProgressFunc is invoked at most every config.ProgressInterval while a
// transfer is in flight.
type ProgressFunc func(*Info)

// StateFunc is invoked on every state transition.
type StateFunc func(*Info)

// AcceptFunc prompts for accept/reject of an incoming transfer and
// blocks until a decision is made or the request times out.
type AcceptFunc func(*Info) bool

type resolvedIdentity struct {
	deviceID     string
	realName     string
	publicKeyHex string
}

// SpeedTracker computes a rolling average throughput over a sliding
// time window, matching service.py's SpeedTracker.
type SpeedTracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

func NewSpeedTracker(window time.Duration) *SpeedTracker {
	return &SpeedTracker{window: window}
}

func (t *SpeedTracker) Record(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.samples = append(t.samples, speedSample{at: now, bytes: n})
	cutoff := now.Add(-t.window)
	kept := t.samples[:0]
	for _, s := range t.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples = kept
}

// Speed returns the current estimate in bytes/sec, following the
// "sum everything after the first sample, divide by elapsed" formula
// from the original tracker rather than an exponential average.
func (t *SpeedTracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < 2 {
		return 0
	}
	var total int64
	for _, s := range t.samples[1:] {
		total += s.bytes
	}
	elapsed := t.samples[len(t.samples)-1].at.Sub(t.samples[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total) / elapsed
}

func updateProgress(info *Info, tracker *SpeedTracker) {
	speed := tracker.Speed()
	transferred := info.TransferredBytes()
	size := info.FileSize()

	pct := 100.0
	if size > 0 {
		pct = float64(transferred) / float64(size) * 100
	}

	var eta float64
	if speed > 0 {
		eta = float64(size-transferred) / speed
	}

	info.SetProgress(speed, pct, eta)
}

func performHandshakeSender(conn net.Conn) ([]byte, error) {
	sk, pk, err := cryptoutil.GenerateSessionKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	if err := wire.WriteMessage(conn, wire.HandshakePubkey, pk[:]); err != nil {
		return nil, err
	}
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.HandshakePubkey {
		return nil, fmt.Errorf("%w: expected HANDSHAKE_PUBKEY, got %s", wire.ErrProtocol, msg.Type)
	}
	return cryptoutil.DeriveSessionKey(sk, msg.Payload)
}

func performHandshakeReceiver(conn net.Conn) ([]byte, error) {
	sk, pk, err := cryptoutil.GenerateSessionKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.HandshakePubkey {
		return nil, fmt.Errorf("%w: expected HANDSHAKE_PUBKEY, got %s", wire.ErrProtocol, msg.Type)
	}
	if err := wire.WriteMessage(conn, wire.HandshakePubkey, pk[:]); err != nil {
		return nil, err
	}
	return cryptoutil.DeriveSessionKey(sk, msg.Payload)
}

// monitorRemoteCommands runs on the sender side: it reads the
// connection for PAUSE/RESUME/CANCEL control messages the receiver
// sends while chunk data flows the other way, and updates info
// accordingly. It returns once the connection errors or info reaches a
// terminal state — in practice, once sendOverConn's own defer closes conn.
func monitorRemoteCommands(conn net.Conn, info *Info, onState StateFunc) {
	for {
		if info.State().Terminal() {
			return
		}
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case wire.Pause:
			info.SetState(PausedByPeer)
			onState(info)
		case wire.Resume:
			info.SetState(Transferring)
			onState(info)
		case wire.Cancel:
			info.SetState(Cancelled)
			onState(info)
			return
		}
	}
}

// monitorLocalState runs on the receiver side: it watches for state
// changes made by the manager (pause/resume/cancel requests coming
// from outside the session) and relays them to the sender as control
// messages, the mirror image of monitorRemoteCommands.
func monitorLocalState(conn net.Conn, info *Info, stop <-chan struct{}) {
	last := info.State()
	ticker := time.NewTicker(config.PauseReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		current := info.State()
		if current == Cancelled {
			wire.WriteMessage(conn, wire.Cancel, nil)
			return
		}
		if current.Terminal() {
			return
		}
		if current == last {
			continue
		}

		switch {
		case current == Paused && last == Transferring:
			wire.WriteMessage(conn, wire.Pause, nil)
		case current == Transferring && last == Paused:
			wire.WriteMessage(conn, wire.Resume, nil)
		}
		last = current
	}
}

func failWith(info *Info, onState StateFunc, err error) error {
	if info.State() != Cancelled {
		info.SetState(Failed)
		info.SetError(err.Error())
		onState(info)
	}
	return err
}

// SendFile dials the receiver, then hands the connection to
// sendOverConn to run the handshake, metadata exchange, and chunked
// send loop. chunkSize is normally cfg.ChunkSize from the owning
// Manager's config.
func SendFile(ctx context.Context, peerIP string, peerPort int, filePath string, info *Info, chunkSize int, selfDeviceID, selfDeviceName string, ident Signer, trustStore TrustStore, onProgress ProgressFunc, onState StateFunc) error {
	info.SetState(Connecting)
	onState(info)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", peerIP, peerPort))
	if err != nil {
		return failWith(info, onState, fmt.Errorf("connect: %w", err))
	}
	return sendOverConn(ctx, conn, filePath, info, chunkSize, selfDeviceID, selfDeviceName, ident, trustStore, onProgress, onState)
}

// sendOverConn performs the handshake and metadata exchange, waits for
// accept/reject, then streams the file in chunkSize-sized chunks
// honoring pause/resume/cancel requests from either side. info is
// mutated in place for progress and state.
func sendOverConn(ctx context.Context, conn net.Conn, filePath string, info *Info, chunkSize int, selfDeviceID, selfDeviceName string, ident Signer, trustStore TrustStore, onProgress ProgressFunc, onState StateFunc) error {
	defer conn.Close()

	// net.Conn has no context-aware Read/Write; a cancelled ctx while a
	// chunk is in flight only takes effect once the socket itself errors,
	// so force that by closing it underneath the blocked call.
	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ctxDone:
		}
	}()

	sessionKey, err := performHandshakeSender(conn)
	if err != nil {
		return failWith(info, onState, err)
	}

	var pubKeyHex, sigHex string
	if ident != nil {
		pubKeyHex = hex.EncodeToString(ident.PublicBytes())
		sigHex = hex.EncodeToString(ident.Sign([]byte(info.TransferID())))
	}

	metadata := FileMetadata{
		TransferID:        info.TransferID(),
		FileName:          info.FileName(),
		FileSize:          info.FileSize(),
		SenderDeviceID:    selfDeviceID,
		SenderDeviceName:  selfDeviceName,
		IdentityPublicKey: pubKeyHex,
		IdentitySignature: sigHex,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return failWith(info, onState, err)
	}
	if err := wire.WriteMessage(conn, wire.Metadata, metadataJSON); err != nil {
		return failWith(info, onState, err)
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return failWith(info, onState, err)
	}
	if msg.Type == wire.Reject {
		info.SetState(Rejected)
		onState(info)
		return nil
	}
	if msg.Type != wire.Accept {
		return failWith(info, onState, fmt.Errorf("%w: expected ACCEPT/REJECT, got %s", wire.ErrProtocol, msg.Type))
	}

	var peerIdentity *resolvedIdentity
	if len(msg.Payload) > 0 && trustStore != nil {
		var payload AcceptPayload
		if err := json.Unmarshal(msg.Payload, &payload); err == nil {
			pub, errA := hex.DecodeString(payload.IdentityPublicKey)
			sig, errB := hex.DecodeString(payload.IdentitySignature)
			if errA == nil && errB == nil && cryptoutil.Verify(pub, sig, []byte(info.TransferID())) {
				peerIdentity = &resolvedIdentity{
					deviceID:     info.PeerDeviceID(),
					realName:     payload.DeviceName,
					publicKeyHex: payload.IdentityPublicKey,
				}
				info.SetPeerDeviceName(payload.DeviceName)
				onState(info)
			} else {
				logger.Printf("failed to verify receiver identity for %s", info.FileName())
			}
		}
	}

	msg, err = wire.ReadMessage(conn)
	if err != nil {
		return failWith(info, onState, err)
	}
	if msg.Type != wire.ResumeOffset {
		return failWith(info, onState, fmt.Errorf("%w: expected RESUME_OFFSET, got %s", wire.ErrProtocol, msg.Type))
	}
	if len(msg.Payload) != 8 {
		return failWith(info, onState, fmt.Errorf("%w: malformed resume offset payload", wire.ErrProtocol))
	}
	offset := int64(binary.BigEndian.Uint64(msg.Payload))

	info.SetState(Transferring)
	info.SetTransferredBytes(offset)
	onState(info)

	go monitorRemoteCommands(conn, info, onState)

	f, err := os.Open(filePath)
	if err != nil {
		return failWith(info, onState, fmt.Errorf("open file: %w", err))
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return failWith(info, onState, fmt.Errorf("seek to resume offset: %w", err))
		}
	}

	tracker := NewSpeedTracker(2 * time.Second)
	lastProgress := time.Now()
	buf := make([]byte, chunkSize)

sendLoop:
	for {
		switch info.State() {
		case Cancelled:
			wire.WriteMessage(conn, wire.Cancel, nil)
			return nil
		case Paused, PausedByPeer:
			if info.State() == Paused {
				wire.WriteMessage(conn, wire.Pause, nil)
			}
			for info.State() == Paused || info.State() == PausedByPeer {
				time.Sleep(config.PauseReconcileInterval)
			}
			switch info.State() {
			case Cancelled:
				wire.WriteMessage(conn, wire.Cancel, nil)
				return nil
			case Transferring:
				wire.WriteMessage(conn, wire.Resume, nil)
			}
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			encrypted, err := cryptoutil.EncryptChunk(sessionKey, buf[:n])
			if err != nil {
				return failWith(info, onState, err)
			}
			if err := wire.WriteMessage(conn, wire.DataChunk, encrypted); err != nil {
				return failWith(info, onState, err)
			}
			info.AddTransferredBytes(int64(n))
			tracker.Record(int64(n))

			if now := time.Now(); now.Sub(lastProgress) >= config.ProgressInterval {
				updateProgress(info, tracker)
				onProgress(info)
				lastProgress = now
			}
		}
		if errors.Is(readErr, io.EOF) {
			break sendLoop
		}
		if readErr != nil {
			return failWith(info, onState, fmt.Errorf("read file: %w", readErr))
		}
	}

	if err := wire.WriteMessage(conn, wire.TransferComplete, nil); err != nil {
		return failWith(info, onState, err)
	}

	if peerIdentity != nil && trustStore != nil {
		if err := trustStore.AddTrustedPeer(peerIdentity.deviceID, peerIdentity.realName, peerIdentity.publicKeyHex); err != nil {
			logger.Printf("failed to record trusted peer: %v", err)
		}
	}

	info.SetProgress(0, 100, 0)
	info.SetState(Completed)
	onState(info)
	return nil
}

// ReceiveFile handles one incoming connection end to end: handshake,
// metadata, the accept/reject prompt, resume-offset negotiation, and
// the chunked receive loop. Once the metadata has been read it always
// returns the Info it built, even on rejection, cancellation or
// failure, so the caller can register it and emit final events; a
// failure during the handshake or metadata read returns a nil Info.
func ReceiveFile(ctx context.Context, conn net.Conn, saveDir, selfDeviceName string, ident Signer, trustStore TrustStore, onAccept AcceptFunc, onProgress ProgressFunc, onState StateFunc) (*Info, error) {
	defer conn.Close()

	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-ctxDone:
		}
	}()

	sessionKey, err := performHandshakeReceiver(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.Metadata {
		return nil, fmt.Errorf("%w: expected METADATA, got %s", wire.ErrProtocol, msg.Type)
	}

	var metadata FileMetadata
	if err := json.Unmarshal(msg.Payload, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	realSenderName := metadata.SenderDeviceName
	var peerIdentity *resolvedIdentity
	if metadata.IdentityPublicKey != "" && metadata.IdentitySignature != "" && trustStore != nil {
		pub, errA := hex.DecodeString(metadata.IdentityPublicKey)
		sig, errB := hex.DecodeString(metadata.IdentitySignature)
		if errA == nil && errB == nil && cryptoutil.Verify(pub, sig, []byte(metadata.TransferID)) {
			if known, ok := trustStore.GetPeerByKey(metadata.IdentityPublicKey); ok {
				realSenderName = known.RealName
			}
			peerIdentity = &resolvedIdentity{
				deviceID:     metadata.SenderDeviceID,
				realName:     realSenderName,
				publicKeyHex: metadata.IdentityPublicKey,
			}
		} else {
			logger.Printf("failed to verify sender identity for %s", metadata.FileName)
		}
	}

	info := NewInfo(metadata.TransferID, metadata.FileName, metadata.FileSize, Receiving, metadata.SenderDeviceID, realSenderName, AwaitingAcceptance)
	onState(info)

	if !onAccept(info) {
		wire.WriteMessage(conn, wire.Reject, nil)
		info.SetState(Rejected)
		onState(info)
		return info, nil
	}

	var acceptPayload AcceptPayload
	if ident != nil {
		acceptPayload = AcceptPayload{
			IdentityPublicKey: hex.EncodeToString(ident.PublicBytes()),
			IdentitySignature: hex.EncodeToString(ident.Sign([]byte(info.TransferID()))),
			DeviceName:        selfDeviceName,
		}
	}
	acceptJSON, err := json.Marshal(acceptPayload)
	if err != nil {
		return info, failWith(info, onState, err)
	}
	if err := wire.WriteMessage(conn, wire.Accept, acceptJSON); err != nil {
		return info, failWith(info, onState, err)
	}

	filePath := filepath.Join(saveDir, metadata.FileName)
	var offset int64
	if st, err := os.Stat(filePath); err == nil {
		offset = st.Size()
	}

	offsetPayload := make([]byte, 8)
	binary.BigEndian.PutUint64(offsetPayload, uint64(offset))
	if err := wire.WriteMessage(conn, wire.ResumeOffset, offsetPayload); err != nil {
		return info, failWith(info, onState, err)
	}

	info.SetState(Transferring)
	info.SetTransferredBytes(offset)
	onState(info)

	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitorLocalState(conn, info, stop)
	}()
	defer close(stop)

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		return info, failWith(info, onState, fmt.Errorf("open destination file: %w", err))
	}
	defer f.Close()

	tracker := NewSpeedTracker(2 * time.Second)
	lastProgress := time.Now()

recvLoop:
	for {
		if info.State() == Cancelled {
			// Wait for the state monitor to relay CANCEL to the sender
			// before the deferred close tears the connection down.
			<-monitorDone
			return info, nil
		}

		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return info, failWith(info, onState, err)
		}

		switch msg.Type {
		case wire.TransferComplete:
			break recvLoop
		case wire.Cancel:
			info.SetState(Cancelled)
			onState(info)
			return info, nil
		case wire.Pause:
			info.SetState(PausedByPeer)
			onState(info)
		case wire.Resume:
			info.SetState(Transferring)
			onState(info)
		case wire.DataChunk:
			plain, err := cryptoutil.DecryptChunk(sessionKey, msg.Payload)
			if err != nil {
				return info, failWith(info, onState, err)
			}
			if _, err := f.Write(plain); err != nil {
				return info, failWith(info, onState, fmt.Errorf("write chunk: %w", err))
			}
			if err := f.Sync(); err != nil {
				return info, failWith(info, onState, fmt.Errorf("flush chunk: %w", err))
			}
			info.AddTransferredBytes(int64(len(plain)))
			tracker.Record(int64(len(plain)))

			if now := time.Now(); now.Sub(lastProgress) >= config.ProgressInterval {
				updateProgress(info, tracker)
				onProgress(info)
				lastProgress = now
			}
		default:
			logger.Printf("unexpected message type during receive: %s", msg.Type)
		}
	}

	if peerIdentity != nil && trustStore != nil {
		if err := trustStore.AddTrustedPeer(peerIdentity.deviceID, peerIdentity.realName, peerIdentity.publicKeyHex); err != nil {
			logger.Printf("failed to record trusted peer: %v", err)
		}
	}

	info.SetProgress(0, 100, 0)
	info.SetState(Completed)
	onState(info)
	return info, nil
}
