package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transferbooth/internal/config"
	"transferbooth/internal/events"
)

func waitForState(t *testing.T, info *Info, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if info.State() == want {
			return
		}
		if info.State().Terminal() && info.State() != want {
			t.Fatalf("transfer reached terminal state %s, wanted %s", info.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, info.State())
}

func TestManagerEndToEndAutoAccept(t *testing.T) {
	dstDir := t.TempDir()
	recvBus := events.New()
	recvMgr := New(config.DefaultConfig(), "recv-id", nil, nil, recvBus)
	if err := recvMgr.SetSaveDir(dstDir); err != nil {
		t.Fatal(err)
	}
	recvBus.Subscribe(func(e events.Event) {
		if e.Type != events.TransferRequest {
			return
		}
		snap := e.Data.(Snapshot)
		recvMgr.RespondToRequest(snap.TransferID, true)
	})
	if err := recvMgr.Start(); err != nil {
		t.Fatal(err)
	}
	defer recvMgr.Stop()

	sendBus := events.New()
	sendMgr := New(config.DefaultConfig(), "send-id", nil, nil, sendBus)
	if err := sendMgr.Start(); err != nil {
		t.Fatal(err)
	}
	defer sendMgr.Stop()

	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("manager-e2e-"), 4096)
	srcPath := filepath.Join(srcDir, "report.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := sendMgr.QueueSend("127.0.0.1", recvMgr.ReceiverPort(), "recv-id", "Receiver", []string{srcPath})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 queued transfer, got %d", len(infos))
	}

	waitForState(t, infos[0], Completed, 5*time.Second)

	got, err := os.ReadFile(filepath.Join(dstDir, "report.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("received content does not match source")
	}
}

func TestManagerRejection(t *testing.T) {
	dstDir := t.TempDir()
	recvBus := events.New()
	recvMgr := New(config.DefaultConfig(), "recv-id", nil, nil, recvBus)
	if err := recvMgr.SetSaveDir(dstDir); err != nil {
		t.Fatal(err)
	}
	recvBus.Subscribe(func(e events.Event) {
		if e.Type != events.TransferRequest {
			return
		}
		snap := e.Data.(Snapshot)
		recvMgr.RespondToRequest(snap.TransferID, false)
	})
	if err := recvMgr.Start(); err != nil {
		t.Fatal(err)
	}
	defer recvMgr.Stop()

	sendBus := events.New()
	sendMgr := New(config.DefaultConfig(), "send-id", nil, nil, sendBus)
	if err := sendMgr.Start(); err != nil {
		t.Fatal(err)
	}
	defer sendMgr.Stop()

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "declined.bin")
	if err := os.WriteFile(srcPath, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := sendMgr.QueueSend("127.0.0.1", recvMgr.ReceiverPort(), "recv-id", "Receiver", []string{srcPath})
	if err != nil {
		t.Fatal(err)
	}

	waitForState(t, infos[0], Rejected, 5*time.Second)
}

func TestManagerPauseResumeCancelAPI(t *testing.T) {
	bus := events.New()
	mgr := New(config.DefaultConfig(), "self-id", nil, nil, bus)

	info := NewInfo("manual-1", "x.bin", 10, Sending, "peer", "Peer", Transferring)
	mgr.mu.Lock()
	mgr.transfers["manual-1"] = info
	mgr.mu.Unlock()

	mgr.PauseTransfer("manual-1")
	if info.State() != Paused {
		t.Fatalf("expected Paused, got %s", info.State())
	}

	mgr.ResumeTransfer("manual-1")
	if info.State() != Transferring {
		t.Fatalf("expected Transferring, got %s", info.State())
	}

	mgr.CancelTransfer("manual-1")
	if info.State() != Cancelled {
		t.Fatalf("expected Cancelled, got %s", info.State())
	}

	// Cancelling an already-terminal transfer is a no-op.
	mgr.CancelTransfer("manual-1")
	if info.State() != Cancelled {
		t.Fatalf("expected Cancelled to remain, got %s", info.State())
	}
}
