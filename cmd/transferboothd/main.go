// Command transferboothd is a minimal headless daemon: it wires
// identity, trust, discovery, and the transfer manager together and
// logs every event to stdout. A real UI/API layer lives elsewhere;
// this binary exists to prove the components boot and talk to each
// other end to end.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"transferbooth/internal/config"
	"transferbooth/internal/discovery"
	"transferbooth/internal/events"
	"transferbooth/internal/identity"
	"transferbooth/internal/transfer"
	"transferbooth/internal/trust"
)

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".transferbooth"
	}
	return filepath.Join(home, ".transferbooth")
}

func main() {
	configDir := flag.String("config-dir", defaultConfigDir(), "directory for identity.key and trusted_peers.json")
	saveDir := flag.String("save-dir", "", "directory incoming files are written to (default: <config-dir>/received)")
	deviceName := flag.String("device-name", "", "human-readable name advertised to peers (default: hostname)")
	flag.Parse()

	if *saveDir == "" {
		*saveDir = filepath.Join(*configDir, "received")
	}
	name := *deviceName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "transfer-booth"
		}
	}

	id, err := identity.Load(*configDir)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("[main] identity public_id=%s alias=%q", id.PublicID, id.Alias)

	trustStore, err := trust.Open(*configDir)
	if err != nil {
		log.Fatalf("trust: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.DeviceName = name
	cfg.SaveDir = *saveDir

	bus := events.New()
	bus.Subscribe(logEvent)

	mgr := transfer.New(cfg, id.PublicID, id, trustStore, bus)
	bus.Subscribe(promptOnTransferRequest)
	go acceptDecisionReader(mgr)
	mgr.SetDeviceName(name)
	if err := mgr.SetSaveDir(*saveDir); err != nil {
		log.Fatalf("save dir: %v", err)
	}

	disc := discovery.New(cfg, config.AppID, runtime.GOOS, 0, id.PublicID, id.Alias, id, trustStore, bus)
	disc.SetDeviceName(name)

	// Two-phase init: the transfer listener must be bound before
	// discovery starts broadcasting, since the port it advertises
	// comes from the manager.
	if err := mgr.Start(); err != nil {
		log.Fatalf("transfer manager: %v", err)
	}
	disc.SetTransferPort(mgr.ReceiverPort())

	if err := disc.Start(); err != nil {
		log.Fatalf("discovery: %v", err)
	}

	log.Printf("[main] transfer-booth running: transfer_port=%d save_dir=%s", mgr.ReceiverPort(), *saveDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("[main] shutting down")
	disc.Stop()
	mgr.Stop()
}

func logEvent(e events.Event) {
	b, err := json.Marshal(e.Data)
	if err != nil {
		log.Printf("[event] %s <unmarshalable: %v>", e.Type, err)
		return
	}
	fmt.Printf("[event] %s %s\n", e.Type, b)
}

// promptOnTransferRequest prints the accept/reject instructions for an
// incoming transfer. The actual decision is read from stdin by
// acceptDecisionReader, since accepting happens on the operator's own
// schedule rather than inside the event callback.
func promptOnTransferRequest(e events.Event) {
	if e.Type != events.TransferRequest {
		return
	}
	snap, ok := e.Data.(transfer.Snapshot)
	if !ok {
		return
	}
	fmt.Printf("incoming transfer %s: %q (%d bytes) from %s — type 'accept %s' or 'reject %s'\n",
		snap.TransferID, snap.FileName, snap.FileSize, snap.PeerDeviceName, snap.TransferID, snap.TransferID)
}

// acceptDecisionReader reads "accept <id>" / "reject <id>" lines from
// stdin and resolves the matching pending transfer request. Unknown or
// malformed lines are ignored.
func acceptDecisionReader(mgr *transfer.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "accept":
			mgr.RespondToRequest(fields[1], true)
		case "reject":
			mgr.RespondToRequest(fields[1], false)
		}
	}
}
