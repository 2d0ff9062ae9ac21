package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"transferbooth/internal/config"
	"transferbooth/internal/events"
	"transferbooth/internal/trust"
)

// Identity is the subset of identity.Identity the discovery service
// needs: the public key and the signing operation used to authenticate
// outgoing beacons. The id and alias they carry are passed to New.
type Identity interface {
	PublicBytes() []byte
	Sign(data []byte) []byte
}

var logger = log.New(log.Writer(), "[discovery] ", log.LstdFlags)

// Service binds the shared discovery UDP socket, broadcasts signed
// beacons, and maintains the peer table.
type Service struct {
	cfg        *config.Config
	appID      string
	apiPort    int
	platform   string
	publicID   string
	alias      string
	identity   Identity
	trust      trust.Verifier
	bus        *events.Bus

	deviceNameMu sync.RWMutex
	deviceName   string

	transferPortMu sync.RWMutex
	transferPort   int

	peersMu sync.RWMutex
	peers   map[string]Peer

	conn   *net.UDPConn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a discovery Service against cfg (use
// config.DefaultConfig() unless the caller needs to override ports or
// timing). The transfer port is unset (0) until SetTransferPort is
// called — the two-phase init of spec.md §9.
func New(cfg *config.Config, appID, platform string, apiPort int, publicID, alias string, identity Identity, trustStore trust.Verifier, bus *events.Bus) *Service {
	return &Service{
		cfg:      cfg,
		appID:    appID,
		apiPort:  apiPort,
		platform: platform,
		publicID: publicID,
		alias:    alias,
		identity: identity,
		trust:    trustStore,
		bus:      bus,
		peers:    make(map[string]Peer),
		stopCh:   make(chan struct{}),
	}
}

// SetDeviceName records this node's human-readable name (an external
// settings accessor per spec.md §6). Outgoing beacons do not carry it:
// their device_name field holds the per-run alias.
func (s *Service) SetDeviceName(name string) {
	s.deviceNameMu.Lock()
	defer s.deviceNameMu.Unlock()
	s.deviceName = name
}

func (s *Service) deviceNameSnapshot() string {
	s.deviceNameMu.RLock()
	defer s.deviceNameMu.RUnlock()
	return s.deviceName
}

// SetTransferPort publishes the transfer manager's bound listener port
// into outgoing beacons. Must be called before Start for the first
// beacon to carry a usable port (spec.md §9's cyclic-dependency fix).
func (s *Service) SetTransferPort(port int) {
	s.transferPortMu.Lock()
	defer s.transferPortMu.Unlock()
	s.transferPort = port
}

func (s *Service) transferPortSnapshot() int {
	s.transferPortMu.RLock()
	defer s.transferPortMu.RUnlock()
	return s.transferPort
}

// Start binds the shared UDP socket and launches the broadcast, listen,
// and cleanup goroutines.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("discovery: listen udp: %w", err)
	}
	s.conn = conn

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.listenLoop()
	go s.cleanupLoop()

	logger.Printf("started on UDP port %d", s.cfg.DiscoveryPort)
	return nil
}

// Stop closes the socket and waits for the three loops to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	logger.Printf("stopped")
}

// Peers returns a snapshot of the current peer table.
func (s *Service) Peers() []Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Service) broadcastOnce() {
	beacon := Beacon{
		AppID:        s.appID,
		DeviceID:     s.publicID,
		DeviceName:   s.alias,
		APIPort:      s.apiPort,
		TransferPort: s.transferPortSnapshot(),
		Platform:     s.platform,
		Alias:        s.alias,
		PublicID:     s.publicID,
	}
	fields := trust.CanonicalBeaconFields{
		AppID: beacon.AppID, PublicID: beacon.PublicID, Alias: beacon.Alias,
		APIPort: beacon.APIPort, TransferPort: beacon.TransferPort,
	}
	beacon.AuthTag = fmt.Sprintf("%x", s.identity.Sign(trust.CanonicalBytes(fields)))

	data, err := json.Marshal(beacon)
	if err != nil {
		logger.Printf("marshal beacon failed: %v", err)
		return
	}

	for _, addr := range s.broadcastAddrs() {
		if _, err := s.conn.WriteToUDP(data, addr); err != nil {
			// Per-address send failures are silently ignored; a single
			// unreachable interface shouldn't stop the others.
			continue
		}
	}
}

// broadcastAddrs collects 255.255.255.255 (which also serves as the
// platform <broadcast> address) and the directed broadcast of every
// local IPv4 interface outside 127.0.0.0/8.
func (s *Service) broadcastAddrs() []*net.UDPAddr {
	seen := make(map[string]struct{})
	addrs := []*net.UDPAddr{
		{IP: net.IPv4bcast, Port: s.cfg.DiscoveryPort},
	}
	seen[net.IPv4bcast.String()] = struct{}{}

	ifaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, ifi := range ifaces {
		ifAddrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			bcast := directedBroadcast(ip4, ipNet.Mask)
			if bcast == nil {
				continue
			}
			if _, dup := seen[bcast.String()]; dup {
				continue
			}
			seen[bcast.String()] = struct{}{}
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: s.cfg.DiscoveryPort})
		}
	}
	return addrs
}

func directedBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

func (s *Service) listenLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				logger.Printf("read error: %v", err)
				continue
			}
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *Service) handlePacket(data []byte, addr *net.UDPAddr) {
	var beacon Beacon
	if err := json.Unmarshal(data, &beacon); err != nil {
		logger.Printf("dropping unparseable packet from %s: %v", addr, err)
		return
	}
	if beacon.AppID != s.appID {
		return
	}
	if beacon.DeviceID == s.publicID || beacon.PublicID == s.publicID {
		return
	}

	fields := trust.CanonicalBeaconFields{
		AppID: beacon.AppID, PublicID: beacon.PublicID, Alias: beacon.Alias,
		APIPort: beacon.APIPort, TransferPort: beacon.TransferPort,
	}

	var deviceID, deviceName string
	isTrusted := false
	if s.trust != nil {
		if tp, ok := s.trust.VerifyAuthTag(fields, beacon.AuthTag); ok {
			deviceID, deviceName, isTrusted = tp.DeviceID, tp.RealName, true
		}
	}
	if !isTrusted {
		deviceID = firstNonEmpty(beacon.PublicID, beacon.DeviceID)
		deviceName = firstNonEmpty(beacon.Alias, beacon.DeviceName)
	}

	peer := Peer{
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		IP:           addr.IP.String(),
		APIPort:      beacon.APIPort,
		TransferPort: beacon.TransferPort,
		Platform:     beacon.Platform,
		LastSeen:     time.Now(),
		IsTrusted:    isTrusted,
	}
	s.upsertPeer(peer)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (s *Service) upsertPeer(p Peer) {
	s.peersMu.Lock()
	_, existed := s.peers[p.DeviceID]
	s.peers[p.DeviceID] = p
	s.peersMu.Unlock()

	if !existed {
		logger.Printf("discovered peer %s (%s)", p.DeviceName, p.IP)
		if s.bus != nil {
			s.bus.Emit(events.PeerDiscovered, p)
		}
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PeerTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Service) evictStale() {
	now := time.Now()
	var lost []Peer

	s.peersMu.Lock()
	for id, p := range s.peers {
		if now.Sub(p.LastSeen) > s.cfg.PeerTimeout {
			lost = append(lost, p)
			delete(s.peers, id)
		}
	}
	s.peersMu.Unlock()

	for _, p := range lost {
		logger.Printf("peer lost %s (%s)", p.DeviceName, p.IP)
		if s.bus != nil {
			s.bus.Emit(events.PeerLost, p)
		}
	}
}
