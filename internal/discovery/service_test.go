package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"transferbooth/internal/config"
	"transferbooth/internal/trust"
)

type fakeIdentity struct{}

func (fakeIdentity) PublicBytes() []byte     { return []byte("pub") }
func (fakeIdentity) Sign(data []byte) []byte { return []byte("sig") }

type fakeVerifier struct {
	peer Peer
	ok   bool
}

func (f fakeVerifier) VerifyAuthTag(trust.CanonicalBeaconFields, string) (trust.Peer, bool) {
	if !f.ok {
		return trust.Peer{}, false
	}
	return trust.Peer{DeviceID: f.peer.DeviceID, RealName: f.peer.DeviceName}, true
}

func newTestService(trustStore trust.Verifier) *Service {
	return New(config.DefaultConfig(), "transfer-booth-v1", "linux", 8080, "self-id", "self-alias", fakeIdentity{}, trustStore, nil)
}

func TestHandlePacketIgnoresSelf(t *testing.T) {
	s := newTestService(nil)
	beacon := Beacon{AppID: s.appID, PublicID: "self-id", Alias: "self-alias"}
	data, _ := marshalBeacon(beacon)
	s.handlePacket(data, &net.UDPAddr{IP: net.ParseIP("10.0.0.5")})

	if len(s.Peers()) != 0 {
		t.Fatalf("expected self beacon to be ignored, got %d peers", len(s.Peers()))
	}
}

func TestHandlePacketUpsertsUntrustedPeer(t *testing.T) {
	s := newTestService(nil)
	beacon := Beacon{AppID: s.appID, PublicID: "peer-1", Alias: "peer-alias", APIPort: 9, TransferPort: 10}
	data, _ := marshalBeacon(beacon)
	s.handlePacket(data, &net.UDPAddr{IP: net.ParseIP("10.0.0.5")})

	peers := s.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].DeviceID != "peer-1" || peers[0].IsTrusted {
		t.Fatalf("unexpected peer: %+v", peers[0])
	}
}

func TestHandlePacketResolvesTrustedIdentity(t *testing.T) {
	verifier := fakeVerifier{ok: true, peer: Peer{DeviceID: "stable-device", DeviceName: "Ada's Laptop"}}
	s := newTestService(verifier)
	beacon := Beacon{AppID: s.appID, PublicID: "ephemeral-1", Alias: "random-fox"}
	data, _ := marshalBeacon(beacon)
	s.handlePacket(data, &net.UDPAddr{IP: net.ParseIP("10.0.0.6")})

	peers := s.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if !peers[0].IsTrusted || peers[0].DeviceID != "stable-device" || peers[0].DeviceName != "Ada's Laptop" {
		t.Fatalf("expected resolved trusted identity, got %+v", peers[0])
	}
}

func TestHandlePacketWrongAppIDIgnored(t *testing.T) {
	s := newTestService(nil)
	beacon := Beacon{AppID: "some-other-app", PublicID: "peer-2"}
	data, _ := marshalBeacon(beacon)
	s.handlePacket(data, &net.UDPAddr{IP: net.ParseIP("10.0.0.7")})

	if len(s.Peers()) != 0 {
		t.Fatalf("expected foreign app beacon to be ignored, got %d peers", len(s.Peers()))
	}
}

func TestEvictStaleRemovesTimedOutPeers(t *testing.T) {
	s := newTestService(nil)
	s.upsertPeer(Peer{DeviceID: "stale", LastSeen: time.Now().Add(-1 * time.Hour)})
	s.upsertPeer(Peer{DeviceID: "fresh", LastSeen: time.Now()})

	s.evictStale()

	peers := s.Peers()
	if len(peers) != 1 || peers[0].DeviceID != "fresh" {
		t.Fatalf("expected only fresh peer to remain, got %+v", peers)
	}
}

func TestDirectedBroadcast(t *testing.T) {
	ip := net.ParseIP("192.168.1.42").To4()
	mask := net.CIDRMask(24, 32)
	got := directedBroadcast(ip, mask)
	if got.String() != "192.168.1.255" {
		t.Fatalf("expected 192.168.1.255, got %s", got)
	}
}

func marshalBeacon(b Beacon) ([]byte, error) {
	return json.Marshal(b)
}
