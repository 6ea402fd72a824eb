package discovery

import (
	"net"
	"testing"

	"kdeconnectd/device"
	"kdeconnectd/trust"
)

type fakeTrust struct{}

func (fakeTrust) IsTrusted(string) bool                                   { return false }
func (fakeTrust) Get(string) (trust.TrustedDevice, bool)                  { return trust.TrustedDevice{}, false }
func (fakeTrust) ListTrusted() ([]trust.TrustedDevice, error)             { return nil, nil }
func (fakeTrust) Pair(string, string, string, string) error               { return nil }
func (fakeTrust) Unpair(string) error                                     { return nil }
func (fakeTrust) UpdateDevice(string, string, string) error               { return nil }
func (fakeTrust) PersistNotification(string, string, string, string, string) error { return nil }
func (fakeTrust) CancelNotification(string, string) error                 { return nil }
func (fakeTrust) DismissNotification(string, string) error                { return nil }
func (fakeTrust) ListNotifications(string) ([]trust.Notification, error)  { return nil, nil }
func (fakeTrust) AddCommand(string, string, string, string) error         { return nil }
func (fakeTrust) UpdateCommand(string, string, string, string) error      { return nil }
func (fakeTrust) RemoveCommand(string, string) error                      { return nil }
func (fakeTrust) GetCommand(string, string) (trust.Command, bool)         { return trust.Command{}, false }
func (fakeTrust) ListCommands(string) ([]trust.Command, error)            { return nil, nil }
func (fakeTrust) GetPath(string) (string, bool)                           { return "", false }
func (fakeTrust) SetPath(string, string) error                            { return nil }

func newTestDevice(t *testing.T, id string) *device.Device {
	t.Helper()
	cfg := device.Config{Name: "test-host", ServicePort: 1764}
	creds := &device.Credentials{DeviceID: id}
	return device.NewDevice(cfg, creds, fakeTrust{}, device.NewLogger(device.LogLevelSilent, ""))
}

func newTestService(t *testing.T, id string) (*Service, []net.UDPAddr) {
	t.Helper()
	d := newTestDevice(t, id)
	s, err := newService(d, 0, 0)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	var sent []net.UDPAddr
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		sent = append(sent, *addr)
		return len(b), nil
	}
	t.Cleanup(func() { s.Close() })
	return s, sent
}

// Seed scenario 1: discovery handshake — a valid beacon from a peer
// must provoke a directed reverse-announce back to the sender.
func TestIngestSendsDirectedReverseAnnounce(t *testing.T) {
	s, _ := newTestService(t, "A")
	var captured []net.UDPAddr
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		captured = append(captured, *addr)
		return len(b), nil
	}

	p := device.NewIdentityPacket("B", "peer", 1764, device.ProtocolVersion)
	raw, _ := p.Encode()

	s.ingest(raw[:len(raw)-1], &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: Port})

	if len(captured) != 1 {
		t.Fatalf("expected exactly one reverse announce, got %d", len(captured))
	}
	if !captured[0].IP.Equal(net.ParseIP("10.0.0.2")) {
		t.Fatalf("reverse announce sent to %s, want 10.0.0.2", captured[0].IP)
	}
}

// Seed scenario 6: a stale protocol version must not provoke a reply.
func TestIngestRefusesStaleProtocolVersion(t *testing.T) {
	s, _ := newTestService(t, "A")
	var captured []net.UDPAddr
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		captured = append(captured, *addr)
		return len(b), nil
	}

	p := device.NewIdentityPacket("B", "peer", 1764, 5)
	raw, _ := p.Encode()

	s.ingest(raw[:len(raw)-1], &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: Port})

	if len(captured) != 0 {
		t.Fatalf("expected no reply for a stale protocol version, got %d", len(captured))
	}
}

func TestIngestDiscardsOwnBeacon(t *testing.T) {
	s, _ := newTestService(t, "A")
	var captured int
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		captured++
		return len(b), nil
	}

	p := device.NewIdentityPacket("A", "self", 1764, device.ProtocolVersion)
	raw, _ := p.Encode()
	s.ingest(raw[:len(raw)-1], &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: Port})

	if captured != 0 {
		t.Fatal("expected our own beacon to be discarded silently")
	}
}

func TestIngestDiscardsOutOfRangeTCPPort(t *testing.T) {
	s, _ := newTestService(t, "A")
	var captured int
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		captured++
		return len(b), nil
	}

	// A distinct device id per beacon, so the dedup window cannot be
	// what discards the second one.
	for id, port := range map[string]int{"B": 1715, "C": 1765} {
		p := device.NewIdentityPacket(id, "peer", port, device.ProtocolVersion)
		raw, _ := p.Encode()
		s.ingest(raw[:len(raw)-1], &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: Port})
	}

	if captured != 0 {
		t.Fatalf("expected out-of-range tcpPort identities to be discarded, got %d replies", captured)
	}
}

func TestIngestDedupWindow(t *testing.T) {
	s, _ := newTestService(t, "A")
	var captured int
	s.sendUDP = func(b []byte, addr *net.UDPAddr) (int, error) {
		captured++
		return len(b), nil
	}

	p := device.NewIdentityPacket("B", "peer", 1764, device.ProtocolVersion)
	raw, _ := p.Encode()
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: Port}

	s.ingest(raw[:len(raw)-1], addr)
	s.ingest(raw[:len(raw)-1], addr)

	if captured != 1 {
		t.Fatalf("expected the second packet within the dedup window to be discarded, got %d replies", captured)
	}
}
