/* SPDX-License-Identifier: MIT
 *
 * Discovery (C4): the UDP identity beacon on port 1716, its inbound
 * ingest rules, and per-interface broadcast control. Grounded on
 * original_source/konnect/protocols.py's Discovery(DatagramProtocol)
 * for the ingest rules, and on the teacher's own use of
 * golang.org/x/net/ipv4 and ipv6 (device/device.go's
 * RoutineReceiveIncoming, dispatched per IP version) for driving
 * per-interface send control.
 */

package discovery

import (
	"net"

	"golang.org/x/net/ipv4"

	"kdeconnectd/device"
	"kdeconnectd/ratelimiter"
)

// Port is the fixed, wire-normative discovery port.
const Port = device.DefaultDiscoveryPort

const bufferSize = 8192

const (
	minServicePort = device.DefaultDiscoveryPort
	maxServicePort = device.DefaultServicePort
)

// Service owns the UDP discovery socket: it emits this host's
// identity beacon and ingests beacons from peers.
type Service struct {
	conn     *net.UDPConn
	device   *device.Device
	limiter  *ratelimiter.Ratelimiter
	ipv4conn *ipv4.PacketConn

	// replyPort is the UDP port directed reverse-announces and
	// broadcasts are sent to; Port in production, overridden in
	// tests so two Services in one process don't fight over 1716.
	replyPort int

	// sendUDP is the write seam tests intercept to observe outbound
	// datagrams without a second bound socket racing for the port.
	sendUDP func(b []byte, addr *net.UDPAddr) (int, error)
}

// NewService binds the discovery socket and returns a Service ready
// for Serve.
func NewService(d *device.Device) (*Service, error) {
	port := d.Config.DiscoveryPort
	if port == 0 {
		port = Port
	}
	return newService(d, port, port)
}

func newService(d *device.Device, bindPort, replyPort int) (*Service, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: bindPort})
	if err != nil {
		return nil, err
	}

	limiter := &ratelimiter.Ratelimiter{}
	limiter.Init()

	s := &Service{
		conn:      conn,
		device:    d,
		limiter:   limiter,
		ipv4conn:  ipv4.NewPacketConn(conn),
		replyPort: replyPort,
	}
	s.sendUDP = conn.WriteToUDP
	return s, nil
}

// Close releases the discovery socket and its dedup-window limiter.
func (s *Service) Close() error {
	s.limiter.Close()
	return s.conn.Close()
}

// Serve reads UDP datagrams until the socket is closed, applying the
// inbound ingest rules to each one.
func (s *Service) Serve() {
	buf := make([]byte, bufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.ingest(buf[:n], addr)
	}
}

func (s *Service) ingest(raw []byte, from *net.UDPAddr) {
	p, err := device.DecodePacket(raw)
	if err != nil {
		return
	}

	// 1. must be an identity packet.
	if p.Type != device.PacketIdentity {
		return
	}

	deviceID := p.GetString("deviceId")

	// 2. discard our own beacon.
	if deviceID == s.device.Credentials.DeviceID {
		return
	}

	// 3. per-peer 500ms dedup window.
	if !s.limiter.Allow(deviceID) {
		return
	}

	// 4. tcpPort must fall within [1716, 1764].
	tcpPort, ok := p.Get("tcpPort").(float64)
	if !ok || int(tcpPort) < minServicePort || int(tcpPort) > maxServicePort {
		return
	}

	// 5. refuse stale protocol versions, log-only.
	protocolVersion, _ := p.Get("protocolVersion").(float64)
	if int(protocolVersion) < device.ProtocolVersion-1 {
		s.device.Logger.Infof("discovery: ignoring %s, protocol version %d too old", deviceID, int(protocolVersion))
		return
	}

	// 6. directed reverse announce, echoing the peer's advertised
	// protocol version (original_source/konnect/protocols.py's
	// announceIdentity(addr, packet.get("protocolVersion"))).
	s.announceTo(from.IP, int(protocolVersion))
}

// Announce sends our identity to the broadcast address on every
// broadcast-capable interface.
func (s *Service) Announce() {
	p := device.NewIdentityPacket(s.device.Credentials.DeviceID, s.device.Config.Name, s.device.Config.ServicePort, device.ProtocolVersion)
	raw, err := p.Encode()
	if err != nil {
		s.device.Logger.Errorf("discovery: encoding identity: %v", err)
		return
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: s.replyPort}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.sendUDP(raw, broadcastAddr)
		return
	}

	sent := false
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		if err := s.ipv4conn.SetMulticastInterface(&iface); err != nil {
			continue
		}
		if _, err := s.sendUDP(raw, broadcastAddr); err == nil {
			sent = true
		}
	}

	if !sent {
		if _, err := s.sendUDP(raw, broadcastAddr); err != nil {
			s.device.Logger.Debugf("discovery: broadcast failed: %v", err)
		}
	}
}

// announceTo sends a directed reverse-announce to ip. version is the
// protocolVersion the peer advertised in its beacon; if truthy, it is
// echoed back (matching Packet.createIdentity's "version or
// PROTOCOL_VERSION" default), else our own version is sent.
func (s *Service) announceTo(ip net.IP, version int) {
	if version == 0 {
		version = device.ProtocolVersion
	}
	p := device.NewIdentityPacket(s.device.Credentials.DeviceID, s.device.Config.Name, s.device.Config.ServicePort, version)
	raw, err := p.Encode()
	if err != nil {
		s.device.Logger.Errorf("discovery: encoding identity: %v", err)
		return
	}

	if _, err := s.sendUDP(raw, &net.UDPAddr{IP: ip, Port: s.replyPort}); err != nil {
		s.device.Logger.Debugf("discovery: directed announce to %s failed: %v", ip, err)
	}
}
