/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2020 WireGuard LLC. All Rights Reserved.
 *
 * PeerSession (C5) is the per-connection state machine: identity,
 * TLS upgrade, pairing arbitration, and packet dispatch. Grounded on
 * the shape of the teacher's device/peer.go (a struct of mutex-
 * guarded state reached from one read loop per connection) and the
 * transition table of original_source/konnect/protocols.py's
 * Konnect(LineReceiver).
 */

package device

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Phase is the connection-lifecycle half of a session's state.
type Phase int

const (
	AwaitingIdentity Phase = iota
	AwaitingPair
	Active
)

// PairStatus is the pairing sub-state, independent of Phase.
type PairStatus int

const (
	NotPaired PairStatus = iota
	Requested
	Paired
)

func (s PairStatus) String() string {
	switch s {
	case Requested:
		return "Requested"
	case Paired:
		return "Paired"
	default:
		return "NotPaired"
	}
}

const pairTimeout = 30 * time.Second
const notificationReplayStagger = 100 * time.Millisecond

// PeerSession tracks one connected peer for the lifetime of its
// socket. It is never persisted; everything durable lives in the
// trust store.
type PeerSession struct {
	device *Device
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex // serialises writes, giving FIFO ordering across dispatch + admin-triggered sends

	RemoteAddr string
	DeviceID   string
	DeviceName string
	DeviceType string

	stateMu         sync.Mutex
	phase           Phase
	pairStatus      PairStatus
	protocolVersion int
	peerCommands    map[string]Command

	pairTimer *Timer
	closed    AtomicBool
}

func newPeerSession(d *Device, conn net.Conn) *PeerSession {
	return &PeerSession{
		device:     d,
		conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		phase:      AwaitingIdentity,
		pairStatus: NotPaired,
		pairTimer:  NewTimer(),
	}
}

// ServeAccepted runs a session for a TCP connection accepted on our
// service port: the peer dials us, sends identity in cleartext, and
// we upgrade the socket to TLS playing the client role (protocol-
// level role inversion: the accepting side is the TLS client).
func ServeAccepted(d *Device, conn net.Conn) {
	s := newPeerSession(d, conn)
	defer s.teardown()

	if err := tcpKeepAlive(conn); err != nil {
		d.Logger.Debugf("keepalive: %v", err)
	}

	line, err := readBoundedLine(conn, MaxIdentityLineSize)
	if err != nil {
		d.Logger.Errorf("session %s: reading identity: %v", s.RemoteAddr, err)
		return
	}

	p, err := DecodePacket(line)
	if err != nil || p.Type != PacketIdentity {
		d.Logger.Errorf("session %s: first packet is not identity", s.RemoteAddr)
		return
	}

	id := identityFromPacket(p)
	if id.ProtocolVersion < ProtocolVersion-1 {
		d.Logger.Infof("session %s: refusing protocol version %d", s.RemoteAddr, id.ProtocolVersion)
		return
	}

	s.DeviceID = id.DeviceID
	s.DeviceName = id.DeviceName
	s.DeviceType = id.DeviceType
	s.protocolVersion = id.ProtocolVersion

	tlsConn := tls.Client(conn, d.tlsConfig())
	if err := tlsConn.Handshake(); err != nil {
		d.Logger.Errorf("session %s: tls handshake: %v", s.RemoteAddr, err)
		return
	}
	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, 64*1024)

	s.enterPostTLS()
	s.run()
}

func tcpKeepAlive(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	return tc.SetKeepAlivePeriod(30 * time.Second)
}

func readBoundedLine(conn net.Conn, max int) ([]byte, error) {
	buf := make([]byte, 0, 512)
	one := make([]byte, 1)
	for {
		if len(buf) > max {
			return nil, fmt.Errorf("pre-TLS line exceeds %d bytes", max)
		}
		n, err := conn.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				return buf, nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *PeerSession) enterPostTLS() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.device.Trust.IsTrusted(s.DeviceID) {
		s.phase = Active
		s.pairStatus = Paired
	} else {
		s.phase = AwaitingPair
	}
}

func (s *PeerSession) run() {
	displaced := s.device.Registry.Put(s)
	if displaced != nil {
		displaced.Close()
	}
	defer s.device.Registry.Remove(s)

	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\n")
			if trimmed != "" {
				if err := s.handleLine([]byte(trimmed)); err != nil {
					s.device.Logger.Errorf("session %s (%s): %v", s.DeviceID, s.RemoteAddr, err)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *PeerSession) teardown() {
	s.pairTimer.Del()
	if !s.closed.Swap(true) {
		s.conn.Close()
	}
}

// Close forcibly disconnects the session; used when a fresher
// connection from the same device id supersedes this one.
func (s *PeerSession) Close() {
	if !s.closed.Swap(true) {
		s.conn.Close()
	}
}

func (s *PeerSession) peerCertCN() (string, bool) {
	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}

func (s *PeerSession) handleLine(line []byte) error {
	p, err := DecodePacket(line)
	if err != nil {
		return fmt.Errorf("unserialization error: %w", err)
	}

	if cn, ok := s.peerCertCN(); ok && cn != s.DeviceID {
		return fmt.Errorf("certificate CN %q does not match device id %q", cn, s.DeviceID)
	}

	s.stateMu.Lock()
	trusted := s.pairStatus == Paired
	s.stateMu.Unlock()

	switch p.Type {
	case PacketIdentity:
		s.handleIdentity(p)
		return nil
	case PacketPair:
		s.handlePair(p)
		return nil
	}

	if !trusted {
		s.sendPairReject()
		s.stateMu.Lock()
		s.pairStatus = NotPaired
		s.stateMu.Unlock()
		return nil
	}

	switch p.Type {
	case PacketPing:
		s.handlePing(p)
	case PacketNotificationRequest:
		s.handleNotificationRequest(p)
	case PacketFindMyPhoneRequest:
		// no-op on receive; emitted only outbound via the admin API.
	case PacketRunCommand:
		s.handleRunCommandCatalog(p)
	case PacketRunCommandRequest:
		s.handleRunCommandRequest(p)
	case PacketShareRequest:
		s.handleShareRequest(p)
	default:
		s.device.Logger.Debugf("session %s: dropping unknown packet type %q", s.DeviceID, p.Type)
	}
	return nil
}

func (s *PeerSession) handleIdentity(p *Packet) {
	id := identityFromPacket(p)
	reply := NewIdentityPacket(s.device.Credentials.DeviceID, s.device.Config.Name, s.device.Config.ServicePort, id.ProtocolVersion)
	s.write(reply)
}

func (s *PeerSession) handlePair(p *Packet) {
	pair := p.GetBool("pair")

	s.stateMu.Lock()
	status := s.pairStatus
	s.stateMu.Unlock()

	if !pair {
		s.device.Trust.Unpair(s.DeviceID)
		s.stateMu.Lock()
		wasRequested := s.pairStatus == Requested
		s.pairStatus = NotPaired
		s.phase = AwaitingPair
		s.stateMu.Unlock()
		s.pairTimer.Del()
		if wasRequested {
			s.device.Logger.Infof("pairing with %s canceled by other peer", s.DeviceID)
		}
		return
	}

	if status == Requested {
		s.completePairing()
		return
	}

	if status == Paired || s.device.Trust.IsTrusted(s.DeviceID) {
		s.device.Trust.UpdateDevice(s.DeviceID, s.DeviceName, s.DeviceType)
		s.stateMu.Lock()
		s.pairStatus = Paired
		s.phase = Active
		s.stateMu.Unlock()
		s.write(NewPairPacket(true))
		return
	}

	s.sendPairReject()
}

func (s *PeerSession) completePairing() {
	certPEM := ""
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			certPEM = CertificatePEM(state.PeerCertificates[0])
		}
	}

	if s.device.Trust.IsTrusted(s.DeviceID) {
		s.device.Trust.UpdateDevice(s.DeviceID, s.DeviceName, s.DeviceType)
	} else {
		s.device.Trust.Pair(s.DeviceID, certPEM, s.DeviceName, s.DeviceType)
	}

	s.stateMu.Lock()
	s.pairStatus = Paired
	s.phase = Active
	s.stateMu.Unlock()
	s.pairTimer.Del()
}

func (s *PeerSession) sendPairReject() {
	s.write(NewPairPacket(false))
}

// RequestPairing initiates pairing from our side: sends pair=true,
// moves to Requested, and arms the 30s timeout. A second call while
// already Requested is a no-op: the first timer still governs.
func (s *PeerSession) RequestPairing() error {
	s.stateMu.Lock()
	if s.pairStatus == Requested {
		s.stateMu.Unlock()
		return nil
	}
	s.pairStatus = Requested
	s.stateMu.Unlock()

	s.write(NewPairPacket(true))
	s.pairTimer.Mod(pairTimeout, s.onPairTimeout)
	return nil
}

func (s *PeerSession) onPairTimeout() {
	s.stateMu.Lock()
	if s.pairStatus != Requested {
		s.stateMu.Unlock()
		return
	}
	s.pairStatus = NotPaired
	s.stateMu.Unlock()

	s.device.Trust.Unpair(s.DeviceID)
	s.write(NewPairPacket(false))
}

// Unpair tears down a previously established trust: notify the peer
// and remove its trust-store row.
func (s *PeerSession) Unpair() {
	s.stateMu.Lock()
	s.pairStatus = NotPaired
	s.phase = AwaitingPair
	s.stateMu.Unlock()
	s.device.Trust.Unpair(s.DeviceID)
	s.write(NewPairPacket(false))
}

func (s *PeerSession) handlePing(p *Packet) {
	s.write(NewPingPacket(p.GetString("message")))
}

// SendPing emits a ping, optionally carrying a message, for the
// admin API's POST /ping/{dev}.
func (s *PeerSession) SendPing(message string) {
	s.write(NewPingPacket(message))
}

// SendRing emits a find-my-phone request for POST /ring/{dev}.
func (s *PeerSession) SendRing() {
	s.write(NewRingPacket())
}

func (s *PeerSession) handleNotificationRequest(p *Packet) {
	if p.GetBool("request") {
		s.replayNotifications()
		return
	}
	if ref := p.GetString("cancel"); ref != "" {
		s.device.Trust.DismissNotification(s.DeviceID, ref)
	}
}

func (s *PeerSession) replayNotifications() {
	notifications, err := s.device.Trust.ListNotifications(s.DeviceID)
	if err != nil {
		s.device.Logger.Errorf("listing notifications for %s: %v", s.DeviceID, err)
		return
	}

	for i, n := range notifications {
		n := n
		delay := time.Duration(i) * notificationReplayStagger
		time.AfterFunc(delay, func() {
			if n.Cancel {
				s.write(NewCancelPacket(n.Reference))
				s.device.Trust.DismissNotification(s.DeviceID, n.Reference)
				return
			}
			s.write(NewNotificationPacket(n.Text, n.Title, n.Application, n.Reference, nil))
		})
	}
}

// SendNotification delivers one notification to the peer (it does not
// persist it), optionally with an attached payload (e.g. a normalised icon) served over a
// transfer listener.
func (s *PeerSession) SendNotification(text, title, application, reference string, payload *NotificationPayload) {
	s.write(NewNotificationPacket(text, title, application, reference, payload))
}

// SendNotificationCancel emits a cancel for a previously sent notification.
func (s *PeerSession) SendNotificationCancel(reference string) {
	s.write(NewCancelPacket(reference))
}

// SendCustom builds and sends an arbitrary packet, used by the
// admin API's debug-only escape hatch.
func (s *PeerSession) SendCustom(packetType string, body map[string]interface{}) {
	p := newPacket(packetType)
	for k, v := range body {
		p.Body[k] = v
	}
	s.write(p)
}

func (s *PeerSession) handleRunCommandCatalog(p *Packet) {
	raw := p.GetString("commandList")
	if raw == "" {
		return
	}
	var decoded map[string]struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		s.device.Logger.Debugf("session %s: malformed commandList: %v", s.DeviceID, err)
		return
	}

	commands := make(map[string]Command, len(decoded))
	for key, v := range decoded {
		commands[key] = Command{Name: v.Name, Command: v.Command}
	}

	s.stateMu.Lock()
	s.peerCommands = commands
	s.stateMu.Unlock()
}

func (s *PeerSession) handleRunCommandRequest(p *Packet) {
	if p.GetBool("requestCommandList") {
		s.SendCommandCatalog()
		return
	}
	key := p.GetString("key")
	if key == "" {
		return
	}

	cmd, ok := s.device.Trust.GetCommand(s.DeviceID, key)
	if !ok {
		s.device.Logger.Debugf("session %s: unknown command key %q", s.DeviceID, key)
		return
	}

	c := exec.Command("sh", "-c", cmd.Command)
	if err := c.Start(); err != nil {
		s.device.Logger.Errorf("session %s: spawning command %q: %v", s.DeviceID, key, err)
		return
	}
	go c.Wait()
}

// SendCommandCatalog serialises our command catalog for this peer
// and sends it as a kdeconnect.runcommand packet.
func (s *PeerSession) SendCommandCatalog() {
	commands, err := s.device.Trust.ListCommands(s.DeviceID)
	if err != nil {
		s.device.Logger.Errorf("listing commands for %s: %v", s.DeviceID, err)
		return
	}
	catalog := make(map[string]Command, len(commands))
	for _, c := range commands {
		catalog[c.Key] = Command{Name: c.Name, Command: c.Command}
	}
	s.write(NewCommandsPacket(catalog))
}

// RequestCommandList asks the peer to send its own command catalog.
func (s *PeerSession) RequestCommandList() {
	s.write(NewRequestCommandListPacket())
}

// RunRemoteCommand asks the peer to run one of its own catalog entries.
func (s *PeerSession) RunRemoteCommand(key string) {
	s.write(NewRunCommandRequestPacket(key))
}

func (s *PeerSession) handleShareRequest(p *Packet) {
	filename := p.GetString("filename")
	if filename == "" || p.PayloadTransferInfo == nil || p.PayloadSize <= 0 {
		return
	}

	destDir, ok := s.device.Trust.GetPath(s.DeviceID)
	if !ok {
		s.device.Logger.Infof("session %s: share.request with no destination path configured", s.DeviceID)
		return
	}

	if s.device.ShareReceiver == nil {
		return
	}

	host, _, _ := net.SplitHostPort(s.RemoteAddr)
	s.device.ShareReceiver.Receive(host, p.PayloadTransferInfo.Port, destDir, filename, p.PayloadSize)
}

func (s *PeerSession) write(p *Packet) {
	raw, err := p.Encode()
	if err != nil {
		s.device.Logger.Errorf("session %s: encoding outgoing packet: %v", s.DeviceID, err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(raw); err != nil {
		s.device.Logger.Debugf("session %s: write: %v", s.DeviceID, err)
	}
}

// Trusted reports whether this session's pairing status is Paired.
func (s *PeerSession) Trusted() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.pairStatus == Paired
}

// Status returns the pairing sub-state, for admin-API reporting.
func (s *PeerSession) Status() PairStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.pairStatus
}
