/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2019 WireGuard LLC. All Rights Reserved.
 *
 * Device is the top-level object wiring together this host's
 * identity, trust store, and live sessions, replacing the teacher's
 * original Device (which wired a Noise handshake state machine, an
 * allowed-IPs trie, and a TUN device) with the equivalent for this
 * domain.
 */

package device

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"

	"kdeconnectd/trust"
)

// TrustStore is the narrow persistence contract PeerSession and the
// admin API depend on. *trust.Store satisfies it; tests may supply a
// fake.
type TrustStore interface {
	IsTrusted(deviceID string) bool
	Get(deviceID string) (trust.TrustedDevice, bool)
	ListTrusted() ([]trust.TrustedDevice, error)
	Pair(deviceID, certPEM, name, deviceType string) error
	Unpair(deviceID string) error
	UpdateDevice(deviceID, name, deviceType string) error
	PersistNotification(deviceID, text, title, application, reference string) error
	CancelNotification(deviceID, reference string) error
	DismissNotification(deviceID, reference string) error
	ListNotifications(deviceID string) ([]trust.Notification, error)
	AddCommand(deviceID, key, name, command string) error
	UpdateCommand(deviceID, key, name, command string) error
	RemoveCommand(deviceID, key string) error
	GetCommand(deviceID, key string) (trust.Command, bool)
	ListCommands(deviceID string) ([]trust.Command, error)
	GetPath(deviceID string) (string, bool)
	SetPath(deviceID, path string) error
}

// ShareReceiver accepts an incoming share.request's payload. The
// transfer package implements this; device only depends on the
// narrow contract it needs.
type ShareReceiver interface {
	Receive(peerAddr string, port int, destDir, filename string, size int64)
}

// Device is this host: its stable identity, its trust store, its
// live session registry, and the collaborators a session needs to
// serve a share.request.
type Device struct {
	Config      Config
	Credentials *Credentials
	Trust       TrustStore
	Registry    *Registry
	Logger      Logger

	// ShareReceiver handles incoming share.request payloads. Nil
	// disables share receiving (no transfer service wired up).
	ShareReceiver ShareReceiver
}

// NewDevice wires a Device from its already-loaded collaborators.
func NewDevice(cfg Config, creds *Credentials, store TrustStore, logger Logger) *Device {
	return &Device{
		Config:      cfg,
		Credentials: creds,
		Trust:       store,
		Registry:    NewRegistry(),
		Logger:      logger,
	}
}

func (d *Device) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{d.Credentials.TLSCert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// Accept serves one already-accepted TCP connection to our service
// port: the peer dialed us, so we play the TLS client role.
func (d *Device) Accept(conn net.Conn) {
	ServeAccepted(d, conn)
}

// Connect dials a peer that announced itself via discovery, sending
// our identity in cleartext and then upgrading as the TLS server
// (the protocol's other role: whichever side initiates the TCP
// connection plays TLS server).
func (d *Device) Connect(addr string) (*PeerSession, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	s := newPeerSession(d, conn)

	identity := NewIdentityPacket(d.Credentials.DeviceID, d.Config.Name, d.Config.ServicePort, ProtocolVersion)
	raw, err := identity.Encode()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending identity: %w", err)
	}

	tlsConn := tls.Server(conn, d.tlsConfig())
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, 64*1024)

	s.enterPostTLS()
	go s.run()

	return s, nil
}
