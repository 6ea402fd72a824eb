/* SPDX-License-Identifier: MIT */

package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol version this implementation advertises. A peer advertising
// a version strictly less than ProtocolVersion-1 is refused.
const ProtocolVersion = 8

// DeviceType is the fixed device-type tag this implementation emits.
const DeviceType = "desktop"

// MaxIdentityLineSize bounds the first, pre-TLS line on a freshly
// accepted connection. A longer line is treated as hostile.
const MaxIdentityLineSize = 8192

// Wire-normative packet type strings. Renaming any of these breaks
// compatibility with real KDE Connect peers.
const (
	PacketIdentity            = "kdeconnect.identity"
	PacketPair                = "kdeconnect.pair"
	PacketPing                = "kdeconnect.ping"
	PacketFindMyPhoneRequest  = "kdeconnect.findmyphone.request"
	PacketNotification        = "kdeconnect.notification"
	PacketNotificationRequest = "kdeconnect.notification.request"
	PacketRunCommand          = "kdeconnect.runcommand"
	PacketRunCommandRequest   = "kdeconnect.runcommand.request"
	PacketShareRequest        = "kdeconnect.share.request"
)

// PayloadTransferInfo carries the out-of-band port a payload (icon or
// file) can be fetched from. It is wire-normative: it lives outside
// body, as a sibling of id/type/body.
type PayloadTransferInfo struct {
	Port int `json:"port"`
}

// Packet is the envelope of every message exchanged once a connection
// is established: {id, type, body, payloadSize?, payloadTransferInfo?}.
type Packet struct {
	ID                  int64                  `json:"id"`
	Type                string                 `json:"type"`
	Body                map[string]interface{} `json:"body"`
	PayloadSize         int64                  `json:"payloadSize,omitempty"`
	PayloadTransferInfo *PayloadTransferInfo   `json:"payloadTransferInfo,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func newPacket(kind string) *Packet {
	return &Packet{
		ID:   nowMillis(),
		Type: kind,
		Body: make(map[string]interface{}),
	}
}

// Get returns body[key], or nil if it is absent.
func (p *Packet) Get(key string) interface{} {
	if p.Body == nil {
		return nil
	}
	return p.Body[key]
}

// GetString returns body[key] as a string, or "" if absent/wrong type.
func (p *Packet) GetString(key string) string {
	v, _ := p.Get(key).(string)
	return v
}

// GetBool returns body[key] as a bool, or false if absent/wrong type.
func (p *Packet) GetBool(key string) bool {
	v, _ := p.Get(key).(bool)
	return v
}

// Has reports whether body contains key.
func (p *Packet) Has(key string) bool {
	if p.Body == nil {
		return false
	}
	_, ok := p.Body[key]
	return ok
}

// Encode serialises the packet as a single newline-terminated JSON
// line, ready to be written to a line-delimited transport.
func (p *Packet) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// DecodePacket parses one JSON line (without its trailing newline)
// into a Packet.
func DecodePacket(line []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("unserialization error: %w", err)
	}
	if p.Body == nil {
		p.Body = make(map[string]interface{})
	}
	return &p, nil
}

// NewIdentityPacket builds the identity beacon/handshake packet
// advertising this host's id, name, device type and service port.
func NewIdentityPacket(id, name string, servicePort int, protocolVersion int) *Packet {
	if protocolVersion == 0 {
		protocolVersion = ProtocolVersion
	}
	p := newPacket(PacketIdentity)
	p.Body["deviceId"] = id
	p.Body["deviceName"] = name
	p.Body["deviceType"] = DeviceType
	p.Body["protocolVersion"] = protocolVersion
	p.Body["tcpPort"] = servicePort
	p.Body["incomingCapabilities"] = IncomingCapabilities()
	p.Body["outgoingCapabilities"] = OutgoingCapabilities()
	return p
}

// NewPairPacket builds a pair/unpair request or response.
func NewPairPacket(pair bool) *Packet {
	p := newPacket(PacketPair)
	p.Body["pair"] = pair
	p.Body["timestamp"] = time.Now().Unix()
	return p
}

// NewPingPacket builds a ping, optionally carrying a propagated message.
func NewPingPacket(message string) *Packet {
	p := newPacket(PacketPing)
	if message != "" {
		p.Body["message"] = message
	}
	return p
}

// NewRingPacket builds a find-my-phone request.
func NewRingPacket() *Packet {
	return newPacket(PacketFindMyPhoneRequest)
}

// NotificationPayload describes an outgoing payload (e.g. a
// normalised icon) offered alongside a notification.
type NotificationPayload struct {
	Digest string
	Size   int64
	Port   int
}

// NewNotificationPacket builds an outgoing notification. reference
// becomes the notification's "id" inside body. payload, if non-nil,
// is placed per the wire-normative layout: payloadHash in body,
// payloadSize/payloadTransferInfo at the envelope level.
func NewNotificationPacket(text, title, application, reference string, payload *NotificationPayload) *Packet {
	p := newPacket(PacketNotification)
	p.Body["id"] = reference
	p.Body["appName"] = application
	p.Body["title"] = title
	p.Body["text"] = text
	p.Body["isClearable"] = true
	p.Body["ticker"] = title + ": " + text

	if payload != nil {
		p.Body["payloadHash"] = payload.Digest
		p.PayloadSize = payload.Size
		p.PayloadTransferInfo = &PayloadTransferInfo{Port: payload.Port}
	}

	return p
}

// NewCancelPacket builds a notification cancel: a notification packet
// carrying isCancel=true and the reference as its id.
func NewCancelPacket(reference string) *Packet {
	p := newPacket(PacketNotification)
	p.Body["id"] = reference
	p.Body["isCancel"] = true
	return p
}

// NewNotificationRequestPacket builds a request for notification
// replay (request=true) or a dismissal (cancel=<reference>).
func NewNotificationRequestPacket(request bool, cancel string) *Packet {
	p := newPacket(PacketNotificationRequest)
	if request {
		p.Body["request"] = true
	}
	if cancel != "" {
		p.Body["cancel"] = cancel
	}
	return p
}

// NewCommandsPacket serialises a peer's command catalog as a
// kdeconnect.runcommand packet.
func NewCommandsPacket(commands map[string]Command) *Packet {
	encoded := make(map[string]map[string]string, len(commands))
	for key, cmd := range commands {
		encoded[key] = map[string]string{"name": cmd.Name, "command": cmd.Command}
	}
	raw, _ := json.Marshal(encoded)

	p := newPacket(PacketRunCommand)
	p.Body["canAddCommand"] = false
	p.Body["commandList"] = string(raw)
	return p
}

// NewRunCommandRequestPacket requests the peer run a catalog entry by key.
func NewRunCommandRequestPacket(key string) *Packet {
	p := newPacket(PacketRunCommandRequest)
	p.Body["key"] = key
	return p
}

// NewRequestCommandListPacket asks the peer to send its command catalog.
func NewRequestCommandListPacket() *Packet {
	p := newPacket(PacketRunCommandRequest)
	p.Body["requestCommandList"] = true
	return p
}

// IncomingCapabilities is the set of message types this
// implementation is willing to receive.
func IncomingCapabilities() []string {
	return []string{
		PacketPing,
		PacketNotificationRequest,
		PacketRunCommandRequest,
		PacketRunCommand,
		PacketShareRequest,
	}
}

// OutgoingCapabilities is the set of message types this
// implementation may send.
func OutgoingCapabilities() []string {
	return []string{
		PacketFindMyPhoneRequest,
		PacketNotification,
		PacketPing,
		PacketRunCommand,
	}
}
