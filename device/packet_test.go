/* SPDX-License-Identifier: MIT */

package device

import "testing"

func TestIdentityPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := NewIdentityPacket("abc123", "my-phone", 1764, ProtocolVersion)
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw[len(raw)-1] != '\n' {
		t.Fatal("expected Encode to terminate the packet with a newline")
	}

	decoded, err := DecodePacket(raw[:len(raw)-1])
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if decoded.Type != PacketIdentity {
		t.Fatalf("Type = %q, want %q", decoded.Type, PacketIdentity)
	}
	if decoded.GetString("deviceId") != "abc123" {
		t.Fatalf("deviceId = %q, want abc123", decoded.GetString("deviceId"))
	}
	if !decoded.Has("incomingCapabilities") {
		t.Fatal("expected incomingCapabilities to be present")
	}
}

func TestNotificationPacketPayloadPlacement(t *testing.T) {
	payload := &NotificationPayload{Digest: "deadbeef", Size: 42, Port: 1763}
	p := NewNotificationPacket("hello", "title", "app", "ref1", payload)

	if p.PayloadSize != 42 {
		t.Fatalf("PayloadSize = %d, want 42 (must live at envelope level, not inside body)", p.PayloadSize)
	}
	if p.PayloadTransferInfo == nil || p.PayloadTransferInfo.Port != 1763 {
		t.Fatalf("PayloadTransferInfo = %+v, want port 1763", p.PayloadTransferInfo)
	}
	if p.GetString("payloadHash") != "deadbeef" {
		t.Fatalf("body.payloadHash = %q, want deadbeef", p.GetString("payloadHash"))
	}
	if p.Has("payloadSize") || p.Has("payloadTransferInfo") {
		t.Fatal("payloadSize/payloadTransferInfo must not leak into body")
	}
}

func TestDecodePacketRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodePacket([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding malformed JSON")
	}
}

func TestCommandsPacketRoundTrip(t *testing.T) {
	commands := map[string]Command{
		"k1": {Name: "List", Command: "ls -la"},
	}
	p := NewCommandsPacket(commands)

	raw := p.GetString("commandList")
	if raw == "" {
		t.Fatal("expected commandList to be a non-empty encoded string")
	}

	decoded, err := DecodePacket(mustEncode(t, p))
	if err != nil {
		t.Fatalf("round-tripping through the wire: %v", err)
	}
	if decoded.GetString("commandList") != raw {
		t.Fatal("commandList did not survive a wire round trip")
	}
}

func mustEncode(t *testing.T, p *Packet) []byte {
	t.Helper()
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw[:len(raw)-1]
}
