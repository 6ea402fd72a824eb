/* SPDX-License-Identifier: MIT */

package device

// Identity is the set of fields a peer advertises about itself in its
// identity packet, and that this host advertises about itself.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	TCPPort              int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Command is a single remote-command catalog entry: a human-readable
// name bound to a shell command line.
type Command struct {
	Name    string
	Command string
}

// identityFromPacket extracts an Identity from a decoded identity
// packet's body. Missing numeric fields decode as zero.
func identityFromPacket(p *Packet) Identity {
	id := Identity{
		DeviceID:   p.GetString("deviceId"),
		DeviceName: p.GetString("deviceName"),
		DeviceType: p.GetString("deviceType"),
	}

	if v, ok := p.Get("protocolVersion").(float64); ok {
		id.ProtocolVersion = int(v)
	}
	if v, ok := p.Get("tcpPort").(float64); ok {
		id.TCPPort = int(v)
	}
	id.IncomingCapabilities = stringSlice(p.Get("incomingCapabilities"))
	id.OutgoingCapabilities = stringSlice(p.Get("outgoingCapabilities"))

	return id
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SupportsShare reports whether a peer's advertised incoming
// capabilities include receiving a share request.
func (id Identity) SupportsShare() bool {
	for _, cap := range id.IncomingCapabilities {
		if cap == PacketShareRequest {
			return true
		}
	}
	return false
}
