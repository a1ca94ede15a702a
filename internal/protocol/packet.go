// Package protocol defines the packet format carried over a validated
// candidate pair.
package protocol

// Packet type constants. The values sit outside the STUN first-byte range
// (0x00-0x03) so packets and connectivity checks can share one socket.
const (
	TypeData  uint8 = 0x41 // Application payload for a channel
	TypeClose uint8 = 0x42 // Channel close notification
	TypePing  uint8 = 0x43 // Keepalive request (channel 0)
	TypePong  uint8 = 0x44 // Keepalive reply (channel 0)
)

// HeaderSize is the fixed header size: Type(1) + ChannelID(4) + SeqNum(4).
const HeaderSize = 9

// ControlChannel is reserved for keepalives and never delivered to the
// application.
const ControlChannel uint32 = 0

// Packet represents a multiplexer packet transmitted over the active path.
type Packet struct {
	Type      uint8  // TypeData, TypeClose, TypePing or TypePong
	ChannelID uint32 // Application channel, ControlChannel for keepalives
	SeqNum    uint32 // Per-channel sequence number
	Payload   []byte // Only used for TypeData
}

// IsControl reports whether the packet is a keepalive.
func (p *Packet) IsControl() bool {
	return p.Type == TypePing || p.Type == TypePong
}

// TypeName returns a short name for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}
