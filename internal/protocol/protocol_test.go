package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse operations
// for all packet types with various payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "TypePing on control channel",
			pkt:  &Packet{Type: TypePing, ChannelID: ControlChannel, SeqNum: 1},
		},
		{
			name: "TypeData with small payload",
			pkt:  &Packet{Type: TypeData, ChannelID: 0xDEADBEEF, SeqNum: 42, Payload: []byte("hello world")},
		},
		{
			name: "TypeClose with no payload",
			pkt:  &Packet{Type: TypeClose, ChannelID: 0xCAFEBABE, SeqNum: 100},
		},
		{
			name: "TypeData with large payload (16KB)",
			pkt:  &Packet{Type: TypeData, ChannelID: 0x11223344, SeqNum: 999, Payload: make([]byte, 16*1024)},
		},
		{
			name: "TypePong with no payload",
			pkt:  &Packet{Type: TypePong, ChannelID: ControlChannel, SeqNum: 555},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode(Encode(tc.pkt))
			require.NoError(t, err)
			assert.Equal(t, tc.pkt, decoded)
		})
	}
}

func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{TypeData}},
		{"8 bytes (one less than HeaderSize)", []byte{TypeData, 0, 0, 0, 1, 0, 0, 0}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			assert.Error(t, err)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	// A STUN header starts with 0x00 or 0x01 and must never decode as a packet.
	for _, typ := range []uint8{0x00, 0x01, 0x40, 0x45, 0xFF} {
		data := make([]byte, HeaderSize+4)
		data[0] = typ
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrUnknownType, "type 0x%02x", typ)
	}
}

// TestDecodeExactHeaderSize verifies that a packet with exactly HeaderSize
// bytes (no payload) is decoded successfully.
func TestDecodeExactHeaderSize(t *testing.T) {
	original := &Packet{Type: TypeClose, ChannelID: 0xABCDEF01, SeqNum: 777}

	encoded := Encode(original)
	require.Len(t, encoded, HeaderSize)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.ChannelID, decoded.ChannelID)
	assert.Equal(t, original.SeqNum, decoded.SeqNum)
	assert.Empty(t, decoded.Payload)
}

func TestEncodeBoundaryValues(t *testing.T) {
	testCases := []struct {
		channelID uint32
		seqNum    uint32
	}{
		{0, 0},
		{0xFFFFFFFF, 0xFFFFFFFF},
		{1, 0xFFFFFFFF},
		{0xFFFFFFFF, 1},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("ch=%d/seq=%d", tc.channelID, tc.seqNum), func(t *testing.T) {
			pkt := &Packet{Type: TypeData, ChannelID: tc.channelID, SeqNum: tc.seqNum, Payload: []byte{0x41}}
			decoded, err := Decode(Encode(pkt))
			require.NoError(t, err)
			assert.Equal(t, tc.channelID, decoded.ChannelID)
			assert.Equal(t, tc.seqNum, decoded.SeqNum)
		})
	}
}

// TestDecodeDoesNotAlias verifies that the decoded payload is a copy and
// that reusing the receive buffer does not corrupt it.
func TestDecodeDoesNotAlias(t *testing.T) {
	buf := Encode(&Packet{Type: TypeData, ChannelID: 7, SeqNum: 1, Payload: []byte("payload")})

	decoded, err := Decode(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0
	}
	assert.Equal(t, "payload", string(decoded.Payload))
}

func TestEncodeHeaderLayout(t *testing.T) {
	got := Encode(&Packet{Type: TypeData, ChannelID: 0x01020304, SeqNum: 0x0A0B0C0D, Payload: []byte{0xEE}})
	want := []byte{TypeData, 0x01, 0x02, 0x03, 0x04, 0x0A, 0x0B, 0x0C, 0x0D, 0xEE}
	assert.Equal(t, want, got)
}

func TestTypeName(t *testing.T) {
	for typ, name := range map[uint8]string{TypeData: "DATA", TypeClose: "CLOSE", TypePing: "PING", TypePong: "PONG", 0x99: "UNKNOWN"} {
		assert.Equal(t, name, TypeName(typ), "type 0x%02x", typ)
	}
}
