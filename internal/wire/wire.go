// Package wire implements the fixed 8-byte header and core packet
// payloads: a game-agnostic, byte-exact codec shared by the Relay,
// Host, and Client. It is the only place in the module that knows the
// on-the-wire layout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a netem datagram ("NE" in ASCII, little-endian).
const Magic uint16 = 0x4E45

// CurrentVersion is the protocol version this codec emits.
const CurrentVersion uint8 = 1

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 8

// MaxPacketSize is the largest payload (after the 8-byte header) the
// codec will decode, matching the practical ceiling of a UDP payload.
const MaxPacketSize = 65507

// Sanitization limits enforced on deserialization.
const (
	MaxNameBytes        = 64
	MaxDescriptionBytes = 256
	MaxEntryCount       = 100
	MaxAckCount         = 100
	ReconnectTokenSize  = 16 // 128-bit reconnection token
)

// PacketType is the single-byte discriminator in the header. Values
// 0x01-0x0F are reserved for core packets; 0x10 and above are opaque
// game packets forwarded byte-for-byte by the Relay.
type PacketType uint8

const (
	ConnectRequestType    PacketType = 0x01
	ConnectAcceptType     PacketType = 0x02
	ConnectDenyType       PacketType = 0x03
	SessionConfigType     PacketType = 0x04
	PacketTypeRegistryType PacketType = 0x05
	PingType              PacketType = 0x0B
	PongType              PacketType = 0x0C
	DisconnectNoticeType  PacketType = 0x0D
	AckType               PacketType = 0x0E
	ReconnectRequestType  PacketType = 0x0F

	// GamePacketMinType is the first type code treated as opaque.
	GamePacketMinType PacketType = 0x10
)

// IsCore reports whether t falls in the reserved core range 0x01-0x0F.
func (t PacketType) IsCore() bool {
	return t >= ConnectRequestType && t < GamePacketMinType
}

// IsGame reports whether t is an opaque, application-defined packet.
func (t PacketType) IsGame() bool {
	return t >= GamePacketMinType
}

func (t PacketType) String() string {
	switch t {
	case ConnectRequestType:
		return "CONNECT_REQUEST"
	case ConnectAcceptType:
		return "CONNECT_ACCEPT"
	case ConnectDenyType:
		return "CONNECT_DENY"
	case SessionConfigType:
		return "SESSION_CONFIG"
	case PacketTypeRegistryType:
		return "PACKET_TYPE_REGISTRY"
	case PingType:
		return "PING"
	case PongType:
		return "PONG"
	case DisconnectNoticeType:
		return "DISCONNECT_NOTICE"
	case AckType:
		return "ACK"
	case ReconnectRequestType:
		return "RECONNECT_REQUEST"
	}
	if t.IsGame() {
		return fmt.Sprintf("GAME(0x%02x)", uint8(t))
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Sentinel errors. ErrMalformed is the umbrella malformed-packet
// category; ErrBadMagic and ErrBadVersion are more specific variants a
// caller can match on with errors.Is while still counting as malformed
// for generic handling.
var (
	ErrMalformed  = errors.New("wire: malformed packet")
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrBadVersion = errors.New("wire: unsupported version")
	ErrTooLarge   = errors.New("wire: packet exceeds maximum size")
)

// Header is the fixed 8-byte packet header, always little-endian on
// the wire.
type Header struct {
	Magic         uint16
	Version       uint8
	Type          PacketType
	Sequence      uint16
	SenderID      uint8
	DestinationID uint8
}

// EncodeHeader serializes h into a fresh 8-byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = uint8(h.Type)
	binary.LittleEndian.PutUint16(buf[4:6], h.Sequence)
	buf[6] = h.SenderID
	buf[7] = h.DestinationID
	return buf
}

// DecodeHeader parses the first 8 bytes of buf. It fails with
// ErrMalformed if fewer than HeaderSize bytes are present, and with
// ErrBadMagic (which also satisfies errors.Is(err, ErrMalformed)) if
// the magic number does not match. Version policy is not evaluated
// here; the recipient decides what to do with an unexpected version.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformed, HeaderSize, len(buf))
	}

	h := Header{
		Magic:         binary.LittleEndian.Uint16(buf[0:2]),
		Version:       buf[2],
		Type:          PacketType(buf[3]),
		Sequence:      binary.LittleEndian.Uint16(buf[4:6]),
		SenderID:      buf[6],
		DestinationID: buf[7],
	}

	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %w: got 0x%04x, want 0x%04x", ErrMalformed, ErrBadMagic, h.Magic, Magic)
	}

	return h, nil
}
