package wire

import "fmt"

// Packet is a fully decoded datagram: header plus typed payload. It is
// the unit the Relay, Host, and Client receive loops operate on.
type Packet struct {
	Header  Header
	Payload Payload
}

// EncodePacket serializes a header and payload into one datagram. The
// header's Type is set from payload.Type() so callers cannot construct
// a header/payload mismatch.
func EncodePacket(h Header, payload Payload) []byte {
	h.Magic = Magic
	h.Version = CurrentVersion
	h.Type = payload.Type()
	buf := EncodeHeader(h)
	buf = payload.Encode(buf)
	return buf
}

// EncodePayload serializes payload alone, without a header.
func EncodePayload(payload Payload) []byte {
	return payload.Encode(make([]byte, 0, 64))
}

// DecodePayload dispatches on typeCode and parses body. Any code >=
// 0x10 returns a GamePacket that owns the raw bytes unmodified: the
// Relay never decodes or mutates bytes of a packet whose type code is
// opaque to it.
func DecodePayload(typeCode PacketType, body []byte) (Payload, error) {
	if len(body) > MaxPacketSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds max %d", ErrTooLarge, len(body), MaxPacketSize)
	}

	switch typeCode {
	case ConnectRequestType:
		return decodeConnectRequest(body)
	case ConnectAcceptType:
		return decodeConnectAccept(body)
	case ConnectDenyType:
		return decodeConnectDeny(body)
	case SessionConfigType:
		return decodeSessionConfig(body)
	case PacketTypeRegistryType:
		return decodePacketTypeRegistry(body)
	case PingType:
		return decodePing(body)
	case PongType:
		return decodePong(body)
	case DisconnectNoticeType:
		return decodeDisconnectNotice(body)
	case AckType:
		return decodeAck(body)
	case ReconnectRequestType:
		return decodeReconnectRequest(body)
	default:
		if typeCode.IsGame() {
			raw := make([]byte, len(body))
			copy(raw, body)
			return GamePacket{TypeCode: typeCode, Raw: raw}, nil
		}
		return nil, fmt.Errorf("%w: unknown core packet type 0x%02x", ErrMalformed, uint8(typeCode))
	}
}

// DecodePacket is the single entry point used by the Relay, Host, and
// Client receive paths: it validates the header, then dispatches the
// remaining bytes to DecodePayload.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) > MaxPacketSize+HeaderSize {
		return Packet{}, fmt.Errorf("%w: datagram of %d bytes exceeds max %d", ErrTooLarge, len(buf), MaxPacketSize+HeaderSize)
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}

	payload, err := DecodePayload(h.Type, buf[HeaderSize:])
	if err != nil {
		return Packet{}, err
	}

	return Packet{Header: h, Payload: payload}, nil
}
