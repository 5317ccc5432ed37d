package wire

import (
	"encoding/binary"
	"fmt"
	"unicode"
)

// Payload is implemented by every core packet body. GamePacket also
// implements it, carrying its bytes opaquely for any type code >= 0x10.
type Payload interface {
	// Type returns the packet type this payload encodes as.
	Type() PacketType
	// Encode appends the wire representation of the payload to dst and
	// returns the extended slice.
	Encode(dst []byte) []byte
}

// ConnectRequest is sent Client -> Host (via Relay) to ask for
// admission to a session.
type ConnectRequest struct {
	ClientVersion   uint8
	Name            string
	TargetSessionID uint32
	GameIdentifier  uint32
}

func (p ConnectRequest) Type() PacketType { return ConnectRequestType }

func (p ConnectRequest) Encode(dst []byte) []byte {
	name := []byte(p.Name)
	dst = append(dst, p.ClientVersion)
	dst = appendUint32(dst, uint32(len(name)))
	dst = append(dst, name...)
	dst = appendUint32(dst, p.TargetSessionID)
	dst = appendUint32(dst, p.GameIdentifier)
	return dst
}

func decodeConnectRequest(b []byte) (ConnectRequest, error) {
	var p ConnectRequest
	r := reader{buf: b}

	p.ClientVersion = r.u8()
	name, err := r.lengthPrefixedString(MaxNameBytes)
	if err != nil {
		return p, fmt.Errorf("%w: CONNECT_REQUEST name: %w", ErrMalformed, err)
	}
	p.Name = name
	p.TargetSessionID = r.u32()
	p.GameIdentifier = r.u32()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: CONNECT_REQUEST: %w", ErrMalformed, err)
	}
	if p.TargetSessionID == 0 {
		return p, fmt.Errorf("%w: CONNECT_REQUEST: target_session_id must be > 0", ErrMalformed)
	}
	return p, nil
}

// ConnectAccept is sent Host -> Client to admit a client, assign it an
// identifier, and hand it the reconnection token it must present in a
// later RECONNECT_REQUEST.
type ConnectAccept struct {
	AssignedClientID uint8
	SessionID        uint32
	ReconnectToken   [ReconnectTokenSize]byte
}

func (p ConnectAccept) Type() PacketType { return ConnectAcceptType }

func (p ConnectAccept) Encode(dst []byte) []byte {
	dst = append(dst, p.AssignedClientID)
	dst = appendUint32(dst, p.SessionID)
	dst = append(dst, p.ReconnectToken[:]...)
	return dst
}

func decodeConnectAccept(b []byte) (ConnectAccept, error) {
	var p ConnectAccept
	r := reader{buf: b}
	p.AssignedClientID = r.u8()
	p.SessionID = r.u32()
	tok := r.bytes(ReconnectTokenSize)
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: CONNECT_ACCEPT: %w", ErrMalformed, err)
	}
	copy(p.ReconnectToken[:], tok)
	if p.SessionID == 0 {
		return p, fmt.Errorf("%w: CONNECT_ACCEPT: session_id must be > 0", ErrMalformed)
	}
	return p, nil
}

// ConnectDeny is sent Host -> Client to reject a connect request with
// a human-readable reason.
type ConnectDeny struct {
	Reason string
}

func (p ConnectDeny) Type() PacketType { return ConnectDenyType }

func (p ConnectDeny) Encode(dst []byte) []byte {
	reason := []byte(p.Reason)
	dst = appendUint32(dst, uint32(len(reason)))
	dst = append(dst, reason...)
	return dst
}

func decodeConnectDeny(b []byte) (ConnectDeny, error) {
	var p ConnectDeny
	r := reader{buf: b}
	reason, err := r.lengthPrefixedRawString(MaxDescriptionBytes)
	if err != nil {
		return p, fmt.Errorf("%w: CONNECT_DENY reason: %w", ErrMalformed, err)
	}
	p.Reason = reason
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: CONNECT_DENY: %w", ErrMalformed, err)
	}
	return p, nil
}

// SessionConfig is the single reliable-by-default packet: Host ->
// Client tick rate and packet-size ceiling.
type SessionConfig struct {
	Version       uint8
	TickRate      uint16
	MaxPacketSize uint16
}

func (p SessionConfig) Type() PacketType { return SessionConfigType }

func (p SessionConfig) Encode(dst []byte) []byte {
	dst = append(dst, p.Version)
	dst = appendUint16(dst, p.TickRate)
	dst = appendUint16(dst, p.MaxPacketSize)
	return dst
}

func decodeSessionConfig(b []byte) (SessionConfig, error) {
	var p SessionConfig
	r := reader{buf: b}
	p.Version = r.u8()
	p.TickRate = r.u16()
	p.MaxPacketSize = r.u16()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: SESSION_CONFIG: %w", ErrMalformed, err)
	}
	return p, nil
}

// RegistryEntry describes one opaque game-packet type for a connecting
// client.
type RegistryEntry struct {
	ID          uint8
	Name        string
	Description string
}

// PacketTypeRegistry advertises the application's game-packet type
// codes to a newly connected client, best-effort.
type PacketTypeRegistry struct {
	Entries []RegistryEntry
}

func (p PacketTypeRegistry) Type() PacketType { return PacketTypeRegistryType }

func (p PacketTypeRegistry) Encode(dst []byte) []byte {
	dst = appendUint32(dst, uint32(len(p.Entries)))
	for _, e := range p.Entries {
		name := []byte(e.Name)
		desc := []byte(e.Description)
		dst = append(dst, e.ID, uint8(len(name)))
		dst = append(dst, name...)
		dst = appendUint16(dst, uint16(len(desc)))
		dst = append(dst, desc...)
	}
	return dst
}

func decodePacketTypeRegistry(b []byte) (PacketTypeRegistry, error) {
	var p PacketTypeRegistry
	r := reader{buf: b}
	count := r.u32()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: PACKET_TYPE_REGISTRY: %w", ErrMalformed, err)
	}
	if count > MaxEntryCount {
		return p, fmt.Errorf("%w: PACKET_TYPE_REGISTRY: entry_count %d exceeds max %d", ErrMalformed, count, MaxEntryCount)
	}
	entries := make([]RegistryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		id := r.u8()
		name, err := r.lengthPrefixedString8(MaxNameBytes)
		if err != nil {
			return p, fmt.Errorf("%w: PACKET_TYPE_REGISTRY entry %d name: %w", ErrMalformed, i, err)
		}
		desc, err := r.lengthPrefixedRawString16(MaxDescriptionBytes)
		if err != nil {
			return p, fmt.Errorf("%w: PACKET_TYPE_REGISTRY entry %d description: %w", ErrMalformed, i, err)
		}
		entries = append(entries, RegistryEntry{ID: id, Name: name, Description: desc})
	}
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: PACKET_TYPE_REGISTRY: %w", ErrMalformed, err)
	}
	p.Entries = entries
	return p, nil
}

// Ping is sent Client -> Host carrying the sender's monotonic
// timestamp, used for keepalive.
type Ping struct {
	Timestamp uint64
}

func (p Ping) Type() PacketType { return PingType }

func (p Ping) Encode(dst []byte) []byte { return appendUint64(dst, p.Timestamp) }

func decodePing(b []byte) (Ping, error) {
	var p Ping
	r := reader{buf: b}
	p.Timestamp = r.u64()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: PING: %w", ErrMalformed, err)
	}
	return p, nil
}

// Pong echoes a Ping's timestamp back Host -> Client so the client can
// compute round-trip latency.
type Pong struct {
	OriginalTimestamp uint64
}

func (p Pong) Type() PacketType { return PongType }

func (p Pong) Encode(dst []byte) []byte { return appendUint64(dst, p.OriginalTimestamp) }

func decodePong(b []byte) (Pong, error) {
	var p Pong
	r := reader{buf: b}
	p.OriginalTimestamp = r.u64()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: PONG: %w", ErrMalformed, err)
	}
	return p, nil
}

// DisconnectNotice carries no payload; any participant may send it to
// any other.
type DisconnectNotice struct{}

func (p DisconnectNotice) Type() PacketType { return DisconnectNoticeType }

func (p DisconnectNotice) Encode(dst []byte) []byte { return dst }

func decodeDisconnectNotice(b []byte) (DisconnectNotice, error) {
	return DisconnectNotice{}, nil
}

// Ack acknowledges one or more previously received sequence numbers,
// used for reliable delivery.
type Ack struct {
	Sequences []uint16
}

func (p Ack) Type() PacketType { return AckType }

func (p Ack) Encode(dst []byte) []byte {
	dst = appendUint32(dst, uint32(len(p.Sequences)))
	for _, s := range p.Sequences {
		dst = appendUint16(dst, s)
	}
	return dst
}

func decodeAck(b []byte) (Ack, error) {
	var p Ack
	r := reader{buf: b}
	count := r.u32()
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: ACK: %w", ErrMalformed, err)
	}
	if count > MaxAckCount {
		return p, fmt.Errorf("%w: ACK: count %d exceeds max %d", ErrMalformed, count, MaxAckCount)
	}
	seqs := make([]uint16, 0, count)
	for i := uint32(0); i < count; i++ {
		seqs = append(seqs, r.u16())
	}
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: ACK: %w", ErrMalformed, err)
	}
	p.Sequences = seqs
	return p, nil
}

// ReconnectRequest lets a client resume its previous identity within
// the token's validity window.
type ReconnectRequest struct {
	PreviousClientID uint8
	Token            [ReconnectTokenSize]byte
}

func (p ReconnectRequest) Type() PacketType { return ReconnectRequestType }

func (p ReconnectRequest) Encode(dst []byte) []byte {
	dst = append(dst, p.PreviousClientID)
	dst = append(dst, p.Token[:]...)
	return dst
}

func decodeReconnectRequest(b []byte) (ReconnectRequest, error) {
	var p ReconnectRequest
	r := reader{buf: b}
	p.PreviousClientID = r.u8()
	tok := r.bytes(ReconnectTokenSize)
	if err := r.err(); err != nil {
		return p, fmt.Errorf("%w: RECONNECT_REQUEST: %w", ErrMalformed, err)
	}
	copy(p.Token[:], tok)
	return p, nil
}

// GamePacket carries an opaque, application-defined payload for any
// type code >= 0x10. The Relay never inspects or mutates Raw.
type GamePacket struct {
	TypeCode PacketType
	Raw      []byte
}

func (p GamePacket) Type() PacketType { return p.TypeCode }

func (p GamePacket) Encode(dst []byte) []byte { return append(dst, p.Raw...) }

// --- helpers -----------------------------------------------------------

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// reader sequentially consumes buf, recording the first error
// encountered (buffer exhaustion) so call sites can chain reads and
// check once at the end instead of after every field.
type reader struct {
	buf    []byte
	off    int
	failed error
}

func (r *reader) need(n int) bool {
	if r.failed != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.failed = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) err() error { return r.failed }

// lengthPrefixedString reads a u32-length-prefixed UTF-8 string,
// rejecting declared lengths above max BEFORE allocating or slicing
// further than the buffer allows, then sanitizes and requires a
// non-empty result.
func (r *reader) lengthPrefixedString(max int) (string, error) {
	n := r.u32()
	if r.failed != nil {
		return "", r.failed
	}
	if n > uint32(max) {
		return "", fmt.Errorf("length %d exceeds max %d", n, max)
	}
	raw := r.bytes(int(n))
	if r.failed != nil {
		return "", r.failed
	}
	return sanitizeName(raw)
}

// lengthPrefixedRawString is like lengthPrefixedString but allows an
// empty result (used for free-text fields like CONNECT_DENY reasons
// that are not required to be non-empty).
func (r *reader) lengthPrefixedRawString(max int) (string, error) {
	n := r.u32()
	if r.failed != nil {
		return "", r.failed
	}
	if n > uint32(max) {
		return "", fmt.Errorf("length %d exceeds max %d", n, max)
	}
	raw := r.bytes(int(n))
	if r.failed != nil {
		return "", r.failed
	}
	return sanitizeControlChars(raw), nil
}

func (r *reader) lengthPrefixedString8(max int) (string, error) {
	n := r.u8()
	if r.failed != nil {
		return "", r.failed
	}
	if int(n) > max {
		return "", fmt.Errorf("length %d exceeds max %d", n, max)
	}
	raw := r.bytes(int(n))
	if r.failed != nil {
		return "", r.failed
	}
	return sanitizeName(raw)
}

// lengthPrefixedRawString16 is like lengthPrefixedRawString but uses a
// u16 length prefix, needed for fields whose max exceeds 255 bytes,
// such as PACKET_TYPE_REGISTRY entry descriptions (max 256).
func (r *reader) lengthPrefixedRawString16(max int) (string, error) {
	n := r.u16()
	if r.failed != nil {
		return "", r.failed
	}
	if int(n) > max {
		return "", fmt.Errorf("length %d exceeds max %d", n, max)
	}
	raw := r.bytes(int(n))
	if r.failed != nil {
		return "", r.failed
	}
	return sanitizeControlChars(raw), nil
}

// sanitizeControlChars decodes raw as UTF-8 and strips Unicode control
// characters except tab, CR, and LF.
func sanitizeControlChars(raw []byte) string {
	out := make([]rune, 0, len(raw))
	for _, r := range string(raw) {
		if r == '\t' || r == '\r' || r == '\n' {
			out = append(out, r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// sanitizeName applies sanitizeControlChars and additionally rejects
// an empty result, as required for names.
func sanitizeName(raw []byte) (string, error) {
	s := sanitizeControlChars(raw)
	if s == "" {
		return "", fmt.Errorf("name is empty after sanitization")
	}
	return s, nil
}
