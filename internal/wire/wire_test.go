package wire_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netem/netem/internal/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{
		Magic:         wire.Magic,
		Version:       wire.CurrentVersion,
		Type:          wire.PingType,
		Sequence:      42,
		SenderID:      2,
		DestinationID: 1,
	}

	buf := wire.EncodeHeader(h)
	require.Len(t, buf, wire.HeaderSize)

	got, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := wire.DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	h := wire.Header{Magic: 0xFFFF, Type: wire.PingType}
	buf := wire.EncodeHeader(h)
	_, err := wire.DecodeHeader(buf)
	require.ErrorIs(t, err, wire.ErrMalformed)
	require.ErrorIs(t, err, wire.ErrBadMagic)
}

// TestRecodeRoundTrip asserts recode(decode(x)) == x
// for every well-formed core payload.
func TestRecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     wire.PacketType
		payload wire.Payload
	}{
		{"connect request", wire.ConnectRequestType, wire.ConnectRequest{
			ClientVersion: 1, Name: "Alice", TargetSessionID: 12345, GameIdentifier: 0,
		}},
		{"connect accept", wire.ConnectAcceptType, wire.ConnectAccept{
			AssignedClientID: 2, SessionID: 12345,
			ReconnectToken: [wire.ReconnectTokenSize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		}},
		{"connect deny", wire.ConnectDenyType, wire.ConnectDeny{Reason: "full"}},
		{"session config", wire.SessionConfigType, wire.SessionConfig{
			Version: 1, TickRate: 60, MaxPacketSize: 1024,
		}},
		{"registry", wire.PacketTypeRegistryType, wire.PacketTypeRegistry{
			Entries: []wire.RegistryEntry{
				{ID: 0x10, Name: "move", Description: "player movement"},
				{ID: 0x11, Name: "shoot", Description: ""},
			},
		}},
		{"ping", wire.PingType, wire.Ping{Timestamp: 1234567890}},
		{"pong", wire.PongType, wire.Pong{OriginalTimestamp: 1234567890}},
		{"disconnect", wire.DisconnectNoticeType, wire.DisconnectNotice{}},
		{"ack", wire.AckType, wire.Ack{Sequences: []uint16{1, 2, 3}}},
		{"reconnect", wire.ReconnectRequestType, wire.ReconnectRequest{
			PreviousClientID: 2,
			Token:            [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		}},
		{"game packet", wire.PacketType(0x20), wire.GamePacket{
			TypeCode: 0x20, Raw: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := wire.Header{Magic: wire.Magic, Version: wire.CurrentVersion, SenderID: 2, DestinationID: 1, Sequence: 7}
			encoded := wire.EncodePacket(h, tc.payload)

			decoded, err := wire.DecodePacket(encoded)
			require.NoError(t, err)
			require.Equal(t, tc.typ, decoded.Header.Type)

			recoded := wire.EncodePacket(decoded.Header, decoded.Payload)
			require.True(t, bytes.Equal(encoded, recoded), "recode(decode(x)) must equal x")
		})
	}
}

func TestEmittedMagicIsExact(t *testing.T) {
	buf := wire.EncodePacket(wire.Header{SenderID: 1}, wire.Ping{Timestamp: 1})
	decoded, err := wire.DecodePacket(buf)
	require.NoError(t, err)
	require.Equal(t, wire.Magic, decoded.Header.Magic)
	require.Equal(t, uint16(0x4E45), decoded.Header.Magic)
}

// TestNameLengthBoundary checks the name-length boundary: for
// name_len in [0, 65], decoding succeeds up to 64 bytes and fails at 65.
func TestNameLengthBoundary(t *testing.T) {
	for n := 0; n <= wire.MaxNameBytes+1; n++ {
		name := strings.Repeat("a", n)
		payload := wire.ConnectRequest{ClientVersion: 1, Name: name, TargetSessionID: 1, GameIdentifier: 0}
		body := wire.EncodePayload(payload)

		_, err := wire.DecodePayload(wire.ConnectRequestType, body)
		if n == 0 {
			require.Error(t, err, "empty name must fail sanitization")
			continue
		}
		if n <= wire.MaxNameBytes {
			require.NoErrorf(t, err, "name_len=%d should decode", n)
		} else {
			require.Errorf(t, err, "name_len=%d should fail (max %d)", n, wire.MaxNameBytes)
			require.ErrorIs(t, err, wire.ErrMalformed)
		}
	}
}

func TestDescriptionLengthBoundary(t *testing.T) {
	for _, n := range []int{wire.MaxDescriptionBytes, wire.MaxDescriptionBytes + 1} {
		entry := wire.RegistryEntry{ID: 1, Name: "x", Description: strings.Repeat("b", n)}
		payload := wire.PacketTypeRegistry{Entries: []wire.RegistryEntry{entry}}
		body := wire.EncodePayload(payload)

		_, err := wire.DecodePayload(wire.PacketTypeRegistryType, body)
		if n <= wire.MaxDescriptionBytes {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}
}

func TestEntryAndAckCountBoundary(t *testing.T) {
	entries := make([]wire.RegistryEntry, wire.MaxEntryCount+1)
	for i := range entries {
		entries[i] = wire.RegistryEntry{ID: uint8(i % 256), Name: "a"}
	}
	body := wire.EncodePayload(wire.PacketTypeRegistry{Entries: entries})
	_, err := wire.DecodePayload(wire.PacketTypeRegistryType, body)
	require.Error(t, err)

	seqs := make([]uint16, wire.MaxAckCount+1)
	body = wire.EncodePayload(wire.Ack{Sequences: seqs})
	_, err = wire.DecodePayload(wire.AckType, body)
	require.Error(t, err)
}

func TestMalformedInputsNeverPanic(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x45, 0x4E, 1, 1},
		bytes.Repeat([]byte{0xFF}, 3),
		wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: wire.ConnectRequestType}),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("decode panicked on input %v: %v", in, r)
				}
			}()
			_, _ = wire.DecodePacket(in)
		}()
	}
}

func TestGamePacketNeverMutatedByRelayCodec(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5}
	h := wire.Header{Magic: wire.Magic, SenderID: 2, DestinationID: 0}
	buf := wire.EncodePacket(h, wire.GamePacket{TypeCode: 0x42, Raw: raw})

	decoded, err := wire.DecodePacket(buf)
	require.NoError(t, err)
	gp, ok := decoded.Payload.(wire.GamePacket)
	require.True(t, ok)
	require.True(t, bytes.Equal(raw, gp.Raw))
}

func TestDecodeUnknownCoreType(t *testing.T) {
	h := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: wire.PacketType(0x06)})
	_, err := wire.DecodePacket(h)
	require.True(t, errors.Is(err, wire.ErrMalformed))
}
