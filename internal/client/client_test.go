package client_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/netem/netem/internal/client"
	"github.com/netem/netem/internal/config"
	"github.com/netem/netem/internal/metrics"
	"github.com/netem/netem/internal/wire"
)

type fakeConn struct {
	queue [][]byte
	sent  [][]byte
}

func (f *fakeConn) deliver(data []byte) { f.queue = append(f.queue, append([]byte(nil), data...)) }

func (f *fakeConn) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	if len(f.queue) == 0 {
		return 0, nil, &timeoutError{}
	}
	pkt := f.queue[0]
	f.queue = f.queue[1:]
	n := copy(buf, pkt)
	return n, relayAddr(), nil
}

func (f *fakeConn) WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error { return nil }

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func relayAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7777}
}

func testCfg() *config.ClientConfig {
	return &config.ClientConfig{
		BufferSize:                  65535,
		ClientPingInterval:          time.Minute,
		ClientConnectionTimeout:     time.Minute,
		ClientInitialReconnectDelay: time.Millisecond,
		ClientMaxReconnectDelay:     10 * time.Millisecond,
		ClientMaxReconnectAttempts:  3,
		ClientDisconnectNoticeDelay: time.Millisecond,
		ClientLoopSleep:             time.Millisecond,
	}
}

func newTestClient(conn *fakeConn) *client.Client {
	return client.New(testCfg(), conn, relayAddr(), "Alice", 12345, 0, zerolog.Nop(), metrics.New("client-test"))
}

func lastPayload(t *testing.T, data []byte) wire.Packet {
	t.Helper()
	pkt, err := wire.DecodePacket(data)
	require.NoError(t, err)
	return pkt
}

func TestConnectSendsConnectRequest(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)

	c.Connect()
	require.Len(t, conn.sent, 1)

	pkt := lastPayload(t, conn.sent[0])
	req, ok := pkt.Payload.(wire.ConnectRequest)
	require.True(t, ok)
	require.Equal(t, "Alice", req.Name)
	require.Equal(t, uint32(12345), req.TargetSessionID)
	require.Equal(t, client.StateConnecting, c.State())
}

func TestConnectAcceptTransitionsToConnected(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	require.Equal(t, client.StateConnected, c.State())
	require.Equal(t, uint8(2), c.ClientID())
}

func TestSessionConfigIsAcknowledged(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2, Sequence: 7}, wire.SessionConfig{
		Version: 1, TickRate: 60, MaxPacketSize: 1024,
	}))
	require.NoError(t, c.Step())

	last := lastPayload(t, conn.sent[len(conn.sent)-1])
	ack, ok := last.Payload.(wire.Ack)
	require.True(t, ok)
	require.Equal(t, []uint16{7}, ack.Sequences)
}

func TestConnectDenyReturnsToDisconnected(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectDeny{Reason: "full"}))
	require.NoError(t, c.Step())

	require.Equal(t, client.StateDisconnected, c.State())
}

func TestGamePacketDuplicateIsSuppressed(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	var received []wire.GamePacket
	c.SetGamePacketHandler(func(p wire.GamePacket) { received = append(received, p) })

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2, Sequence: 1}, wire.GamePacket{
		TypeCode: 0x20, Raw: []byte{1},
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2, Sequence: 1}, wire.GamePacket{
		TypeCode: 0x20, Raw: []byte{1},
	}))
	require.NoError(t, c.Step())

	require.Len(t, received, 1, "a repeated sequence from the same sender must be suppressed")
}

func TestConnectCallbackFiresWithAssignedID(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var gotID uint8
	c.SetConnectCallback(func(id uint8) { gotID = id })
	c.Connect()

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	require.Equal(t, uint8(2), gotID)
}

func TestDenyCallbackFiresWithReason(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var gotReason string
	c.SetDenyCallback(func(reason string) { gotReason = reason })
	c.Connect()

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectDeny{Reason: "full"}))
	require.NoError(t, c.Step())

	require.Equal(t, "full", gotReason)
}

func TestSessionConfigCallbackReceivesConfig(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var got *wire.SessionConfig
	c.SetSessionConfigCallback(func(cfg wire.SessionConfig) { got = &cfg })
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2, Sequence: 7}, wire.SessionConfig{
		Version: 1, TickRate: 60, MaxPacketSize: 1024,
	}))
	require.NoError(t, c.Step())

	require.NotNil(t, got)
	require.Equal(t, uint16(60), got.TickRate)
}

func TestRegistryCallbackReceivesEntries(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var got []wire.RegistryEntry
	c.SetRegistryCallback(func(entries []wire.RegistryEntry) { got = entries })
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.PacketTypeRegistry{
		Entries: []wire.RegistryEntry{{ID: 0x20, Name: "move"}},
	}))
	require.NoError(t, c.Step())

	require.Len(t, got, 1)
	require.Equal(t, "move", got[0].Name)
}

func TestPongCallbackReceivesRoundTripTime(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var gotRTT time.Duration
	fired := false
	c.SetPongCallback(func(rtt time.Duration) { gotRTT = rtt; fired = true })
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.Pong{OriginalTimestamp: uint64(time.Now().UnixNano())}))
	require.NoError(t, c.Step())

	require.True(t, fired)
	require.GreaterOrEqual(t, gotRTT, time.Duration(0))
}

func TestDisconnectCallbackFiresOnHostNotice(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	fired := false
	c.SetDisconnectCallback(func() { fired = true })
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.DisconnectNotice{}))
	require.NoError(t, c.Step())

	require.True(t, fired, "disconnect callback should fire when the host notice drops this client into reconnecting")
}

func TestErrorCallbackFiresOnMalformedPacket(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	var gotErr error
	c.SetErrorCallback(func(err error) { gotErr = err })

	conn.deliver([]byte{0xff, 0xff, 0xff})
	require.NoError(t, c.Step())

	require.Error(t, gotErr)
}

func TestDisconnectNoticeTriggersReconnecting(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.DisconnectNotice{}))
	require.NoError(t, c.Step())

	require.Equal(t, client.StateReconnecting, c.State())
}

func TestReconnectExhaustionReturnsToDisconnected(t *testing.T) {
	conn := &fakeConn{}
	c := newTestClient(conn)
	c.Connect()
	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, c.Step())

	conn.deliver(wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.DisconnectNotice{}))
	require.NoError(t, c.Step())
	require.Equal(t, client.StateReconnecting, c.State())

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Step())
		time.Sleep(2 * time.Millisecond)
		if c.State() == client.StateDisconnected {
			break
		}
	}
	require.Equal(t, client.StateDisconnected, c.State())
}
