package relay_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/netem/netem/internal/config"
	"github.com/netem/netem/internal/metrics"
	"github.com/netem/netem/internal/relay"
	"github.com/netem/netem/internal/wire"
)

// fakeConn is an in-memory relay.PacketConn: writes land in per-address
// outboxes that tests inspect directly, and reads are served from a
// small synchronous queue, letting Relay.Step be driven deterministically
// without a real kernel socket or background goroutines.
type fakeConn struct {
	queue []packetFromAddr
	sent  map[string][][]byte
}

type packetFromAddr struct {
	data []byte
	addr *net.UDPAddr
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(map[string][][]byte)}
}

func (f *fakeConn) deliver(addr *net.UDPAddr, data []byte) {
	f.queue = append(f.queue, packetFromAddr{data: append([]byte(nil), data...), addr: addr})
}

func (f *fakeConn) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	if len(f.queue) == 0 {
		return 0, nil, &timeoutError{}
	}
	pkt := f.queue[0]
	f.queue = f.queue[1:]
	n := copy(buf, pkt.data)
	return n, pkt.addr, nil
}

func (f *fakeConn) WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error) {
	key := addr.String()
	f.sent[key] = append(f.sent[key], append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error { return nil }

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func testCfg() *config.RelayConfig {
	return &config.RelayConfig{
		Addr:                          ":7777",
		BufferSize:                    65535,
		MaxTotalConnections:           10,
		MaxClientsPerSession:          4,
		MaxPendingConnections:         10,
		RelayClientTimeout:            time.Minute,
		RelayPendingConnectionTimeout: time.Minute,
		RelayCleanupInterval:          time.Hour,
		RelayMainLoopSleep:            time.Millisecond,
		MaxPacketsPerSecond:           1000,
		TokenRefillInterval:           time.Second,
		FloodThreshold:                1000,
		FloodWindow:                   time.Second,
		ThrottlePenaltyDivisor:        2,
		MaxRateLimiters:               1000,
	}
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func newTestRelay(conn *fakeConn) *relay.Relay {
	return relay.New(testCfg(), conn, zerolog.Nop(), metrics.New("relay-test"))
}

func TestHostRegistrationCreatesSession(t *testing.T) {
	conn := newFakeConn()
	r := newTestRelay(conn)

	registerHost(conn, r, addr(40001), 12345)
	require.Len(t, r.Snapshot(time.Now()).Sessions, 1)
}

func TestConnectRequestFlowAcceptsClient(t *testing.T) {
	conn := newFakeConn()
	r := newTestRelay(conn)

	hostAddr := addr(40001)
	clientAddr := addr(40002)

	registerHost(conn, r, hostAddr, 12345)

	conn.deliver(clientAddr, wire.EncodePacket(wire.Header{SenderID: 0, DestinationID: 1}, wire.ConnectRequest{
		ClientVersion: 1, Name: "Alice", TargetSessionID: 12345,
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[hostAddr.String()], 1, "host should receive the forwarded CONNECT_REQUEST")

	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: 2, SessionID: 12345,
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[clientAddr.String()], 1, "client should receive CONNECT_ACCEPT")
}

func TestConnectRequestForwardedToHostRegardlessOfRelaySideCapacity(t *testing.T) {
	conn := newFakeConn()
	cfg := testCfg()
	cfg.MaxClientsPerSession = 1
	r := relay.New(cfg, conn, zerolog.Nop(), metrics.New("relay-full-test"))

	hostAddr := addr(40001)
	lateAddr := addr(40003)
	registerHost(conn, r, hostAddr, 12345)
	acceptClient(conn, r, hostAddr, addr(40002), 12345, 2)

	conn.deliver(lateAddr, wire.EncodePacket(wire.Header{SenderID: 0, DestinationID: 1}, wire.ConnectRequest{
		ClientVersion: 1, Name: "late", TargetSessionID: 12345,
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[hostAddr.String()], 2, "admission is the host's call; the relay forwards every CONNECT_REQUEST")

	// The host is the one that decides the session is full; the Relay's
	// job is just to route its CONNECT_DENY back to the requester.
	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectDeny{
		Reason: "session full",
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[lateAddr.String()], 1, "the denied requester should receive CONNECT_DENY")
}

func TestGamePacketBroadcastNeverEchoesSender(t *testing.T) {
	conn := newFakeConn()
	r := newTestRelay(conn)

	hostAddr := addr(40001)
	clientA := addr(40002)
	clientB := addr(40003)

	registerHost(conn, r, hostAddr, 12345)
	acceptClient(conn, r, hostAddr, clientA, 12345, 2)
	acceptClient(conn, r, hostAddr, clientB, 12345, 3)
	conn.sent = make(map[string][][]byte) // count only what the game packet produces

	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.GamePacket{
		TypeCode: 0x20, Raw: []byte{1, 2, 3},
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[clientA.String()], 1)
	require.Len(t, conn.sent[clientB.String()], 1)
	require.Len(t, conn.sent[hostAddr.String()], 0, "broadcast must never echo to the sending host")
}

func TestGamePacketUnicastByDestination(t *testing.T) {
	conn := newFakeConn()
	r := newTestRelay(conn)

	hostAddr := addr(40001)
	clientA := addr(40002)
	clientB := addr(40003)

	registerHost(conn, r, hostAddr, 12345)
	acceptClient(conn, r, hostAddr, clientA, 12345, 2)
	acceptClient(conn, r, hostAddr, clientB, 12345, 3)
	conn.sent = make(map[string][][]byte) // count only what the game packet produces

	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 2}, wire.GamePacket{
		TypeCode: 0x20, Raw: []byte{9},
	}))
	require.NoError(t, r.Step())

	require.Len(t, conn.sent[clientA.String()], 1)
	require.Len(t, conn.sent[clientB.String()], 0)
}

func TestDisconnectNoticeFromHostTearsDownSession(t *testing.T) {
	conn := newFakeConn()
	r := newTestRelay(conn)

	hostAddr := addr(40001)
	clientAddr := addr(40002)
	registerHost(conn, r, hostAddr, 12345)
	acceptClient(conn, r, hostAddr, clientAddr, 12345, 2)
	conn.sent = make(map[string][][]byte) // count only what the notice and the PING produce

	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.DisconnectNotice{}))
	require.NoError(t, r.Step())
	require.Len(t, conn.sent[clientAddr.String()], 1, "surviving client should receive the host's disconnect notice")

	conn.deliver(clientAddr, wire.EncodePacket(wire.Header{SenderID: 2, DestinationID: 1}, wire.Ping{Timestamp: 1}))
	require.NoError(t, r.Step())
	require.Len(t, conn.sent[hostAddr.String()], 0, "a PING after session teardown has nowhere to route")
}

func TestRateLimiterDropsFloodedEndpoint(t *testing.T) {
	conn := newFakeConn()
	cfg := testCfg()
	cfg.MaxPacketsPerSecond = 1
	cfg.TokenRefillInterval = time.Hour
	r := relay.New(cfg, conn, zerolog.Nop(), metrics.New("relay-flood-test"))

	hostAddr := addr(40001)
	clientAddr := addr(40002)
	registerHost(conn, r, hostAddr, 12345)

	for i := 0; i < 5; i++ {
		conn.deliver(clientAddr, wire.EncodePacket(wire.Header{SenderID: 0, DestinationID: 1}, wire.ConnectRequest{
			ClientVersion: 1, Name: "Bob", TargetSessionID: 12345,
		}))
		require.NoError(t, r.Step())
	}

	require.LessOrEqual(t, len(conn.sent[hostAddr.String()]), 1, "only the first burst-capacity packet should pass the limiter")
}

func registerHost(conn *fakeConn, r *relay.Relay, hostAddr *net.UDPAddr, sessionID uint32) {
	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 1}, wire.ConnectAccept{
		AssignedClientID: 1, SessionID: sessionID,
	}))
	_ = r.Step()
}

func acceptClient(conn *fakeConn, r *relay.Relay, hostAddr, clientAddr *net.UDPAddr, sessionID uint32, clientID uint8) {
	conn.deliver(clientAddr, wire.EncodePacket(wire.Header{SenderID: 0, DestinationID: 1}, wire.ConnectRequest{
		ClientVersion: 1, Name: "p", TargetSessionID: sessionID,
	}))
	_ = r.Step()
	conn.deliver(hostAddr, wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.ConnectAccept{
		AssignedClientID: clientID, SessionID: sessionID,
	}))
	_ = r.Step()
}
