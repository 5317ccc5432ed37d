// Package client implements the session-participant role: connection
// handshake, keepalive, reliable-packet acknowledgment with duplicate
// suppression, and exponential-backoff reconnection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/netem/netem/internal/config"
	"github.com/netem/netem/internal/metrics"
	"github.com/netem/netem/internal/netutil"
	"github.com/netem/netem/internal/wire"
)

// GamePacketHandler receives opaque application traffic forwarded by
// the Host.
type GamePacketHandler func(wire.GamePacket)

// ConnectHandler is invoked once CONNECT_ACCEPT admits this client,
// whether from a fresh connect or a reconnect.
type ConnectHandler func(clientID uint8)

// DenyHandler is invoked when the Host denies a connect or reconnect
// attempt.
type DenyHandler func(reason string)

// DisconnectHandler is invoked when the Host's DISCONNECT_NOTICE (or a
// connection timeout) drops this client into reconnecting.
type DisconnectHandler func()

// PongHandler is invoked for every PONG, with the round-trip time
// computed from the echoed PING timestamp (zero if the Host sent no
// timestamp to echo).
type PongHandler func(rtt time.Duration)

// SessionConfigHandler is invoked when a new SESSION_CONFIG is
// received; a re-delivered copy with an already-seen sequence is
// acknowledged but not reported again.
type SessionConfigHandler func(wire.SessionConfig)

// RegistryHandler is invoked when PACKET_TYPE_REGISTRY is received.
type RegistryHandler func([]wire.RegistryEntry)

// ErrorHandler is invoked for malformed packets and transport errors
// that the event loop absorbs rather than propagating.
type ErrorHandler func(err error)

// Client is one session participant. All state is owned by the single
// goroutine driving Run; there is no locking on the hot path.
type Client struct {
	cfg       *config.ClientConfig
	conn      PacketConn
	relayAddr *net.UDPAddr
	logger    zerolog.Logger
	metrics   *metrics.Registry
	pool      *netutil.BufferPool

	name            string
	targetSessionID uint32
	gameID          uint32

	onGamePacket     GamePacketHandler
	onConnect        ConnectHandler
	onDeny           DenyHandler
	onDisconnect     DisconnectHandler
	onPong           PongHandler
	onSessionConfig  SessionConfigHandler
	onRegistry       RegistryHandler
	onError          ErrorHandler

	state           State
	clientID        uint8
	reconnectToken  [16]byte
	sessionConfig   *wire.SessionConfig
	lastAcceptedSeq map[uint8]uint16

	sequence uint16

	lastPingSent     time.Time
	lastServerActive time.Time

	reconnectAttempt int
	reconnectDelay   time.Duration
	nextReconnectAt  time.Time

	stopRequestedAt time.Time
	stopping        bool

	running atomic.Bool
}

// New builds a Client targeting sessionID on the Relay at relayAddr.
func New(cfg *config.ClientConfig, conn PacketConn, relayAddr *net.UDPAddr, name string, sessionID, gameID uint32, logger zerolog.Logger, m *metrics.Registry) *Client {
	c := &Client{
		cfg:             cfg,
		conn:            conn,
		relayAddr:       relayAddr,
		logger:          logger.With().Str("component", "client").Logger(),
		metrics:         m,
		pool:            netutil.NewBufferPool(cfg.BufferSize, 16, 64),
		name:            name,
		targetSessionID: sessionID,
		gameID:          gameID,
		state:           StateDisconnected,
		lastAcceptedSeq: make(map[uint8]uint16),
		reconnectDelay:  cfg.ClientInitialReconnectDelay,
	}
	c.running.Store(true)
	return c
}

// SetGamePacketHandler installs the callback invoked for every
// non-core packet received from the Host.
func (c *Client) SetGamePacketHandler(h GamePacketHandler) { c.onGamePacket = h }

// SetConnectCallback installs the callback invoked once this client is
// admitted, fresh or reconnecting.
func (c *Client) SetConnectCallback(cb ConnectHandler) { c.onConnect = cb }

// SetDenyCallback installs the callback invoked when the Host denies a
// connect or reconnect attempt.
func (c *Client) SetDenyCallback(cb DenyHandler) { c.onDeny = cb }

// SetDisconnectCallback installs the callback invoked when this client
// is dropped into reconnecting, whether by DISCONNECT_NOTICE or a
// connection timeout.
func (c *Client) SetDisconnectCallback(cb DisconnectHandler) { c.onDisconnect = cb }

// SetPongCallback installs the callback invoked for every PONG, with
// the measured round-trip time.
func (c *Client) SetPongCallback(cb PongHandler) { c.onPong = cb }

// SetSessionConfigCallback installs the callback invoked when a new
// SESSION_CONFIG is received.
func (c *Client) SetSessionConfigCallback(cb SessionConfigHandler) { c.onSessionConfig = cb }

// SetRegistryCallback installs the callback invoked when
// PACKET_TYPE_REGISTRY is received.
func (c *Client) SetRegistryCallback(cb RegistryHandler) { c.onRegistry = cb }

// SetErrorCallback installs the callback invoked for malformed packets
// and transport errors the event loop otherwise just logs.
func (c *Client) SetErrorCallback(cb ErrorHandler) { c.onError = cb }

// State reports the Client's current lifecycle state.
func (c *Client) State() State { return c.state }

// ClientID reports the identifier assigned by the Host, valid once
// State is StateConnected.
func (c *Client) ClientID() uint8 { return c.clientID }

// Close requests a graceful disconnect: a DISCONNECT_NOTICE is sent
// immediately and the event loop keeps running for
// client_disconnect_notice_delay to flush any in-flight traffic before
// stopping.
func (c *Client) Close() {
	if c.stopping {
		return
	}
	c.stopping = true
	c.stopRequestedAt = time.Now()
	if c.state == StateConnected || c.state == StateReconnecting {
		c.sendToRelay(wire.Header{DestinationID: 0}, wire.DisconnectNotice{})
	}
}

// Connect begins the connection handshake.
func (c *Client) Connect() {
	c.state = StateConnecting
	c.sendConnectRequest()
}

// SendGamePacket forwards an opaque application payload to
// destinationID (0 broadcasts to the whole session).
func (c *Client) SendGamePacket(destinationID uint8, typeCode wire.PacketType, raw []byte) {
	if c.state != StateConnected {
		return
	}
	c.sendToRelay(wire.Header{DestinationID: destinationID}, wire.GamePacket{TypeCode: typeCode, Raw: raw})
}

// Run drives the event loop until ctx is canceled, Close completes its
// flush delay, or the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info().Str("relay", c.relayAddr.String()).Msg("client starting")
	c.Connect()

	for c.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Step(); err != nil {
			return err
		}

		if c.stopping && time.Since(c.stopRequestedAt) >= c.cfg.ClientDisconnectNoticeDelay {
			c.running.Store(false)
		}
	}

	c.logger.Info().Msg("client stopped")
	return nil
}

// Step runs one iteration: a deadline-bounded receive, optional
// datagram handling, and the periodic keepalive/timeout/reconnect
// checks. Run calls this in a loop; tests call it directly.
func (c *Client) Step() error {
	buf := c.pool.Get()
	defer c.pool.Put(buf)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ClientLoopSleep)); err != nil {
		return fmt.Errorf("client: set read deadline: %w", err)
	}

	n, _, err := c.conn.ReadFromUDP(buf)
	now := time.Now()

	switch {
	case err == nil:
		if c.pool.PossiblyTruncated(n) {
			c.logger.Warn().Int("n", n).Msg("client: possibly truncated datagram, dropping")
			c.metrics.PacketsDropped.WithLabelValues("truncated").Inc()
		} else {
			c.handleDatagram(buf[:n], now)
		}
	case isTimeout(err):
		// no datagram this tick
	default:
		c.logger.Warn().Err(err).Msg("client: read error")
		c.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		c.fireError(fmt.Errorf("client: read error: %w", err))
	}

	c.tick(now)
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) tick(now time.Time) {
	switch c.state {
	case StateConnected:
		if now.Sub(c.lastServerActive) > c.cfg.ClientConnectionTimeout {
			c.logger.Warn().Msg("client: connection timed out, reconnecting")
			c.metrics.Disconnects.WithLabelValues("timeout").Inc()
			c.beginReconnect(now)
			return
		}
		if now.Sub(c.lastPingSent) >= c.cfg.ClientPingInterval {
			c.sendPing(now)
		}
	case StateReconnecting:
		if now.Before(c.nextReconnectAt) {
			return
		}
		if c.reconnectAttempt >= c.cfg.ClientMaxReconnectAttempts {
			c.logger.Warn().Msg("client: reconnect attempts exhausted, giving up")
			c.state = StateDisconnected
			c.running.Store(false)
			return
		}
		c.reconnectAttempt++
		c.sendReconnectRequest()
		c.nextReconnectAt = now.Add(c.reconnectDelay)
		c.reconnectDelay *= 2
		if c.reconnectDelay > c.cfg.ClientMaxReconnectDelay {
			c.reconnectDelay = c.cfg.ClientMaxReconnectDelay
		}
	}
}

func (c *Client) beginReconnect(now time.Time) {
	c.state = StateReconnecting
	c.reconnectAttempt = 0
	c.reconnectDelay = c.cfg.ClientInitialReconnectDelay
	c.nextReconnectAt = now
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Client) handleDatagram(data []byte, now time.Time) {
	pkt, err := wire.DecodePacket(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("client: malformed packet")
		c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		c.metrics.ErrorsTotal.WithLabelValues("malformed").Inc()
		c.fireError(fmt.Errorf("client: malformed packet: %w", err))
		return
	}
	c.metrics.PacketsReceived.Inc()
	c.metrics.BytesReceived.Add(float64(len(data)))

	switch p := pkt.Payload.(type) {
	case wire.ConnectAccept:
		c.handleConnectAccept(p, now)
	case wire.ConnectDeny:
		c.handleConnectDeny(p)
	case wire.SessionConfig:
		c.handleSessionConfig(pkt.Header, p, now)
	case wire.PacketTypeRegistry:
		c.handlePacketTypeRegistry(p, now)
	case wire.Pong:
		c.handlePong(p, now)
	case wire.DisconnectNotice:
		c.handleDisconnectNotice(now)
	case wire.GamePacket:
		c.handleGamePacket(pkt.Header, p, now)
	default:
		c.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
	}
}

func (c *Client) handleConnectAccept(p wire.ConnectAccept, now time.Time) {
	if c.state != StateConnecting && c.state != StateReconnecting {
		return
	}
	c.clientID = p.AssignedClientID
	c.reconnectToken = p.ReconnectToken
	c.state = StateConnected
	c.lastServerActive = now
	c.lastPingSent = now
	c.reconnectAttempt = 0
	c.reconnectDelay = c.cfg.ClientInitialReconnectDelay
	c.metrics.ConnectionsActive.Inc()
	c.logger.Info().Uint8("client_id", c.clientID).Msg("client: connected")
	if c.onConnect != nil {
		c.onConnect(c.clientID)
	}
}

func (c *Client) handleConnectDeny(p wire.ConnectDeny) {
	c.logger.Warn().Str("reason", p.Reason).Msg("client: connect request denied")
	c.metrics.ConnectionsDenied.WithLabelValues("denied").Inc()
	// A denied reconnect token is not retryable either; give up rather
	// than keep spending the backoff budget on a request the Host will
	// never accept.
	c.state = StateDisconnected
	if c.onDeny != nil {
		c.onDeny(p.Reason)
	}
}

// handleSessionConfig acknowledges every copy, including duplicates (so
// a lost ACK is still answered), but applies and reports a duplicate or
// stale sequence only once.
func (c *Client) handleSessionConfig(h wire.Header, p wire.SessionConfig, now time.Time) {
	c.lastServerActive = now
	c.ackSequence(h.SenderID, h.Sequence)
	if last, ok := c.lastAcceptedSeq[h.SenderID]; ok && h.Sequence != 0 && h.Sequence <= last {
		c.metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if h.Sequence != 0 {
		c.lastAcceptedSeq[h.SenderID] = h.Sequence
	}
	cfg := p
	c.sessionConfig = &cfg
	if c.onSessionConfig != nil {
		c.onSessionConfig(p)
	}
}

func (c *Client) handlePacketTypeRegistry(p wire.PacketTypeRegistry, now time.Time) {
	c.lastServerActive = now
	if c.onRegistry != nil {
		c.onRegistry(p.Entries)
	}
}

func (c *Client) handlePong(p wire.Pong, now time.Time) {
	c.lastServerActive = now
	var rtt time.Duration
	if p.OriginalTimestamp > 0 {
		sentAt := time.Unix(0, int64(p.OriginalTimestamp))
		rtt = now.Sub(sentAt)
		c.metrics.RoundTripLatency.Observe(rtt.Seconds())
	}
	if c.onPong != nil {
		c.onPong(rtt)
	}
}

func (c *Client) handleDisconnectNotice(now time.Time) {
	if c.stopping {
		return
	}
	c.logger.Warn().Msg("client: host disconnected")
	c.metrics.Disconnects.WithLabelValues("host_notice").Inc()
	c.beginReconnect(now)
}

// handleGamePacket rejects a duplicate or stale sequence and forwards
// everything else to the application handler, if any.
func (c *Client) handleGamePacket(h wire.Header, p wire.GamePacket, now time.Time) {
	c.lastServerActive = now
	if last, ok := c.lastAcceptedSeq[h.SenderID]; ok && h.Sequence != 0 && h.Sequence <= last {
		c.metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if h.Sequence != 0 {
		c.lastAcceptedSeq[h.SenderID] = h.Sequence
	}
	if c.onGamePacket != nil {
		c.onGamePacket(p)
	}
}

// fireError invokes the error callback, if installed. Used for
// conditions the event loop already logs and counts but cannot
// otherwise surface to the embedding application.
func (c *Client) fireError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Client) ackSequence(senderID uint8, sequence uint16) {
	c.sendToRelay(wire.Header{DestinationID: senderID}, wire.Ack{Sequences: []uint16{sequence}})
}

func (c *Client) sendPing(now time.Time) {
	ts := uint64(now.UnixNano())
	c.sendToRelay(wire.Header{DestinationID: 1}, wire.Ping{Timestamp: ts})
	c.lastPingSent = now
}

func (c *Client) sendConnectRequest() {
	c.sendToRelay(wire.Header{DestinationID: 1}, wire.ConnectRequest{
		ClientVersion:   wire.CurrentVersion,
		Name:            c.name,
		TargetSessionID: c.targetSessionID,
		GameIdentifier:  c.gameID,
	})
}

func (c *Client) sendReconnectRequest() {
	if c.clientID == 0 {
		c.sendConnectRequest()
		return
	}
	c.sendToRelay(wire.Header{DestinationID: 1}, wire.ReconnectRequest{
		PreviousClientID: c.clientID,
		Token:            c.reconnectToken,
	})
}

func (c *Client) sendToRelay(hdr wire.Header, payload wire.Payload) {
	hdr.SenderID = c.clientID
	c.sequence++
	hdr.Sequence = c.sequence
	data := wire.EncodePacket(hdr, payload)
	n, err := c.conn.WriteToUDP(data, c.relayAddr)
	if err != nil {
		c.logger.Debug().Err(err).Msg("client: send failed, treating as loss")
		c.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		return
	}
	c.metrics.PacketsSent.Inc()
	c.metrics.BytesSent.Add(float64(n))
}
