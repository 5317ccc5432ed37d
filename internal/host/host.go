// Package host implements the session-authority role: admission
// control, client identifier allocation, reconnection tokens, reliable
// SESSION_CONFIG delivery, and keepalive handling. A Host always holds
// client id 1 and talks to exactly one Relay.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netem/netem/internal/config"
	"github.com/netem/netem/internal/metrics"
	"github.com/netem/netem/internal/netutil"
	"github.com/netem/netem/internal/wire"
)

// registrationHeartbeatInterval is how often the Host re-announces
// itself to the Relay so the session survives relay_client_timeout
// even while no client traffic is flowing. See internal/relay's
// handling of a self-addressed CONNECT_ACCEPT against an
// already-registered session.
const registrationHeartbeatInterval = 10 * time.Second

// AdmissionHook lets the embedding application veto a CONNECT_REQUEST
// that has already passed session, game, and capacity checks, as the
// last step of the admission tie-break. The Host only ever sees
// a client's traffic relayed through its single Relay connection, so
// the hook has no raw endpoint to inspect beyond the request itself.
type AdmissionHook func(req wire.ConnectRequest) (accept bool, denyReason string)

// ConnectHandler is invoked when a client is admitted, whether by a
// fresh CONNECT_REQUEST or a reconnect that resumes a previous
// identity.
type ConnectHandler func(clientID uint8, name string, sessionID uint32)

// DenyHandler is invoked whenever the Host denies a connect or
// reconnect attempt, for any reason.
type DenyHandler func(reason string)

// DisconnectHandler is invoked when a connected client sends
// DISCONNECT_NOTICE.
type DisconnectHandler func(clientID uint8)

// PingHandler is invoked for every PING received from a client, before
// the Host replies with PONG.
type PingHandler func(clientID uint8, timestamp uint64)

// ErrorHandler is invoked for malformed packets and transport errors
// that the event loop absorbs rather than propagating.
type ErrorHandler func(err error)

// Host is the session authority for one game session. All state is
// owned by the single goroutine driving Run; there is no locking on
// the hot path.
type Host struct {
	cfg       *config.HostConfig
	conn      PacketConn
	relayAddr *net.UDPAddr
	logger    zerolog.Logger
	metrics   *metrics.Registry
	pool      *netutil.BufferPool

	admissionHook AdmissionHook
	registry      []wire.RegistryEntry

	onConnect    ConnectHandler
	onDeny       DenyHandler
	onDisconnect DisconnectHandler
	onPing       PingHandler
	onError      ErrorHandler

	state    State
	sequence uint16

	clients map[uint8]*ClientInfo
	acks    *ackRegistry

	lastHeartbeat time.Time
	lastAckSweep  time.Time

	running atomic.Bool
}

// New builds a Host. relayAddr is resolved once at construction time;
// conn is normally a *net.UDPConn, with a fake substituted in tests.
func New(cfg *config.HostConfig, conn PacketConn, relayAddr *net.UDPAddr, logger zerolog.Logger, m *metrics.Registry) *Host {
	h := &Host{
		cfg:       cfg,
		conn:      conn,
		relayAddr: relayAddr,
		logger:    logger.With().Str("component", "host").Logger(),
		metrics:   m,
		pool:      netutil.NewBufferPool(cfg.BufferSize, 16, 64),
		state:     StateIdle,
		clients:   make(map[uint8]*ClientInfo),
		acks:      newAckRegistry(),

		lastHeartbeat: time.Now(),
	}
	h.running.Store(true)
	return h
}

// SetAdmissionHook installs an application-defined veto for otherwise
// admissible connections.
func (h *Host) SetAdmissionHook(hook AdmissionHook) { h.admissionHook = hook }

// SetPacketTypeRegistry configures the PACKET_TYPE_REGISTRY entries
// sent to a client immediately after SESSION_CONFIG, best-effort.
func (h *Host) SetPacketTypeRegistry(entries []wire.RegistryEntry) { h.registry = entries }

// SetConnectCallback installs the callback invoked on every admitted
// client, fresh or reconnecting.
func (h *Host) SetConnectCallback(cb ConnectHandler) { h.onConnect = cb }

// SetDenyCallback installs the callback invoked on every denied
// connect or reconnect attempt.
func (h *Host) SetDenyCallback(cb DenyHandler) { h.onDeny = cb }

// SetDisconnectCallback installs the callback invoked when a client
// sends DISCONNECT_NOTICE.
func (h *Host) SetDisconnectCallback(cb DisconnectHandler) { h.onDisconnect = cb }

// SetPingCallback installs the callback invoked for every PING
// received from a client.
func (h *Host) SetPingCallback(cb PingHandler) { h.onPing = cb }

// SetErrorCallback installs the callback invoked for malformed
// packets and transport errors the event loop otherwise just logs.
func (h *Host) SetErrorCallback(cb ErrorHandler) { h.onError = cb }

// State reports the Host's current lifecycle state.
func (h *Host) State() State { return h.state }

// Close requests the event loop stop within one tick.
func (h *Host) Close() { h.running.Store(false) }

// Run drives the registration-then-serve event loop until ctx is
// canceled or Close is called.
func (h *Host) Run(ctx context.Context) error {
	h.state = StateRegistering
	h.logger.Info().Str("relay", h.relayAddr.String()).Msg("host starting")

	now := time.Now()
	h.sendRegistration(now)
	h.lastHeartbeat = now
	h.lastAckSweep = now
	h.state = StateRunning

	for h.running.Load() {
		select {
		case <-ctx.Done():
			h.state = StateStopping
			h.shutdown()
			h.state = StateStopped
			return ctx.Err()
		default:
		}

		if err := h.Step(); err != nil {
			h.state = StateFailed
			return err
		}
	}

	h.state = StateStopping
	h.shutdown()
	h.state = StateStopped
	h.logger.Info().Msg("host stopped")
	return nil
}

// Step runs one iteration: a deadline-bounded receive, optional
// datagram handling, and the periodic heartbeat/ACK-retry checks. Run
// calls this in a loop; tests call it directly.
func (h *Host) Step() error {
	buf := h.pool.Get()
	defer h.pool.Put(buf)

	if err := h.conn.SetReadDeadline(time.Now().Add(h.cfg.HostLoopSleep)); err != nil {
		return fmt.Errorf("host: set read deadline: %w", err)
	}

	n, _, err := h.conn.ReadFromUDP(buf)
	now := time.Now()

	switch {
	case err == nil:
		if h.pool.PossiblyTruncated(n) {
			h.logger.Warn().Int("n", n).Msg("host: possibly truncated datagram, dropping")
			h.metrics.PacketsDropped.WithLabelValues("truncated").Inc()
		} else {
			h.handleDatagram(buf[:n], now)
		}
	case isTimeout(err):
		// no datagram this tick
	default:
		h.logger.Warn().Err(err).Msg("host: read error")
		h.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		h.fireError(fmt.Errorf("host: read error: %w", err))
	}

	if now.Sub(h.lastHeartbeat) >= registrationHeartbeatInterval {
		h.sendRegistration(now)
		h.lastHeartbeat = now
	}
	if now.Sub(h.lastAckSweep) >= h.cfg.HostAckTimeout {
		h.sweepAcks(now)
		h.sweepDisconnectedClients(now)
		h.lastAckSweep = now
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (h *Host) handleDatagram(data []byte, now time.Time) {
	pkt, err := wire.DecodePacket(data)
	if err != nil {
		h.logger.Warn().Err(err).Msg("host: malformed packet")
		h.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		h.metrics.ErrorsTotal.WithLabelValues("malformed").Inc()
		h.fireError(fmt.Errorf("host: malformed packet: %w", err))
		return
	}
	h.metrics.PacketsReceived.Inc()
	h.metrics.BytesReceived.Add(float64(len(data)))

	switch p := pkt.Payload.(type) {
	case wire.ConnectRequest:
		h.handleConnectRequest(p, now)
	case wire.ReconnectRequest:
		h.handleReconnectRequest(p, now)
	case wire.Ping:
		h.handlePing(pkt.Header, p, now)
	case wire.Ack:
		h.handleAck(pkt.Header, p)
	case wire.DisconnectNotice:
		h.handleDisconnectNotice(pkt.Header, now)
	case wire.GamePacket:
		// Opaque application traffic; the embedding application is
		// expected to read it via its own receive path, not here.
	default:
		h.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
	}
}

// handleConnectRequest runs the four-step admission tie-break: target
// session, game identifier, capacity, then the optional application
// hook.
func (h *Host) handleConnectRequest(req wire.ConnectRequest, now time.Time) {
	if req.TargetSessionID != h.cfg.SessionID {
		h.sendDeny("session mismatch")
		h.metrics.ConnectionsDenied.WithLabelValues("session_mismatch").Inc()
		return
	}
	if h.cfg.GameID != 0 && req.GameIdentifier != 0 && req.GameIdentifier != h.cfg.GameID {
		h.sendDeny("game mismatch")
		h.metrics.ConnectionsDenied.WithLabelValues("game_mismatch").Inc()
		return
	}
	if len(h.clients) >= h.cfg.MaxClientsPerSession {
		h.sendDeny("session full")
		h.metrics.ConnectionsDenied.WithLabelValues("full").Inc()
		return
	}
	if h.admissionHook != nil {
		if accept, reason := h.admissionHook(req); !accept {
			h.sendDeny(reason)
			h.metrics.ConnectionsDenied.WithLabelValues("application").Inc()
			return
		}
	}

	clientID, ok := h.allocateClientID()
	if !ok {
		h.sendDeny("no client ids available")
		h.metrics.ConnectionsDenied.WithLabelValues("full").Inc()
		return
	}

	token := newReconnectToken()
	h.clients[clientID] = &ClientInfo{
		ClientID:       clientID,
		Name:           req.Name,
		ReconnectToken: token,
		LastPing:       now,
		ConnectedAt:    now,
	}

	h.send(wire.Header{DestinationID: 0}, wire.ConnectAccept{AssignedClientID: clientID, SessionID: h.cfg.SessionID, ReconnectToken: token})
	h.metrics.ConnectionsAccepted.Inc()
	h.metrics.ConnectionsActive.Inc()
	if h.onConnect != nil {
		h.onConnect(clientID, req.Name, h.cfg.SessionID)
	}

	h.sendReliableSessionConfig(clientID, now)
	if len(h.registry) > 0 {
		h.send(wire.Header{SenderID: 1, DestinationID: clientID}, wire.PacketTypeRegistry{Entries: h.registry})
	}
}

// allocateClientID returns the lowest unused id in [2, 254].
func (h *Host) allocateClientID() (uint8, bool) {
	for id := uint8(2); id < 255; id++ {
		if _, taken := h.clients[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func newReconnectToken() [16]byte {
	return [16]byte(uuid.New())
}

// handleReconnectRequest restores a previous identity if its token
// matches a live client, or one disconnected within
// host_session_token_timeout of the moment it disconnected; otherwise
// the request is treated as a fresh CONNECT_REQUEST and runs the
// normal admission tie-break, which may assign a new client id.
func (h *Host) handleReconnectRequest(req wire.ReconnectRequest, now time.Time) {
	if client, ok := h.clients[req.PreviousClientID]; ok &&
		client.ReconnectToken == req.Token &&
		(!client.Disconnected || now.Sub(client.DisconnectedAt) <= h.cfg.HostSessionTokenTimeout) {
		client.Disconnected = false
		client.LastPing = now
		h.send(wire.Header{DestinationID: 0}, wire.ConnectAccept{AssignedClientID: req.PreviousClientID, SessionID: h.cfg.SessionID, ReconnectToken: client.ReconnectToken})
		h.metrics.ConnectionsAccepted.Inc()
		if h.onConnect != nil {
			h.onConnect(req.PreviousClientID, client.Name, h.cfg.SessionID)
		}
		h.sendReliableSessionConfig(req.PreviousClientID, now)
		return
	}

	h.handleConnectRequest(wire.ConnectRequest{
		ClientVersion:   wire.CurrentVersion,
		TargetSessionID: h.cfg.SessionID,
	}, now)
}

func (h *Host) handlePing(hdr wire.Header, p wire.Ping, now time.Time) {
	if client, ok := h.clients[hdr.SenderID]; ok {
		client.LastPing = now
	}
	if h.onPing != nil {
		h.onPing(hdr.SenderID, p.Timestamp)
	}
	h.send(wire.Header{SenderID: 1, DestinationID: hdr.SenderID}, wire.Pong{OriginalTimestamp: p.Timestamp})
}

func (h *Host) handleAck(hdr wire.Header, p wire.Ack) {
	for _, seq := range p.Sequences {
		h.acks.ack(hdr.SenderID, seq)
	}
}

// handleDisconnectNotice marks the sender disconnected rather than
// forgetting it outright, so a RECONNECT_REQUEST arriving within
// host_session_token_timeout can still reuse its client id.
func (h *Host) handleDisconnectNotice(hdr wire.Header, now time.Time) {
	if client, ok := h.clients[hdr.SenderID]; ok && !client.Disconnected {
		client.Disconnected = true
		client.DisconnectedAt = now
		h.acks.dropClient(hdr.SenderID)
		h.metrics.ConnectionsActive.Dec()
		h.metrics.Disconnects.WithLabelValues("notice").Inc()
		if h.onDisconnect != nil {
			h.onDisconnect(hdr.SenderID)
		}
	}
}

// sweepDisconnectedClients drops ClientInfo records kept past
// host_session_token_timeout after a disconnect, freeing their client
// id for a later CONNECT_REQUEST.
func (h *Host) sweepDisconnectedClients(now time.Time) {
	for id, c := range h.clients {
		if c.Disconnected && now.Sub(c.DisconnectedAt) > h.cfg.HostSessionTokenTimeout {
			delete(h.clients, id)
			h.acks.dropClient(id)
		}
	}
}

// sendReliableSessionConfig sends SESSION_CONFIG to clientID and
// registers it with the ACK tracker for retry.
func (h *Host) sendReliableSessionConfig(clientID uint8, now time.Time) {
	h.sequence++
	hdr := wire.Header{SenderID: 1, DestinationID: clientID, Sequence: h.sequence}
	payload := wire.SessionConfig{Version: wire.CurrentVersion, TickRate: h.cfg.TickRate, MaxPacketSize: h.cfg.MaxPacketSize}
	data := wire.EncodePacket(hdr, payload)
	h.writeToRelay(data)
	h.acks.track(clientID, h.sequence, data, now)
}

// sweepAcks resends any SESSION_CONFIG still unacknowledged after
// host_ack_timeout, up to host_max_ack_retries. Beyond that the tracker
// is dropped and the failure is logged and counted; the client record
// is left as it is and no callback is invoked.
func (h *Host) sweepAcks(now time.Time) {
	toResend, expired := h.acks.sweep(now, h.cfg.HostAckTimeout, h.cfg.HostMaxAckRetries)
	for _, r := range toResend {
		h.writeToRelay(r.tracker.packet)
		h.metrics.PacketsRetried.Inc()
	}
	for _, e := range expired {
		h.logger.Warn().Uint8("client_id", e.key.clientID).Uint16("sequence", e.key.sequence).Msg("host: giving up on unacknowledged reliable send")
		h.metrics.ErrorsTotal.WithLabelValues("ack_timeout").Inc()
	}
}

func (h *Host) sendDeny(reason string) {
	h.send(wire.Header{DestinationID: 0}, wire.ConnectDeny{Reason: reason})
	if h.onDeny != nil {
		h.onDeny(reason)
	}
}

// fireError invokes the error callback, if installed. Used for
// conditions the event loop already logs and counts but cannot
// otherwise surface to the embedding application.
func (h *Host) fireError(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}

// send encodes payload with a fresh sequence number (for anything that
// isn't already tracked for retry) and writes it to the Relay.
func (h *Host) send(hdr wire.Header, payload wire.Payload) {
	hdr.SenderID = 1
	if hdr.Sequence == 0 {
		h.sequence++
		hdr.Sequence = h.sequence
	}
	h.writeToRelay(wire.EncodePacket(hdr, payload))
}

func (h *Host) writeToRelay(data []byte) {
	n, err := h.conn.WriteToUDP(data, h.relayAddr)
	if err != nil {
		h.logger.Debug().Err(err).Msg("host: send failed, treating as loss")
		h.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		return
	}
	h.metrics.PacketsSent.Inc()
	h.metrics.BytesSent.Add(float64(n))
}

// sendRegistration announces (or re-announces) this session to the
// Relay via a self-addressed CONNECT_ACCEPT; see
// internal/relay.Relay.handleConnectAccept for the receiving side.
func (h *Host) sendRegistration(now time.Time) {
	hdr := wire.Header{SenderID: 1, DestinationID: 1}
	data := wire.EncodePacket(hdr, wire.ConnectAccept{AssignedClientID: 1, SessionID: h.cfg.SessionID})
	h.writeToRelay(data)
}

// shutdown notifies every connected client and the Relay that this
// session is ending.
func (h *Host) shutdown() {
	notice := wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.DisconnectNotice{})
	h.writeToRelay(notice)
}
