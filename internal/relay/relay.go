// Package relay implements a single-threaded, payload-agnostic packet
// router: session lifecycle, CONNECT handshake correlation,
// per-endpoint rate limiting, and periodic cleanup. It never decodes
// or mutates a game packet's bytes.
package relay

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
	"github.com/netem/netem/internal/ratelimit"
	"github.com/netem/netem/internal/wire"
)

// recentBinding remembers which session an endpoint last belonged to,
// so a RECONNECT_REQUEST — whose wire payload carries no session id —
// can still be routed to the right host.
type recentBinding struct {
	sessionID uint32
	seenAt    time.Time
}

// Relay routes datagrams between a session's host and its clients. All
// state is owned by the single goroutine that calls Run; there is no
// internal locking on the hot path.
type Relay struct {
	cfg     *config.RelayConfig
	conn    PacketConn
	logger  zerolog.Logger
	metrics *metrics.Registry
	limiter *ratelimit.Registry
	pool    *netutil.BufferPool

	sessions       map[uint32]*session
	pendingTotal   int
	recentBindings map[string]recentBinding

	lastCleanup time.Time
	running     atomic.Bool
}

// New builds a Relay bound to conn. conn is normally a *net.UDPConn
// listening on cfg.Addr; tests may substitute a fake PacketConn.
func New(cfg *config.RelayConfig, conn PacketConn, logger zerolog.Logger, m *metrics.Registry) *Relay {
	r := &Relay{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.With().Str("component", "relay").Logger(),
		metrics: m,
		limiter: ratelimit.New(ratelimit.Config{
			MaxPacketsPerSecond:    cfg.MaxPacketsPerSecond,
			TokenRefillInterval:    cfg.TokenRefillInterval,
			FloodThreshold:         cfg.FloodThreshold,
			FloodWindow:            cfg.FloodWindow,
			ThrottlePenaltyDivisor: cfg.ThrottlePenaltyDivisor,
			MaxEntries:             cfg.MaxRateLimiters,
			IdleTimeout:            cfg.RelayClientTimeout,
			FloodsDetected:         m.FloodsDetected,
		}),
		pool:           netutil.NewBufferPool(cfg.BufferSize, 16, 64),
		sessions:       make(map[uint32]*session),
		recentBindings: make(map[string]recentBinding),
	}
	r.running.Store(true)
	return r
}

// Close stops Run within one main-loop tick.
func (r *Relay) Close() {
	r.running.Store(false)
}

// Run drives the single receive-plus-tick event loop until ctx is
// canceled or Close is called. The only blocking call per iteration is
// the deadline-bounded socket read.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Str("addr", r.cfg.Addr).Msg("relay started")
	r.lastCleanup = time.Now()

	for r.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.Step(); err != nil {
			return err
		}
	}

	r.logger.Info().Msg("relay stopped")
	return nil
}

// Step runs exactly one iteration of the event loop: one
// deadline-bounded receive attempt, optional datagram handling, and a
// cleanup pass if the cleanup interval has elapsed. Run calls this in
// a loop; tests call it directly for deterministic, single-step
// control over the relay's single-threaded state machine.
func (r *Relay) Step() error {
	buf := r.pool.Get()
	defer r.pool.Put(buf)

	if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.RelayMainLoopSleep)); err != nil {
		return fmt.Errorf("relay: set read deadline: %w", err)
	}

	n, addr, err := r.conn.ReadFromUDP(buf)
	now := time.Now()

	switch {
	case err == nil:
		if r.pool.PossiblyTruncated(n) {
			r.logger.Warn().Str("addr", addr.String()).Int("n", n).Msg("relay: possibly truncated datagram, dropping")
			r.metrics.PacketsDropped.WithLabelValues("truncated").Inc()
		} else {
			r.handleDatagram(buf[:n], addr, now)
		}
	case isTimeout(err):
		// no datagram this tick; fall through to the cleanup check
	default:
		r.logger.Warn().Err(err).Msg("relay: read error")
		r.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
	}

	if now.Sub(r.lastCleanup) >= r.cfg.RelayCleanupInterval {
		r.cleanup(now)
		r.lastCleanup = now
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (r *Relay) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	key := addr.String()
	if !r.limiter.Allow(key, now) {
		r.metrics.RateLimitDenials.Inc()
		r.metrics.PacketsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	pkt, err := wire.DecodePacket(data)
	if err != nil {
		r.logger.Warn().Err(err).Str("addr", key).Msg("relay: malformed packet")
		r.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		r.metrics.ErrorsTotal.WithLabelValues("malformed").Inc()
		return
	}

	r.metrics.PacketsReceived.Inc()
	r.metrics.BytesReceived.Add(float64(len(data)))

	switch p := pkt.Payload.(type) {
	case wire.ConnectRequest:
		r.handleConnectRequest(pkt.Header, p, addr, data, now)
	case wire.ConnectAccept:
		r.handleConnectAccept(pkt.Header, p, addr, data, now)
	case wire.ConnectDeny:
		r.handleConnectDeny(pkt.Header, addr, data, now)
	case wire.SessionConfig:
		r.forwardHostToClient(pkt.Header, addr, data, now)
	case wire.PacketTypeRegistry:
		r.forwardHostToClient(pkt.Header, addr, data, now)
	case wire.Pong:
		r.forwardHostToClient(pkt.Header, addr, data, now)
	case wire.Ping:
		r.forwardClientToHost(addr, data, now)
	case wire.Ack:
		r.forwardByDestination(pkt.Header, addr, data, now)
	case wire.DisconnectNotice:
		r.handleDisconnectNotice(addr, data, now)
	case wire.ReconnectRequest:
		r.forwardClientToHost(addr, data, now)
	case wire.GamePacket:
		r.handleGamePacket(pkt.Header, addr, data, now)
	default:
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
	}
}

// handleConnectRequest forwards to the named session's host and queues
// the source endpoint as pending its decision.
func (r *Relay) handleConnectRequest(h wire.Header, p wire.ConnectRequest, addr *net.UDPAddr, data []byte, now time.Time) {
	s, ok := r.sessions[p.TargetSessionID]
	if !ok {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}

	// Session capacity is the Host's call, not the Relay's: the Relay
	// forwards every CONNECT_REQUEST regardless of how many clients it
	// currently sees in the session, so a full session still gets back
	// an explicit CONNECT_DENY("session full") from the Host instead of
	// silent packet loss.
	if r.pendingTotal >= r.cfg.MaxPendingConnections {
		r.metrics.PacketsDropped.WithLabelValues("pending_connections_full").Inc()
		return
	}

	s.enqueuePending(addr, now)
	r.pendingTotal++
	s.touch(now)
	r.sendTo(s.hostEndpoint, data)
}

// handleConnectAccept either registers a new host (a self-addressed
// accept for an unknown session creates it) or forwards the accept to
// the oldest endpoint awaiting a decision and installs it under the
// newly assigned id.
func (r *Relay) handleConnectAccept(h wire.Header, p wire.ConnectAccept, addr *net.UDPAddr, data []byte, now time.Time) {
	s, ok := r.sessions[p.SessionID]
	if !ok {
		if h.SenderID == 1 && h.DestinationID == 1 && p.AssignedClientID == 1 {
			r.registerHost(p.SessionID, addr, now)
		} else {
			r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		}
		return
	}

	if !s.isHost(addr) {
		r.logger.Warn().Str("addr", addr.String()).Uint32("session_id", s.id).Msg("relay: CONNECT_ACCEPT from non-host endpoint")
		r.metrics.PacketsDropped.WithLabelValues("not_host").Inc()
		return
	}

	// A self-addressed CONNECT_ACCEPT against an already-registered
	// session is a registration heartbeat, not a real admission
	// decision: just keep the session alive.
	if h.SenderID == 1 && h.DestinationID == 1 {
		s.touch(now)
		return
	}

	target, ok := s.dequeuePending()
	if !ok {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	r.pendingTotal--

	s.clients[p.AssignedClientID] = target
	s.touch(now)
	r.recentBindings[target.String()] = recentBinding{sessionID: s.id, seenAt: now}
	r.metrics.ConnectionsAccepted.Inc()
	r.metrics.ConnectionsActive.Inc()
	r.sendTo(target, data)
}

// registerHost creates a session the first time its host announces
// itself; see handleConnectAccept's doc comment for the wire-level
// rationale.
func (r *Relay) registerHost(sessionID uint32, addr *net.UDPAddr, now time.Time) {
	if len(r.sessions) >= r.cfg.MaxTotalConnections {
		r.logger.Warn().Uint32("session_id", sessionID).Msg("relay: max_total_connections reached, refusing host registration")
		return
	}

	s := newSession(sessionID, addr, now)
	s.clients[1] = addr
	r.sessions[sessionID] = s
	r.recentBindings[addr.String()] = recentBinding{sessionID: sessionID, seenAt: now}
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Info().Uint32("session_id", sessionID).Str("host", addr.String()).Msg("relay: session registered")
}

func (r *Relay) handleConnectDeny(h wire.Header, addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionHostedBy(addr)
	if s == nil {
		r.metrics.PacketsDropped.WithLabelValues("not_host").Inc()
		return
	}

	target, ok := s.dequeuePending()
	if !ok {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	r.pendingTotal--
	s.touch(now)
	r.metrics.ConnectionsDenied.WithLabelValues("application").Inc()
	r.sendTo(target, data)
}

// forwardHostToClient routes SESSION_CONFIG, PACKET_TYPE_REGISTRY, and
// PONG, which always travel host -> client.
func (r *Relay) forwardHostToClient(h wire.Header, addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionHostedBy(addr)
	if s == nil {
		r.metrics.PacketsDropped.WithLabelValues("not_host").Inc()
		return
	}
	s.touch(now)

	target, ok := s.clients[h.DestinationID]
	if !ok {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	r.sendTo(target, data)
}

// forwardClientToHost routes PING and RECONNECT_REQUEST, which always
// travel client -> host, resolving the destination session from
// either a live client binding or the recent-bindings index (needed
// for RECONNECT_REQUEST, whose payload carries no session id).
func (r *Relay) forwardClientToHost(addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionForEndpoint(addr, now)
	if s == nil {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	s.touch(now)
	r.sendTo(s.hostEndpoint, data)
}

// forwardByDestination routes ACK, which may travel in either
// direction: resolve the sender's session, then forward by the
// header's destination_id within it.
func (r *Relay) forwardByDestination(h wire.Header, addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionForEndpoint(addr, now)
	if s == nil {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	s.touch(now)
	r.routeWithinSession(s, h.DestinationID, addr, data)
}

// handleGamePacket forwards an opaque packet (type >= 0x10) without
// ever decoding it further.
func (r *Relay) handleGamePacket(h wire.Header, addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionForEndpoint(addr, now)
	if s == nil {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	s.touch(now)

	if h.DestinationID == 0 {
		r.broadcastWithinSession(s, addr, data)
		return
	}
	r.routeWithinSession(s, h.DestinationID, addr, data)
}

// handleDisconnectNotice removes the sender from its session, forwards
// the notice to the remaining participants, and tears the session down
// if the sender was its host.
func (r *Relay) handleDisconnectNotice(addr *net.UDPAddr, data []byte, now time.Time) {
	s := r.sessionForEndpoint(addr, now)
	if s == nil {
		return
	}

	wasHost := s.isHost(addr)
	if !wasHost {
		if id, ok := s.removeByAddr(addr); ok {
			delete(r.recentBindings, addr.String())
			_ = id
			r.metrics.ConnectionsActive.Dec()
			r.metrics.Disconnects.WithLabelValues("notice").Inc()
		}
	}

	for id, endpoint := range s.clients {
		if udpAddrEqual(endpoint, addr) {
			continue
		}
		_ = id
		r.sendTo(endpoint, data)
	}
	if !wasHost && !udpAddrEqual(s.hostEndpoint, addr) {
		r.sendTo(s.hostEndpoint, data)
	}

	if wasHost {
		r.destroySession(s)
	}
}

// routeWithinSession forwards data to the single session participant
// bound to destinationID (1 = host, 2+ = a specific client), dropping
// if no such binding exists.
func (r *Relay) routeWithinSession(s *session, destinationID uint8, sender *net.UDPAddr, data []byte) {
	if destinationID == 1 {
		if udpAddrEqual(s.hostEndpoint, sender) {
			r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
			return
		}
		r.sendTo(s.hostEndpoint, data)
		return
	}

	target, ok := s.clients[destinationID]
	if !ok || udpAddrEqual(target, sender) {
		r.metrics.PacketsDropped.WithLabelValues("routing_unknown").Inc()
		return
	}
	r.sendTo(target, data)
}

// broadcastWithinSession forwards data to every session participant
// except sender.
func (r *Relay) broadcastWithinSession(s *session, sender *net.UDPAddr, data []byte) {
	if !udpAddrEqual(s.hostEndpoint, sender) {
		r.sendTo(s.hostEndpoint, data)
	}
	for _, endpoint := range s.clients {
		if udpAddrEqual(endpoint, sender) {
			continue
		}
		r.sendTo(endpoint, data)
	}
}

// sessionHostedBy returns the session addr is the host of, or nil.
func (r *Relay) sessionHostedBy(addr *net.UDPAddr) *session {
	for _, s := range r.sessions {
		if s.isHost(addr) {
			return s
		}
	}
	return nil
}

// sessionForEndpoint resolves addr to a session either through a live
// client/host binding or, failing that, the recent-bindings index
// (needed by RECONNECT_REQUEST, whose payload has no session id).
func (r *Relay) sessionForEndpoint(addr *net.UDPAddr, now time.Time) *session {
	for _, s := range r.sessions {
		if s.isHost(addr) {
			return s
		}
		if _, ok := s.clientByAddr(addr); ok {
			return s
		}
	}
	if rb, ok := r.recentBindings[addr.String()]; ok {
		if now.Sub(rb.seenAt) <= r.cfg.RelayClientTimeout {
			if s, ok := r.sessions[rb.sessionID]; ok {
				return s
			}
		}
	}
	return nil
}

// notifyClientsOfHostTimeout synthesizes a DISCONNECT_NOTICE on the
// host's behalf when its session goes idle past RelayClientTimeout,
// since a timed-out host never sends one itself. Without this, a
// session left to idle out would tear down silently and clients would
// have to discover the host's absence only by their own ping timeout.
func (r *Relay) notifyClientsOfHostTimeout(s *session) {
	notice := wire.EncodePacket(wire.Header{SenderID: 1, DestinationID: 0}, wire.DisconnectNotice{})
	for id, endpoint := range s.clients {
		if id == 1 {
			continue
		}
		r.sendTo(endpoint, notice)
	}
}

func (r *Relay) destroySession(s *session) {
	for _, endpoint := range s.clients {
		delete(r.recentBindings, endpoint.String())
	}
	r.pendingTotal -= len(s.pendingQueue)
	delete(r.sessions, s.id)
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Info().Uint32("session_id", s.id).Msg("relay: session destroyed")
}

// sendTo writes data to addr. Send errors are logged and treated as
// packet loss, never as a reason to block or retry.
func (r *Relay) sendTo(addr *net.UDPAddr, data []byte) {
	n, err := r.conn.WriteToUDP(data, addr)
	if err != nil {
		r.logger.Debug().Err(err).Str("addr", addr.String()).Msg("relay: send failed, treating as loss")
		r.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
		return
	}
	r.metrics.PacketsSent.Inc()
	r.metrics.BytesSent.Add(float64(n))
}

// cleanup runs the periodic maintenance pass:
// expire idle sessions, expire stale pending connect requests, and
// evict idle rate-limiter entries.
func (r *Relay) cleanup(now time.Time) {
	for _, s := range r.sessions {
		if now.Sub(s.lastActivity) > r.cfg.RelayClientTimeout {
			r.notifyClientsOfHostTimeout(s)
			r.destroySession(s)
			continue
		}
		dropped := s.expirePending(now, r.cfg.RelayPendingConnectionTimeout)
		r.pendingTotal -= dropped
	}

	for addr, rb := range r.recentBindings {
		if now.Sub(rb.seenAt) > r.cfg.RelayClientTimeout {
			delete(r.recentBindings, addr)
		}
	}

	evicted := r.limiter.Cleanup(now)
	if evicted > 0 {
		r.logger.Debug().Int("evicted", evicted).Msg("relay: evicted idle rate limiters")
	}
	r.metrics.RateLimiterEntries.Set(float64(r.limiter.Size()))
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
}
