package relay

import (
	"net"
	"time"
)

// pendingClient is an endpoint waiting for the host to answer its
// CONNECT_REQUEST with CONNECT_ACCEPT or CONNECT_DENY.
type pendingClient struct {
	endpoint  *net.UDPAddr
	firstSeen time.Time
}

// session is one Host's view of the world as the Relay sees it: who
// the host is, which client ids map to which endpoints, and the FIFO
// of connect requests awaiting a decision.
//
// The wire format has no correlation id linking a CONNECT_REQUEST to
// the CONNECT_ACCEPT/DENY that answers it, so pendingQueue resolves
// that by processing order: the host answers connect requests in the
// order the Relay forwarded them.
type session struct {
	id           uint32
	hostEndpoint *net.UDPAddr
	clients      map[uint8]*net.UDPAddr
	pendingQueue []pendingClient
	lastActivity time.Time
}

func newSession(id uint32, hostEndpoint *net.UDPAddr, now time.Time) *session {
	return &session{
		id:           id,
		hostEndpoint: hostEndpoint,
		clients:      make(map[uint8]*net.UDPAddr),
		lastActivity: now,
	}
}

func (s *session) touch(now time.Time) { s.lastActivity = now }

func (s *session) isHost(addr *net.UDPAddr) bool {
	return s.hostEndpoint != nil && udpAddrEqual(s.hostEndpoint, addr)
}

// enqueuePending appends addr to the FIFO of endpoints awaiting a
// connect decision from the host.
func (s *session) enqueuePending(addr *net.UDPAddr, now time.Time) {
	s.pendingQueue = append(s.pendingQueue, pendingClient{endpoint: addr, firstSeen: now})
}

// dequeuePending pops the oldest pending endpoint, if any.
func (s *session) dequeuePending() (*net.UDPAddr, bool) {
	if len(s.pendingQueue) == 0 {
		return nil, false
	}
	head := s.pendingQueue[0]
	s.pendingQueue = s.pendingQueue[1:]
	return head.endpoint, true
}

// expirePending drops queued connect requests older than timeout,
// returning how many were dropped.
func (s *session) expirePending(now time.Time, timeout time.Duration) int {
	kept := s.pendingQueue[:0]
	dropped := 0
	for _, p := range s.pendingQueue {
		if now.Sub(p.firstSeen) > timeout {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	s.pendingQueue = kept
	return dropped
}

// clientByAddr finds the client id bound to addr, if any.
func (s *session) clientByAddr(addr *net.UDPAddr) (uint8, bool) {
	for id, a := range s.clients {
		if udpAddrEqual(a, addr) {
			return id, true
		}
	}
	return 0, false
}

// removeByAddr removes any client-id binding for addr, returning the
// id that was removed, if any.
func (s *session) removeByAddr(addr *net.UDPAddr) (uint8, bool) {
	id, ok := s.clientByAddr(addr)
	if ok {
		delete(s.clients, id)
	}
	return id, ok
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}
