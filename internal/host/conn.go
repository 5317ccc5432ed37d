package host

import (
	"net"
	"time"
)

// PacketConn abstracts the UDP socket the Host uses to talk to its
// Relay, mirroring internal/relay.PacketConn so tests can drive the
// event loop with a fake. *net.UDPConn satisfies this interface.
type PacketConn interface {
	ReadFromUDP(buf []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

var _ PacketConn = (*net.UDPConn)(nil)
