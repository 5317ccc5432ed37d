package relay

import (
	"net"
	"time"
)

// PacketConn abstracts the UDP socket the Relay reads from and writes
// to, so the event loop can be driven by a fake in tests instead of a
// real kernel socket. *net.UDPConn satisfies this interface.
type PacketConn interface {
	ReadFromUDP(buf []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(buf []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

var _ PacketConn = (*net.UDPConn)(nil)
