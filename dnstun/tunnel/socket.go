package tunnel

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// replyBufferSize is the receive buffer for one upstream DNS reply datagram.
const replyBufferSize = 1024

// udpSocket is a raw UDP socket used for exactly one upstream exchange. Raw
// descriptors keep the poll set cheap to build: one fd per in-flight query,
// no net.Conn bookkeeping.
type udpSocket struct {
	fd int
}

// openProtectedSocket creates a UDP socket for the address family of upstream
// and runs it through the protector before anything is sent, so the query does
// not get captured by the tunnel again.
func openProtectedSocket(p Protector, upstream netip.AddrPort) (*udpSocket, error) {
	family := unix.AF_INET
	if upstream.Addr().Is6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("openProtectedSocket: socket failed: %w", err)
	}
	if p != nil {
		if err := p.Protect(fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("openProtectedSocket: could not protect socket: %w", err)
		}
	}
	return &udpSocket{fd: fd}, nil
}

func sockaddrOf(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is6() {
		return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
}

func (s *udpSocket) Fd() int { return s.fd }

// Send transmits one datagram to the upstream server.
func (s *udpSocket) Send(p []byte, to netip.AddrPort) error {
	return unix.Sendto(s.fd, p, 0, sockaddrOf(to))
}

// Receive reads one reply datagram. The socket is ready when this is called,
// so the read does not block.
func (s *udpSocket) Receive(p []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, p, 0)
	return n, err
}

func (s *udpSocket) Close() error {
	return unix.Close(s.fd)
}

// sendProbe fires a single empty datagram at the watchdog target through a
// short-lived protected socket. An unreachable target surfaces here as a send
// error.
func sendProbe(p Protector, target netip.AddrPort) error {
	sock, err := openProtectedSocket(p, target)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := sock.Send(nil, target); err != nil {
		return fmt.Errorf("sendProbe: could not send to %s: %w", target, err)
	}
	return nil
}
