package tundev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultMark is the fwmark applied to protected sockets. An "ip rule" for
// this mark keeps upstream queries on the physical interface instead of
// looping them back through the tunnel.
const DefaultMark = 0x6e73 // "ns"

// Protector marks upstream sockets so routing policy can steer them around
// the tunnel. It implements tunnel.Protector.
type Protector struct {
	Mark int
}

func NewProtector() Protector {
	return Protector{Mark: DefaultMark}
}

// Protect sets the fwmark on fd. Requires CAP_NET_ADMIN, which the daemon
// already needs to create the TUN device.
func (p Protector) Protect(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, p.Mark); err != nil {
		return fmt.Errorf("Protect: could not set fwmark on fd %d: %w", fd, err)
	}
	return nil
}
