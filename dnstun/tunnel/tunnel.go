// Package tunnel contains the forwarding core of go-dnstun: a single worker
// goroutine that polls the TUN device, a bounded set of in-flight upstream DNS
// sockets and a stop pipe, relays queries and replies through a PacketProxy,
// and reconnects with exponential backoff when a session dies.
package tunnel

import (
	"io"
	"net/netip"
)

// Resolver pairs the alias address clients send their queries to inside the
// tunnel with the real upstream server the query is relayed to.
type Resolver struct {
	// Alias is the address of the resolver as seen through the tunnel.
	Alias netip.Addr `json:"alias"`
	// Addr is the real upstream DNS server.
	Addr netip.Addr `json:"addr"`
}

// TunDevice is a virtual network interface carrying raw IP packets. Fd exposes
// the underlying descriptor so the worker can include the device in its poll
// set.
type TunDevice interface {
	io.ReadWriteCloser
	Fd() int
}

// Tunnel is an established session as returned by a Provisioner: the device
// plus the resolver layout configured on it.
type Tunnel struct {
	Device    TunDevice
	Resolvers []Resolver
}

// Provisioner establishes the virtual network interface. Provision must return
// an error when no upstream DNS servers are discoverable or the interface
// cannot be set up. The returned device is closed by the worker when the
// session ends.
type Provisioner interface {
	Provision() (*Tunnel, error)
}

// Protector excludes a freshly created upstream socket from the tunnel's own
// capture, so relayed queries do not loop back through the device.
type Protector interface {
	Protect(fd int) error
}

// ProtectorFunc adapts a function to the Protector interface.
type ProtectorFunc func(fd int) error

func (f ProtectorFunc) Protect(fd int) error { return f(fd) }

// PacketProxy inspects packets read from the device, decides which of them are
// DNS queries and builds the replies. It is the parsing/rewriting collaborator
// of the worker.
type PacketProxy interface {
	// HandleRequest receives one raw IP packet read from the device. It may
	// synchronously call Forwarder.ForwardUpstream at most once. Packets that
	// are not DNS queries for a known resolver alias are dropped silently.
	HandleRequest(packet []byte) error

	// HandleResponse receives the raw upstream reply for a query previously
	// handed to ForwardUpstream, together with the opaque request reference
	// that was registered with it. Implementations build the reply packet and
	// queue it for the device.
	HandleResponse(request any, response []byte)
}

// Forwarder is the half of the relay contract implemented by the core. A
// PacketProxy uses it to send queries upstream and to queue reply packets for
// the device.
type Forwarder interface {
	// ForwardUpstream opens a fresh protected UDP socket, sends payload to the
	// upstream server and, if request is non-nil, registers it to await the
	// reply. An unreachable or forbidden upstream ends the session; any other
	// failure is logged and the query dropped.
	ForwardUpstream(payload []byte, upstream netip.AddrPort, request any) error

	// QueueDeviceWrite appends one raw IP packet to the device write queue.
	QueueDeviceWrite(packet []byte)
}

// ProxyFactory builds the PacketProxy for one session, wired to the session's
// Forwarder and the resolver layout of the freshly provisioned tunnel.
type ProxyFactory func(fw Forwarder, resolvers []Resolver) PacketProxy

// Settings are the user preferences the worker reads once per session.
type Settings interface {
	WatchdogEnabled() bool
	IPv6Enabled() bool
}
