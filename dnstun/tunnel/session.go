package tunnel

import (
	"errors"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// deviceBufferSize fits the largest possible single IP packet read from the
// device.
const deviceBufferSize = 32767

// session is one established tunnel run by the worker: the poll loop over the
// device, the stop pipe and every in-flight upstream socket. All session state
// is owned by the worker goroutine; nothing here locks.
type session struct {
	device    TunDevice
	proxy     PacketProxy
	protector Protector

	waiting queryRegistry
	writes  packetQueue
	wdog    watchdog

	// blockFd is the read end of the stop pipe. The worker closes the write
	// end to make poll(2) report the pipe and stop the loop.
	blockFd int

	readBuffer []byte
}

func newSession(device TunDevice, protector Protector, blockFd int) *session {
	return &session{
		device:     device,
		protector:  protector,
		blockFd:    blockFd,
		readBuffer: make([]byte, deviceBufferSize),
	}
}

// run forwards packets until the stop pipe closes (returns nil) or an error
// ends the session.
func (s *session) run() error {
	for {
		again, err := s.tick()
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// tick executes one pass of the multiplexer: build the poll set, wait, then
// handle readiness in a fixed order. Ready upstream sockets are always drained
// before any device I/O, because a device read can insert new registry entries
// and would desynchronize the indices computed for this poll pass.
func (s *session) tick() (bool, error) {
	queryFds := s.waiting.fds()

	pollFds := make([]unix.PollFd, 2+len(queryFds))
	pollFds[0] = unix.PollFd{Fd: int32(s.device.Fd()), Events: unix.POLLIN}
	if !s.writes.empty() {
		pollFds[0].Events |= unix.POLLOUT
	}
	pollFds[1] = unix.PollFd{Fd: int32(s.blockFd), Events: unix.POLLHUP | unix.POLLERR}
	for i, fd := range queryFds {
		pollFds[2+i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	log.Tracef("polling %d file descriptors", len(pollFds))
	n, err := unix.Poll(pollFds, s.wdog.pollTimeout())
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return true, nil
		}
		return false, networkErrorf("poll failed: %w", err)
	}
	if n == 0 {
		return true, s.wdog.handleTimeout()
	}
	if pollFds[1].Revents != 0 {
		log.Info("told to stop the tunnel")
		return false, nil
	}

	s.handleReplies(pollFds[2:])
	if pollFds[0].Revents&unix.POLLOUT != 0 {
		if err := s.writeToDevice(); err != nil {
			return false, err
		}
	}
	if pollFds[0].Revents&unix.POLLIN != 0 {
		if err := s.readFromDevice(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// handleReplies drains every ready upstream socket: one reply datagram each,
// closed exactly once, then handed to the proxy which queues the rewritten
// packet for the device. Per-query read errors only drop that query.
func (s *session) handleReplies(queryPolls []unix.PollFd) {
	ready := s.waiting.takeReady(func(i int) bool {
		return queryPolls[i].Revents&unix.POLLIN != 0
	})
	for _, q := range ready {
		buffer := make([]byte, replyBufferSize)
		n, err := q.socket.Receive(buffer)
		if closeErr := q.socket.Close(); closeErr != nil {
			log.Warnf("could not close upstream socket: %v", closeErr)
		}
		if err != nil {
			log.Warnf("could not receive upstream reply: %v", err)
			continue
		}
		s.wdog.markAlive()
		s.proxy.HandleResponse(q.request, buffer[:n])
	}
}

// writeToDevice pops one queued packet and writes it to the device. A write
// error means the device output is gone, which ends the session.
func (s *session) writeToDevice() error {
	packet := s.writes.pop()
	if packet == nil {
		return nil
	}
	if _, err := s.device.Write(packet); err != nil {
		return networkErrorf("outgoing tunnel device stream closed: %w", err)
	}
	return nil
}

// readFromDevice reads up to one packet from the device and hands it to the
// watchdog and the proxy. Empty reads happen and are not an error.
func (s *session) readFromDevice() error {
	n, err := s.device.Read(s.readBuffer)
	if err != nil {
		return networkErrorf("cannot read from tunnel device: %w", err)
	}
	if n == 0 {
		log.Warn("got empty packet from the device")
		return nil
	}
	packet := make([]byte, n)
	copy(packet, s.readBuffer[:n])

	s.wdog.handlePacket(packet)
	return s.proxy.HandleRequest(packet)
}

// ForwardUpstream implements Forwarder. It opens and protects a fresh UDP
// socket, sends the query and registers the pending reply. Unreachable or
// forbidden upstreams end the session; any other failure drops this query
// only.
func (s *session) ForwardUpstream(payload []byte, upstream netip.AddrPort, request any) error {
	sock, err := openProtectedSocket(s.protector, upstream)
	if err != nil {
		if sessionFatal(err) {
			return networkErrorf("cannot open upstream socket: %w", err)
		}
		log.Warnf("could not open upstream socket for %s: %v", upstream, err)
		return nil
	}
	if err := sock.Send(payload, upstream); err != nil {
		sock.Close()
		if sessionFatal(err) {
			return networkErrorf("cannot send query to %s: %w", upstream, err)
		}
		log.Warnf("could not send query to upstream %s: %v", upstream, err)
		return nil
	}
	if request == nil {
		sock.Close()
		return nil
	}
	s.waiting.add(&pendingQuery{socket: sock, request: request, created: time.Now()})
	return nil
}

// QueueDeviceWrite implements Forwarder.
func (s *session) QueueDeviceWrite(packet []byte) {
	s.writes.push(packet)
}

// sessionFatal reports whether an upstream socket failure means the whole
// path is gone. Everything else, a transient fd shortage for example, costs
// one query only.
func sessionFatal(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) || errors.Is(err, unix.EPERM)
}

// close releases every socket still waiting for a reply when the session
// ends.
func (s *session) close() {
	for _, q := range s.waiting.takeReady(func(int) bool { return true }) {
		if err := q.socket.Close(); err != nil {
			log.Warnf("could not close pending upstream socket: %v", err)
		}
	}
}
