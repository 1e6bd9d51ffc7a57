package tunnel

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pairDevice is a TunDevice backed by a datagram socketpair. The test side
// talks to the peer descriptor, the session polls and reads the device side.
type pairDevice struct {
	fd     int
	peer   int
	closed bool
}

func newPairDevice(t *testing.T) *pairDevice {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	d := &pairDevice{fd: fds[0], peer: fds[1]}
	t.Cleanup(func() {
		d.Close()
		unix.Close(d.peer)
	})
	return d
}

func (d *pairDevice) Read(p []byte) (int, error)  { return unix.Read(d.fd, p) }
func (d *pairDevice) Write(p []byte) (int, error) { return unix.Write(d.fd, p) }
func (d *pairDevice) Fd() int                     { return d.fd }

func (d *pairDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

type mockProxy struct {
	mock.Mock
}

func (m *mockProxy) HandleRequest(packet []byte) error {
	args := m.Called(packet)
	return args.Error(0)
}

func (m *mockProxy) HandleResponse(request any, response []byte) {
	m.Called(request, response)
}

func newStopPipe(t *testing.T) (blockFd, interruptFd int) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestUpstream(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return conn, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

func TestForwardUpstreamRegistersPendingQuery(t *testing.T) {
	upstream, addr := newTestUpstream(t)
	blockFd, _ := newStopPipe(t)
	sess := newSession(newPairDevice(t), nil, blockFd)
	defer sess.close()

	require.NoError(t, sess.ForwardUpstream([]byte("query"), addr, "ref"))

	assert.Equal(t, 1, sess.waiting.size())
	assert.True(t, sess.writes.empty())

	upstream.SetReadDeadline(time.Now().Add(time.Second))
	buffer := make([]byte, replyBufferSize)
	n, _, err := upstream.ReadFromUDP(buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("query"), buffer[:n])
}

func TestForwardUpstreamWithoutRequestExpectsNoReply(t *testing.T) {
	_, addr := newTestUpstream(t)
	blockFd, _ := newStopPipe(t)
	sess := newSession(newPairDevice(t), nil, blockFd)
	defer sess.close()

	require.NoError(t, sess.ForwardUpstream([]byte("probe"), addr, nil))
	assert.Equal(t, 0, sess.waiting.size())
}

func TestForwardUpstreamDropsQueryOnSocketSetupFailure(t *testing.T) {
	_, addr := newTestUpstream(t)
	blockFd, _ := newStopPipe(t)
	protector := ProtectorFunc(func(int) error { return errors.New("too many open files") })
	sess := newSession(newPairDevice(t), protector, blockFd)
	defer sess.close()

	require.NoError(t, sess.ForwardUpstream([]byte("query"), addr, "ref"))
	assert.Equal(t, 0, sess.waiting.size())
}

func TestForwardUpstreamFailsSessionWhenForbidden(t *testing.T) {
	_, addr := newTestUpstream(t)
	blockFd, _ := newStopPipe(t)
	protector := ProtectorFunc(func(int) error { return unix.EPERM })
	sess := newSession(newPairDevice(t), protector, blockFd)
	defer sess.close()

	err := sess.ForwardUpstream([]byte("query"), addr, "ref")
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.ErrorIs(t, err, unix.EPERM)
	assert.Equal(t, 0, sess.waiting.size())
}

func TestSessionDeliversUpstreamReply(t *testing.T) {
	upstream, addr := newTestUpstream(t)
	blockFd, _ := newStopPipe(t)
	sess := newSession(newPairDevice(t), nil, blockFd)
	sess.wdog.initialize(false)
	defer sess.close()

	proxy := &mockProxy{}
	proxy.On("HandleResponse", "ref", []byte("reply")).Return()
	sess.proxy = proxy

	require.NoError(t, sess.ForwardUpstream([]byte("query"), addr, "ref"))

	upstream.SetReadDeadline(time.Now().Add(time.Second))
	buffer := make([]byte, replyBufferSize)
	_, from, err := upstream.ReadFromUDP(buffer)
	require.NoError(t, err)
	_, err = upstream.WriteToUDP([]byte("reply"), from)
	require.NoError(t, err)

	again, err := sess.tick()
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, 0, sess.waiting.size())
	proxy.AssertExpectations(t)
}

func TestSessionFlushesOneQueuedWritePerTick(t *testing.T) {
	dev := newPairDevice(t)
	blockFd, _ := newStopPipe(t)
	sess := newSession(dev, nil, blockFd)
	sess.wdog.initialize(false)
	defer sess.close()

	sess.QueueDeviceWrite([]byte("first"))
	sess.QueueDeviceWrite([]byte("second"))

	again, err := sess.tick()
	require.NoError(t, err)
	assert.True(t, again)

	buffer := make([]byte, deviceBufferSize)
	n, err := unix.Read(dev.peer, buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), buffer[:n])
	assert.False(t, sess.writes.empty())
}

func TestSessionHandsDevicePacketToProxy(t *testing.T) {
	dev := newPairDevice(t)
	blockFd, _ := newStopPipe(t)
	sess := newSession(dev, nil, blockFd)
	sess.wdog.initialize(false)
	defer sess.close()

	proxy := &mockProxy{}
	proxy.On("HandleRequest", []byte("packet")).Return(nil)
	sess.proxy = proxy

	_, err := unix.Write(dev.peer, []byte("packet"))
	require.NoError(t, err)

	again, err := sess.tick()
	require.NoError(t, err)
	assert.True(t, again)
	proxy.AssertExpectations(t)
}

func TestSessionStopsWhenStopPipeCloses(t *testing.T) {
	dev := newPairDevice(t)
	blockFd, interruptFd := newStopPipe(t)
	sess := newSession(dev, nil, blockFd)
	sess.wdog.initialize(false)
	defer sess.close()

	require.NoError(t, unix.Close(interruptFd))

	again, err := sess.tick()
	require.NoError(t, err)
	assert.False(t, again)
}

func TestHandleRepliesDropsFailedQueryOnly(t *testing.T) {
	sess := newSession(newPairDevice(t), nil, -1)
	sess.wdog.initialize(false)

	broken := &fakeUpstreamSocket{fd: 1, recvErr: errors.New("connection refused")}
	good := &fakeUpstreamSocket{fd: 2, reply: []byte("reply")}
	sess.waiting.queries = append(sess.waiting.queries,
		&pendingQuery{socket: broken, request: "broken", created: time.Now()},
		&pendingQuery{socket: good, request: "good", created: time.Now()},
	)

	proxy := &mockProxy{}
	proxy.On("HandleResponse", "good", []byte("reply")).Return()
	sess.proxy = proxy

	sess.handleReplies([]unix.PollFd{
		{Revents: unix.POLLIN},
		{Revents: unix.POLLIN},
	})

	assert.Equal(t, 0, sess.waiting.size())
	assert.Equal(t, 1, broken.closed)
	assert.Equal(t, 1, good.closed)
	proxy.AssertExpectations(t)
	proxy.AssertNumberOfCalls(t, "HandleResponse", 1)
}

func TestSessionCloseReleasesPendingSockets(t *testing.T) {
	sess := newSession(newPairDevice(t), nil, -1)
	sock1 := &fakeUpstreamSocket{fd: 1}
	sock2 := &fakeUpstreamSocket{fd: 2}
	sess.waiting.queries = append(sess.waiting.queries,
		&pendingQuery{socket: sock1, created: time.Now()},
		&pendingQuery{socket: sock2, created: time.Now()},
	)

	sess.close()

	assert.Equal(t, 0, sess.waiting.size())
	assert.Equal(t, 1, sock1.closed)
	assert.Equal(t, 1, sock2.closed)
}
