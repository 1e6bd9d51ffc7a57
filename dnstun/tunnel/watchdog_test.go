package tunnel

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogPollTimeout(t *testing.T) {
	var w watchdog
	w.initialize(false)
	assert.Equal(t, pollNoTimeout, w.pollTimeout())

	w.initialize(true)
	assert.Equal(t, watchdogPollMillis, w.pollTimeout())
}

func TestWatchdogTimeoutWithoutTargetIsHarmless(t *testing.T) {
	var w watchdog
	w.initialize(true)
	assert.NoError(t, w.handleTimeout())
}

func TestWatchdogDeclaresStall(t *testing.T) {
	var w watchdog
	w.initialize(true)
	w.setTarget(netip.MustParseAddrPort("8.8.8.8:53"))
	w.lastAlive = time.Now().Add(-watchdogStallTimeout - time.Second)
	w.handlePacket([]byte{1})

	err := w.handleTimeout()
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestWatchdogProbesWhileHealthy(t *testing.T) {
	var w watchdog
	w.initialize(true)
	w.setTarget(netip.MustParseAddrPort("8.8.8.8:53"))

	var probed []netip.AddrPort
	w.probe = func(target netip.AddrPort) error {
		probed = append(probed, target)
		return nil
	}

	require.NoError(t, w.handleTimeout())
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("8.8.8.8:53")}, probed)
}

func TestWatchdogIdleSessionIsNotAStall(t *testing.T) {
	var w watchdog
	w.initialize(true)
	w.setTarget(netip.MustParseAddrPort("8.8.8.8:53"))
	// No outbound traffic since the last sign of life: silence is fine.
	w.lastSeen = time.Now().Add(-2 * watchdogStallTimeout)
	w.lastAlive = time.Now().Add(-watchdogStallTimeout)
	w.probe = func(netip.AddrPort) error { return nil }

	assert.NoError(t, w.handleTimeout())
}

func TestWatchdogProbeFailureIsNetworkError(t *testing.T) {
	var w watchdog
	w.initialize(true)
	w.setTarget(netip.MustParseAddrPort("8.8.8.8:53"))
	w.probe = func(netip.AddrPort) error { return errors.New("network is unreachable") }

	err := w.handleTimeout()
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestWatchdogDisabledIgnoresTraffic(t *testing.T) {
	var w watchdog
	w.initialize(false)
	before := w.lastSeen

	w.handlePacket([]byte{1})
	w.markAlive()

	assert.Equal(t, before, w.lastSeen)
	assert.NoError(t, w.handleTimeout())
}
