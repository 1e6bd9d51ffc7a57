package tunnel

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// watchdogPollMillis is the poll timeout while the watchdog runs, so
	// liveness is rechecked even on an idle tunnel.
	watchdogPollMillis = 7000
	// watchdogStallTimeout is how long the upstream path may stay silent after
	// outbound traffic before the session is declared dead.
	watchdogStallTimeout = 30 * time.Second
	// pollNoTimeout makes poll(2) block until a descriptor is ready.
	pollNoTimeout = -1
)

// watchdog decides how long the event loop may block and detects a silently
// dead upstream path, the case where queries leave but neither replies nor
// ICMP errors ever come back. State lives for one session only.
type watchdog struct {
	enabled bool
	target  netip.AddrPort
	probe   func(target netip.AddrPort) error

	// lastSeen is the last outbound packet toward the target, lastAlive the
	// last confirmed sign of life (an upstream reply datagram).
	lastSeen  time.Time
	lastAlive time.Time
}

func (w *watchdog) initialize(enabled bool) {
	w.enabled = enabled
	w.lastSeen = time.Now()
	w.lastAlive = time.Now()
	log.Debugf("watchdog enabled: %v", enabled)
}

// setTarget picks the address used for liveness probes, normally the first
// successfully configured upstream DNS server.
func (w *watchdog) setTarget(target netip.AddrPort) {
	w.target = target
}

// pollTimeout returns the poll(2) timeout in milliseconds: a finite interval
// while the watchdog runs, block-forever when it is disabled.
func (w *watchdog) pollTimeout() int {
	if !w.enabled {
		return pollNoTimeout
	}
	return watchdogPollMillis
}

// handlePacket records outbound device traffic. Advisory bookkeeping only, the
// packet itself is not touched.
func (w *watchdog) handlePacket(packet []byte) {
	if !w.enabled || len(packet) == 0 {
		return
	}
	w.lastSeen = time.Now()
}

// markAlive records a confirmed sign of life from the upstream path.
func (w *watchdog) markAlive() {
	if !w.enabled {
		return
	}
	w.lastAlive = time.Now()
}

// handleTimeout runs when a poll wait elapsed with nothing ready. It declares
// the session dead when outbound traffic has gone unanswered for too long, and
// otherwise probes the target so a broken route shows up as a send error.
func (w *watchdog) handleTimeout() error {
	if !w.enabled || !w.target.IsValid() {
		return nil
	}
	if w.lastSeen.After(w.lastAlive) && time.Since(w.lastAlive) > watchdogStallTimeout {
		return networkErrorf("watchdog: no reply from %s for %s", w.target, time.Since(w.lastAlive).Round(time.Second))
	}
	if w.probe != nil {
		if err := w.probe(w.target); err != nil {
			return networkErrorf("watchdog: probe failed: %w", err)
		}
	}
	return nil
}
