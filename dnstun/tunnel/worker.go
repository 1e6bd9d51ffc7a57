package tunnel

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// minRetryDelay and maxRetryDelay bound the reconnect backoff.
	minRetryDelay = 5 * time.Second
	maxRetryDelay = 2 * time.Minute
	// retryResetAfter resets the backoff once a session stayed up this long.
	retryResetAfter = 60 * time.Second
	// stopJoinTimeout bounds how long Stop waits for the worker goroutine.
	stopJoinTimeout = 2 * time.Second
)

// WorkerConfig wires a Worker to its collaborators.
type WorkerConfig struct {
	Provisioner Provisioner
	Protector   Protector
	NewProxy    ProxyFactory
	Notifier    StatusNotifier
	Settings    Settings
}

// Worker supervises the tunnel: it provisions a session, runs the event loop
// to completion, classifies the failure and reconnects with exponential
// backoff. Start and Stop may be called from any goroutine; everything else
// runs on the single worker goroutine.
type Worker struct {
	provisioner Provisioner
	protector   Protector
	newProxy    ProxyFactory
	notifier    StatusNotifier
	settings    Settings

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu          sync.Mutex
	interruptFd int
}

// NewWorker creates a Worker. It does not start anything yet.
func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		provisioner: cfg.Provisioner,
		protector:   cfg.Protector,
		newProxy:    cfg.NewProxy,
		notifier:    cfg.Notifier,
		settings:    cfg.Settings,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		interruptFd: -1,
	}
}

// Start spawns the worker goroutine. Callers must not start a worker twice
// without an intervening Stop.
func (w *Worker) Start() {
	log.Info("starting tunnel worker")
	go w.run()
}

// Stop requests cooperative cancellation: it aborts a backoff sleep, closes
// the write end of the stop pipe so the poll loop observes it, and waits a
// bounded time for the worker goroutine to finish.
func (w *Worker) Stop() {
	log.Info("stopping tunnel worker")
	w.stopOnce.Do(func() { close(w.stop) })
	w.closeInterrupt()
	select {
	case <-w.done:
		log.Info("tunnel worker stopped")
	case <-time.After(stopJoinTimeout):
		log.Warn("could not stop tunnel worker, it is still running")
	}
}

func (w *Worker) notifyStatus(status Status) {
	log.WithFields(log.Fields{"status": status.String()}).Debug("tunnel status changed")
	if w.notifier != nil {
		w.notifier(status)
	}
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Worker) setInterrupt(fd int) {
	w.mu.Lock()
	w.interruptFd = fd
	w.mu.Unlock()
}

func (w *Worker) closeInterrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interruptFd < 0 {
		return
	}
	if err := unix.Close(w.interruptFd); err != nil {
		log.Warnf("could not close interrupt pipe: %v", err)
	}
	w.interruptFd = -1
}

func newRetryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minRetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run keeps connecting the tunnel until it is told to stop. A session that
// ends with an error is retried; the retry delay doubles from minRetryDelay up
// to maxRetryDelay and resets after a session that lasted retryResetAfter.
func (w *Worker) run() {
	defer close(w.done)

	w.notifyStatus(StatusStarting)
	retry := newRetryPolicy()

	for {
		started := time.Now()
		err := w.runSession()
		if err == nil {
			log.Info("told to stop")
			w.notifyStatus(StatusStopping)
			break
		}
		if IsNetworkError(err) {
			log.Warnf("network error in tunnel session, reconnecting: %v", err)
		} else {
			log.Errorf("unexpected error in tunnel session, reconnecting: %v", err)
		}
		w.notifyStatus(StatusReconnectingNetworkError)

		if time.Since(started) >= retryResetAfter {
			log.Info("resetting retry delay")
			retry.Reset()
		}
		delay := retry.NextBackOff()
		log.Infof("retrying to connect in %s", delay)
		select {
		case <-w.stop:
		case <-time.After(delay):
			continue
		}
		break
	}

	w.notifyStatus(StatusStopped)
	log.Info("tunnel worker exiting")
}

// runSession provisions the tunnel and runs the event loop to completion. It
// returns nil when the worker was told to stop, a network error for
// recoverable conditions, and any other error for unexpected failures. A
// panicking session is contained here so the worker can reconnect.
func (w *Worker) runSession() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tunnel session panicked: %v", r)
		}
	}()

	var pipeFds [2]int
	if perr := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC); perr != nil {
		return fmt.Errorf("runSession: could not create stop pipe: %w", perr)
	}
	blockFd := pipeFds[0]
	w.setInterrupt(pipeFds[1])
	defer func() {
		w.closeInterrupt()
		if cerr := unix.Close(blockFd); cerr != nil {
			log.Warnf("could not close stop pipe: %v", cerr)
		}
	}()
	if w.stopped() {
		return nil
	}

	tun, err := w.provisioner.Provision()
	if err != nil {
		return networkErrorf("cannot establish tunnel: %w", err)
	}
	defer func() {
		if cerr := tun.Device.Close(); cerr != nil {
			log.Warnf("could not close tunnel device: %v", cerr)
		}
	}()

	sess := newSession(tun.Device, w.protector, blockFd)
	sess.wdog.initialize(w.settings.WatchdogEnabled())
	sess.wdog.probe = func(target netip.AddrPort) error {
		return sendProbe(w.protector, target)
	}
	if target, ok := watchdogTarget(tun.Resolvers); ok {
		sess.wdog.setTarget(target)
	}
	sess.proxy = w.newProxy(sess, tun.Resolvers)
	defer sess.close()

	w.notifyStatus(StatusRunning)
	return sess.run()
}

// watchdogTarget picks the probe address: the first IPv4 upstream if there is
// one, the first IPv6 upstream otherwise.
func watchdogTarget(resolvers []Resolver) (netip.AddrPort, bool) {
	for _, r := range resolvers {
		if r.Addr.Is4() {
			return netip.AddrPortFrom(r.Addr, 53), true
		}
	}
	for _, r := range resolvers {
		if r.Addr.IsValid() {
			return netip.AddrPortFrom(r.Addr, 53), true
		}
	}
	return netip.AddrPort{}, false
}
