// Package scheduler implements the nvshare scheduler daemon: a
// single-threaded event loop (in the sense that all state mutation is
// serialized behind one mutex, matching the original's single-threaded
// process) arbitrating a GPU lock among connected clients.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nvshare-io/nvshare/internal/logging"
	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/internal/wireproto"
	"github.com/nvshare-io/nvshare/internal/xerrors"
)

// Config parameterizes a Daemon.
type Config struct {
	SockDir     string
	Quantum     time.Duration
	SchedulerOn bool
	// AcceptRate bounds accept() calls per second; AcceptBurst is the
	// token-bucket burst size. Zero AcceptRate disables the limiter.
	AcceptRate  float64
	AcceptBurst int
}

// DefaultConfig returns the daemon's default parameters: a 30 second
// quantum, scheduling enabled, and a generous accept-rate ceiling.
func DefaultConfig() Config {
	return Config{
		SockDir:     transport.SockDir(),
		Quantum:     30 * time.Second,
		SchedulerOn: true,
		AcceptRate:  200,
		AcceptBurst: 50,
	}
}

// Daemon is the scheduler's runtime state. Every field below the mutex
// is owned by it; the event-loop goroutine and the quantum-timer
// goroutine are the only two mutators.
type Daemon struct {
	cfg Config
	log *logging.Logger

	poller   *transport.Poller
	listenFd int
	sockPath string

	limiter *rate.Limiter
	idGen   *idGenerator
	metrics *Metrics

	mu              sync.Mutex
	clients         map[int]*clientRecord // fd -> client
	requests        []*clientRecord       // FCFS queue; head = requests[0]
	lockHeld        bool
	schedulingRound uint64
	schedulerOn     bool
	quantum         time.Duration

	// timer-reset signaling: see §4.7 and the design notes on
	// condition-variable idioms. mustResetTimer disambiguates "the timer
	// should restart its deadline" from a spurious wakeup; dropLockSent
	// ensures DROP_LOCK is sent at most once per tenure.
	mustResetTimer bool
	dropLockSent   bool
	timerWake      chan struct{}

	stop chan struct{}
}

// New constructs a Daemon. It does not bind the listening socket; call
// Run to do that and block serving.
func New(cfg Config) *Daemon {
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultConfig().Quantum
	}
	d := &Daemon{
		cfg:         cfg,
		log:         logging.Default(),
		idGen:       newIDGenerator(),
		metrics:     NewMetrics(time.Now()),
		clients:     make(map[int]*clientRecord),
		schedulerOn: cfg.SchedulerOn,
		quantum:     cfg.Quantum,
		timerWake:   make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return d
}

// Run binds the listening socket, creates the epoll instance, starts the
// quantum timer, and serves the event loop until ctx is cancelled or a
// fatal host error occurs. It always returns a non-nil error for
// anything other than a clean ctx-cancellation shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	dir := d.cfg.SockDir
	if dir == "" {
		dir = transport.SockDir()
	}
	if err := transport.EnsureSockDir(dir); err != nil {
		return err
	}
	d.sockPath = fmt.Sprintf("%s/%s", trimTrailingSlash(dir), transport.SockFileName)

	listenFd, err := transport.BindListener(d.sockPath)
	if err != nil {
		return err
	}
	d.listenFd = listenFd
	defer unix.Close(d.listenFd)

	poller, err := transport.NewPoller()
	if err != nil {
		return err
	}
	d.poller = poller
	defer d.poller.Close()

	if err := d.poller.Add(d.listenFd); err != nil {
		return xerrors.Wrap("epoll_add listener", xerrors.CodeFatalHost, err)
	}

	d.log.Info("scheduler daemon listening", "path", d.sockPath, "quantum", d.quantum.String())

	timerDone := make(chan struct{})
	go func() {
		defer close(timerDone)
		d.runTimer(ctx)
	}()

	go func() {
		<-ctx.Done()
		close(d.stop)
	}()

	err = d.eventLoop(ctx)
	<-timerDone
	return err
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// eventLoop is the daemon's single-threaded core: wait on events, then
// service every ready fd. The global mutex is taken separately for each
// ready fd (inside acceptOne and serviceClient), not once for the whole
// batch, so the timer goroutine may run between two fds of one batch.
func (d *Daemon) eventLoop(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		ready, err := d.poller.Wait(events, 200)
		if err != nil {
			return xerrors.Wrap("epoll_wait", xerrors.CodeFatalHost, err)
		}

		select {
		case <-d.stop:
			return nil
		default:
		}

		for _, ev := range ready {
			fd := int(ev.Fd)
			if fd == d.listenFd {
				d.acceptOne()
				continue
			}
			d.serviceClient(fd, ev)
		}
	}
}

func (d *Daemon) acceptOne() {
	if d.limiter != nil && !d.limiter.Allow() {
		d.log.Warn("accept rate limit exceeded, deferring accept")
		return
	}

	nfd, _, err := transport.Accept(d.listenFd)
	if err != nil {
		d.log.Error("accept failed", "err", err)
		return
	}
	if nfd < 0 {
		return // EAGAIN: nothing to accept, not an error.
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.poller.Add(nfd); err != nil {
		d.log.Error("failed to register new client fd", "fd", nfd, "err", err)
		_ = unix.Close(nfd)
		return
	}
	d.clients[nfd] = newClientRecord(nfd)
	d.log.Debug("accepted client connection", "fd", nfd)
}

func (d *Daemon) serviceClient(fd int, ev transport.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.clients[fd]
	if !ok {
		// Stale event for an fd we already evicted this round.
		return
	}

	if ev.HupOrErr() {
		d.evictLocked(c)
		return
	}

	msg, err := transport.RecvFrame(fd)
	if err != nil {
		d.evictLocked(c)
		if !d.lockHeld {
			d.tryScheduleLocked()
		}
		return
	}

	d.dispatchLocked(c, msg)
}

// evictLocked removes a client from the event set and all daemon
// bookkeeping. Per the FCFS invariant across evictions, if the client
// being evicted held the lock (was the request queue head), lockHeld
// must be cleared before any subsequent scheduling attempt — callers
// that need to reschedule after eviction must do so themselves, after
// this returns, exactly as removeRequestLocked already guarantees for
// the eviction's own queue-removal step.
func (d *Daemon) evictLocked(c *clientRecord) {
	d.poller.Remove(c.fd)
	delete(d.clients, c.fd)
	d.removeRequestLocked(c)
	_ = unix.Close(c.fd)
	d.metrics.recordEvict()
	d.log.Debug("evicted client", "fd", c.fd, "id", formatHexID(c.id))
}

// Metrics returns a point-in-time snapshot of the daemon's operational
// statistics.
func (d *Daemon) Metrics() MetricsSnapshot {
	return d.metrics.Snapshot(time.Now())
}

// insertRequestLocked appends c to the FCFS request queue, rejecting a
// duplicate in-flight request from the same client (warn and drop,
// matching the dispatch table's REQ_LOCK handling).
func (d *Daemon) insertRequestLocked(c *clientRecord) {
	if c.hasRequest {
		d.log.Warn("duplicate REQ_LOCK, dropping", "id", formatHexID(c.id))
		return
	}
	c.hasRequest = true
	c.requestedAt = time.Now()
	d.requests = append(d.requests, c)
}

// removeRequestLocked removes c's request entry, if any. If c was the
// queue head (the current holder), lockHeld is cleared before the entry
// is removed — this must happen before any try-schedule that follows,
// per the design's FCFS-across-evictions invariant.
func (d *Daemon) removeRequestLocked(c *clientRecord) {
	if !c.hasRequest {
		return
	}
	for i, r := range d.requests {
		if r == c {
			if i == 0 {
				d.lockHeld = false
			}
			d.requests = append(d.requests[:i], d.requests[i+1:]...)
			c.hasRequest = false
			return
		}
	}
}

// tryScheduleLocked offers the lock to the head of the request queue.
// On send failure the head is evicted and scheduling retried against
// the new head; on success the new tenure begins.
func (d *Daemon) tryScheduleLocked() {
	for len(d.requests) > 0 {
		head := d.requests[0]
		msg := wireproto.NewMessage(wireproto.LockOK)
		msg.ID = head.id
		if err := transport.SendFrame(head.fd, msg); err != nil {
			d.evictLocked(head)
			continue
		}
		d.schedulingRound++
		d.lockHeld = true
		d.signalTimerResetLocked()
		if !head.requestedAt.IsZero() {
			d.metrics.recordGrant(time.Since(head.requestedAt))
		}
		d.log.Info("granted lock", "id", formatHexID(head.id), "round", d.schedulingRound)
		return
	}
}

// sendFrameOrEvict sends msg to c, evicting c on any send failure (the
// daemon's uniform "send failure means peer death" policy).
func (d *Daemon) sendFrameOrEvict(c *clientRecord, msg *wireproto.Message) error {
	if err := transport.SendFrame(c.fd, msg); err != nil {
		d.evictLocked(c)
		return err
	}
	return nil
}

func (d *Daemon) signalTimerResetLocked() {
	d.mustResetTimer = true
	d.dropLockSent = false
	select {
	case d.timerWake <- struct{}{}:
	default:
	}
}

// broadcastLocked sends a message of type t to every registered client, evicting any
// client whose send fails. Unregistered (not-yet-REGISTERed) clients are
// skipped.
func (d *Daemon) broadcastLocked(t wireproto.MessageType) {
	targets := make([]*clientRecord, 0, len(d.clients))
	for _, c := range d.clients {
		if c.registered() {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		msg := wireproto.NewMessage(t)
		msg.ID = c.id
		if err := transport.SendFrame(c.fd, msg); err != nil {
			d.evictLocked(c)
		}
	}
}
