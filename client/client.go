package client

import (
	"context"
	"path/filepath"

	"github.com/nvshare-io/nvshare/internal/logging"
	"github.com/nvshare-io/nvshare/internal/transport"
)

// Options configures a Client.
type Options struct {
	// SockDir is not read by New or Start: the socket directory is
	// taken from Start's sockDir argument, and an empty argument uses
	// transport.SockPath()'s default resolution (honoring
	// NVSHARE_SOCK_DIR).
	SockDir string

	// Sensor is the optional utilization probe backing the idle
	// releaser's fast path. Nil disables it, falling back to
	// sync-timing immediately.
	Sensor UtilizationSensor
}

// Client wires together the gate, background worker, idle releaser and
// rate controller into the single object a target process's injected
// entry points call through. It is the Go analogue of the original
// client's process-global state.
type Client struct {
	driver Driver
	gate   *gate
	rc     *rateController
	mem    *memShim
	idle   *idleReleaser
	worker *worker

	log *logging.Logger

	cancel context.CancelFunc
}

// New constructs a Client bound to driver but does not start it; call
// Start to perform the boot sequence and launch the background tasks.
func New(driver Driver, opts Options) *Client {
	rc := newRateController(driver)
	g := newGate(driver, rc)
	w := newWorker(g)

	return &Client{
		driver: driver,
		gate:   g,
		rc:     rc,
		mem:    newMemShim(driver),
		idle:   newIdleReleaser(g, opts.Sensor),
		worker: w,
		log:    logging.Default(),
	}
}

// Start performs the boot sequence (§4.3): driver init, REGISTER
// handshake, and launching the receive loop and idle releaser. It
// blocks until the handshake completes, mirroring the original's
// "initialized" semaphore.
func (c *Client) Start(ctx context.Context, sockDir string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.driver.Init(ctx); err != nil {
		cancel()
		return err
	}

	sockPath := transport.SockPath()
	if sockDir != "" {
		sockPath = filepath.Join(sockDir, transport.SockFileName)
	}

	if err := c.worker.boot(ctx, sockPath); err != nil {
		cancel()
		return err
	}
	c.worker.waitReady()

	go c.idle.run(ctx, c.worker.sendLockReleased)

	return nil
}

// Stop tears down the background tasks and closes the daemon connection.
func (c *Client) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.worker.close()
}

// LaunchKernel is the gated entry point a kernel-launch wrapper calls
// before submitting work to the device: it blocks until the process
// holds the lock, then runs the submission-rate controller's per-launch
// accounting (§4.2, §4.5). The accounting, including any forced
// synchronize, runs before the caller submits the kernel.
func (c *Client) LaunchKernel() error {
	if err := c.gate.awaitLock(c.worker.sendReqLock); err != nil {
		return err
	}
	c.gate.mu.Lock()
	snap := c.gate.snapshotLocked()
	c.gate.mu.Unlock()
	if snap.ctxOK {
		c.rc.afterLaunch(snap.ctx)
	}
	return nil
}

// AwaitLock is the gated entry point for calls that need the lock held
// but are not kernel launches (e.g. device-to-device memcopies).
func (c *Client) AwaitLock() error {
	return c.gate.awaitLock(c.worker.sendReqLock)
}

// MemGetInfo reports shimmed free/total memory (§4.6), exempt from the
// gate.
func (c *Client) MemGetInfo() (free, total uint64, err error) {
	return c.mem.MemGetInfo()
}

// MemAlloc performs a shimmed, gate-exempt allocation (§4.6).
func (c *Client) MemAlloc(size uint64) (uintptr, error) {
	return c.mem.MemAlloc(size)
}

// MemFree releases a shimmed allocation (§4.6).
func (c *Client) MemFree(ptr uintptr) error {
	return c.mem.MemFree(ptr)
}
