package client

import (
	"context"
	"time"

	"github.com/nvshare-io/nvshare/internal/logging"
)

const (
	// idleCheckInterval is the absolute-deadline period the releaser
	// re-arms after every restart of its loop.
	idleCheckInterval = 5 * time.Second
	// syncFallbackThreshold is how long a device-synchronize must take
	// for the fallback probe to consider the device busy.
	syncFallbackThreshold = 100 * time.Millisecond
)

// idleReleaser is the timer task that releases the GPU lock early when
// the process has been idle for idleCheckInterval (§4.4). It downgrades
// permanently to the sync-timing fallback probe after the utilization
// sensor fails once (§7.6).
type idleReleaser struct {
	gate   *gate
	sensor UtilizationSensor
	log    *logging.Logger

	sensorFailed bool
}

func newIdleReleaser(g *gate, sensor UtilizationSensor) *idleReleaser {
	if sensor == nil {
		sensor = NoSensor{}
	}
	return &idleReleaser{gate: g, sensor: sensor, log: logging.Default()}
}

// run drives the releaser's loop until ctx is cancelled. sendLockReleased
// reports LOCK_RELEASED to the daemon; it is invoked with the gate mutex
// released (unlike handleDropLock, the releaser's send happens after the
// gate state has already been updated and the mutex dropped, since no
// drain is required on the releaser's own voluntary-yield path).
func (r *idleReleaser) run(ctx context.Context, sendLockReleased func() error) {
	for {
		r.gate.mu.Lock()
		r.gate.didWork = false
		deadline := time.Now().Add(idleCheckInterval)
		r.gate.mu.Unlock()

		timedOut, stop := r.waitForDeadline(ctx, deadline)
		if stop {
			return
		}
		if !timedOut {
			// A submission happened (didWork went true) before the
			// deadline: restart the loop with a fresh deadline rather
			// than acting on a stale snapshot.
			continue
		}

		r.gate.mu.Lock()
		snap := r.gate.snapshotLocked()
		if !snap.schedulerOn || !snap.ownLock {
			r.gate.mu.Unlock()
			continue
		}
		if snap.didWork {
			r.gate.mu.Unlock()
			continue
		}

		busy := r.probeBusyLocked(snap)
		if busy {
			r.gate.mu.Unlock()
			continue
		}

		r.gate.ownLock = false
		r.gate.mu.Unlock()

		if err := sendLockReleased(); err != nil {
			r.log.Warn("idle releaser failed to send LOCK_RELEASED", "err", err)
		}
	}
}

// probeBusyLocked tests real idleness: the utilization sensor if it has
// not yet failed, otherwise a timed synchronize against the captured
// context. Called with the gate mutex held, matching the original's
// global-mutex-held probe.
func (r *idleReleaser) probeBusyLocked(snap gateSnapshot) bool {
	if !r.sensorFailed {
		util, err := r.sensor.UtilizationPercent()
		if err != nil {
			r.sensorFailed = true
			r.log.Warn("utilization sensor unavailable, downgrading to sync-timing fallback permanently")
		} else {
			return util > 0
		}
	}

	if !snap.ctxOK {
		return false
	}
	start := time.Now()
	// Goes through the gate's shared sync-and-reset helper (gate mutex
	// already held by the caller): this probe is one of the two call
	// sites that reset the rate controller's window as a side effect
	// (see SPEC_FULL.md §9).
	r.gate.syncAndResetWindowLocked(snap.ctx)
	return time.Since(start) >= syncFallbackThreshold
}

// waitForDeadline blocks until deadline (timedOut=true), a wake with
// didWork now true (timedOut=false, stop=false — caller restarts its
// loop with a fresh deadline), or ctx is done (stop=true). A wake with
// didWork still false is spurious and the wait resumes against the same
// deadline without returning at all, per the absolute-deadline
// condition-variable idiom.
func (r *idleReleaser) waitForDeadline(ctx context.Context, deadline time.Time) (timedOut, stop bool) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, true
		case <-timer.C:
			return true, false
		case <-r.gate.releaseWake:
			timer.Stop()
			r.gate.mu.Lock()
			didWork := r.gate.didWork
			r.gate.mu.Unlock()
			if didWork {
				return false, false
			}
			continue // spurious: keep waiting on the same deadline
		}
	}
}
