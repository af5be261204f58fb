package scheduler

import (
	"context"
	"time"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// runTimer implements the quantum-enforcement timer task (§4.7). It
// shares d.mu with the event loop and communicates resets/spurious
// wakeups through d.timerWake plus the mustResetTimer/dropLockSent
// flags, the same "absolute deadline plus reset-disambiguation flag"
// idiom used by the client's idle releaser.
func (d *Daemon) runTimer(ctx context.Context) {
	for {
		d.mu.Lock()
		roundAtStart := d.schedulingRound
		deadline := time.Now().Add(d.quantum)
		d.mustResetTimer = false
		d.mu.Unlock()

		timedOut, stop := d.waitUntil(ctx, deadline)
		if stop {
			return
		}
		if !timedOut {
			// Reset signaled: restart the outer loop with a fresh
			// deadline and round snapshot rather than acting on a
			// stale one.
			continue
		}

		d.mu.Lock()
		switch {
		case !d.lockHeld:
			// No holder: nothing to preempt, restart the loop.
		case d.dropLockSent:
			// Already asked this holder to drop; restart without
			// resending.
		case d.schedulingRound != roundAtStart:
			// Holder already changed since this iteration began.
		default:
			d.sendDropLockToHeadLocked()
		}
		d.mu.Unlock()
	}
}

// waitUntil blocks until deadline (timedOut=true), a reset signal
// arrives (timedOut=false, stop=false — the caller restarts its loop
// with a fresh deadline), or ctx/d.stop fires (stop=true). It implements
// the "resume wait across spurious wakeups while preserving the
// deadline" half of the idiom: a wake on d.timerWake without
// mustResetTimer set is spurious and the wait resumes against the same
// deadline without returning to the caller at all.
func (d *Daemon) waitUntil(ctx context.Context, deadline time.Time) (timedOut, stop bool) {
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
		case <-d.stop:
			timer.Stop()
			return false, true
		case <-timer.C:
			return true, false
		case <-d.timerWake:
			timer.Stop()
			d.mu.Lock()
			reset := d.mustResetTimer
			d.mu.Unlock()
			if reset {
				return false, false
			}
			// Spurious: resume waiting for what remains of this deadline.
			continue
		}
	}
}

// sendDropLockToHeadLocked sends DROP_LOCK to the current holder. On
// send failure the holder is evicted (clearing lockHeld via the FCFS
// eviction invariant) and the daemon attempts to schedule the next
// request; on success dropLockSent is latched so the timer does not
// resend it for the remainder of this tenure.
func (d *Daemon) sendDropLockToHeadLocked() {
	if len(d.requests) == 0 {
		return
	}
	head := d.requests[0]
	msg := wireproto.NewMessage(wireproto.DropLock)
	msg.ID = head.id
	if err := d.sendFrameOrEvict(head, msg); err != nil {
		d.tryScheduleLocked()
		return
	}
	d.dropLockSent = true
	d.metrics.recordPreempt()
	d.log.Info("sent DROP_LOCK", "id", formatHexID(head.id), "round", d.schedulingRound)
}
