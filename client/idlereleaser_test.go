package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleReleaserReleasesWhenSensorReportsIdle(t *testing.T) {
	drv := newFakeDriver()
	g := newGate(drv, newRateController(drv))
	g.schedulerOn = true
	g.ownLock = true
	g.ctxCaptured = true
	g.ctx = Context(1)

	sensor := &fakeSensor{util: 0}
	r := newIdleReleaser(g, sensor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exercise the loop body directly with an already-elapsed deadline
	// rather than waiting out the real idleCheckInterval.
	timedOut, stop := r.waitForDeadline(ctx, time.Now().Add(-time.Millisecond))
	require.False(t, stop)
	require.True(t, timedOut)

	g.mu.Lock()
	snap := g.snapshotLocked()
	busy := r.probeBusyLocked(snap)
	if !busy {
		g.ownLock = false
	}
	g.mu.Unlock()

	assert.False(t, busy)
	assert.False(t, g.ownLock)
}

func TestIdleReleaserTreatsNonZeroUtilizationAsBusy(t *testing.T) {
	drv := newFakeDriver()
	g := newGate(drv, newRateController(drv))
	g.ctxCaptured = true
	g.ctx = Context(1)

	sensor := &fakeSensor{util: 42}
	r := newIdleReleaser(g, sensor)

	g.mu.Lock()
	snap := g.snapshotLocked()
	busy := r.probeBusyLocked(snap)
	g.mu.Unlock()

	assert.True(t, busy)
	assert.Equal(t, 0, drv.syncCalls, "must not fall back to sync-timing when the sensor succeeds")
}

func TestIdleReleaserDowngradesPermanentlyAfterSensorFailure(t *testing.T) {
	drv := newFakeDriver()
	g := newGate(drv, newRateController(drv))
	g.ctxCaptured = true
	g.ctx = Context(1)

	sensor := &fakeSensor{err: errSensorUnavailable}
	r := newIdleReleaser(g, sensor)

	g.mu.Lock()
	snap := g.snapshotLocked()
	_ = r.probeBusyLocked(snap)
	g.mu.Unlock()

	assert.True(t, r.sensorFailed)
	assert.Equal(t, 1, drv.syncCalls, "falls back to sync-timing on first failure")

	sensor.err = nil
	sensor.util = 0
	g.mu.Lock()
	snap = g.snapshotLocked()
	_ = r.probeBusyLocked(snap)
	g.mu.Unlock()

	assert.Equal(t, 2, drv.syncCalls, "stays on sync-timing fallback even if the sensor would now succeed")
}

func TestIdleReleaserFallbackDetectsBusyViaSlowSync(t *testing.T) {
	drv := newFakeDriver()
	drv.syncDelay = func() { time.Sleep(syncFallbackThreshold + 20*time.Millisecond) }
	g := newGate(drv, newRateController(drv))
	g.ctxCaptured = true
	g.ctx = Context(1)

	r := newIdleReleaser(g, &fakeSensor{err: errSensorUnavailable})
	r.sensorFailed = true

	g.mu.Lock()
	snap := g.snapshotLocked()
	busy := r.probeBusyLocked(snap)
	g.mu.Unlock()

	assert.True(t, busy)
}

func TestRunKeepsLockWhileWorkIsRecorded(t *testing.T) {
	drv := newFakeDriver()
	g := newGate(drv, newRateController(drv))
	g.schedulerOn = true
	g.ownLock = true
	g.ctxCaptured = true
	g.ctx = Context(1)

	r := newIdleReleaser(g, &fakeSensor{util: 0})

	ctx, cancel := context.WithCancel(context.Background())

	released := make(chan struct{})
	go r.run(ctx, func() error {
		close(released)
		return nil
	})

	// run()'s real interval is idleCheckInterval (5s), too long to wait
	// out here; this test only checks that a recorded submission, with
	// its wake, does not lead to a release, then cancels the loop.
	g.mu.Lock()
	g.didWork = true
	g.mu.Unlock()
	g.wakeReleaseEarlyLocked()

	select {
	case <-released:
		t.Fatal("must not release while didWork is true")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-released:
	case <-time.After(time.Second):
	}
}
