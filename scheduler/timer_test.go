package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// closeFd closes a raw fd, for tests that need to simulate peer death.
func closeFd(fd int) error {
	return unix.Close(fd)
}

// tryRead performs a single non-blocking read attempt on fd, returning
// (0, nil) if nothing is available rather than blocking.
func tryRead(fd int) (int, error) {
	_ = unix.SetNonblock(fd, true)
	defer func() { _ = unix.SetNonblock(fd, false) }()
	buf := make([]byte, wireproto.Size)
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

func TestWaitUntilReturnsTimedOutOnElapsedDeadline(t *testing.T) {
	d := newTestDaemon()

	timedOut, stop := d.waitUntil(context.Background(), time.Now().Add(-time.Millisecond))
	require.False(t, stop)
	require.True(t, timedOut)
}

func TestWaitUntilReturnsOnResetSignalBeforeDeadline(t *testing.T) {
	d := newTestDaemon()

	d.mu.Lock()
	d.mustResetTimer = true
	d.mu.Unlock()
	d.timerWake <- struct{}{}

	done := make(chan struct{})
	var timedOut, stop bool
	go func() {
		timedOut, stop = d.waitUntil(context.Background(), time.Now().Add(time.Hour))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitUntil did not return on reset signal")
	}
	assert.False(t, stop)
	assert.False(t, timedOut, "a reset signal must not be reported as a real timeout")
}

func TestWaitUntilIgnoresSpuriousWakeAndKeepsOriginalDeadline(t *testing.T) {
	d := newTestDaemon()
	deadline := time.Now().Add(30 * time.Millisecond)

	// A wake with mustResetTimer still false is spurious: waitUntil must
	// resume waiting against the same deadline instead of returning.
	d.timerWake <- struct{}{}

	start := time.Now()
	timedOut, stop := d.waitUntil(context.Background(), deadline)
	require.False(t, stop)
	require.True(t, timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitUntilStopsOnContextCancel(t *testing.T) {
	d := newTestDaemon()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	timedOut, stop := d.waitUntil(ctx, time.Now().Add(time.Hour))
	assert.True(t, stop)
	assert.False(t, timedOut)
}

func TestWaitUntilStopsOnDaemonStop(t *testing.T) {
	d := newTestDaemon()
	close(d.stop)

	timedOut, stop := d.waitUntil(context.Background(), time.Now().Add(time.Hour))
	assert.True(t, stop)
	assert.False(t, timedOut)
}

func TestSendDropLockToHeadLockedSendsFrameAndLatches(t *testing.T) {
	d := newTestDaemon()
	c, peerFd := newTestClient(t)
	c.id = 99
	d.clients[c.fd] = c
	d.requests = []*clientRecord{c}

	d.mu.Lock()
	d.sendDropLockToHeadLocked()
	d.mu.Unlock()

	reply := readFrame(t, peerFd)
	assert.Equal(t, wireproto.DropLock, reply.Type)
	assert.Equal(t, uint64(99), reply.ID)

	d.mu.Lock()
	assert.True(t, d.dropLockSent)
	d.mu.Unlock()
}

func TestSendDropLockToHeadLockedEvictsOnSendFailure(t *testing.T) {
	d := newTestDaemon()
	c, peerFd := newTestClient(t)
	c.id = 7
	d.clients[c.fd] = c
	d.requests = []*clientRecord{c}

	// Close the peer end so the send fails, exercising the
	// send-failure-means-peer-death path instead of a successful send.
	require.NoError(t, closeFd(peerFd))

	d.mu.Lock()
	d.sendDropLockToHeadLocked()
	d.mu.Unlock()

	_, stillPresent := d.clients[c.fd]
	assert.False(t, stillPresent)
	assert.False(t, d.dropLockSent, "a failed send must not latch dropLockSent")
}

// TestRunTimerSendsDropLockAfterQuantumElapses drives runTimer end to end
// with a short quantum: the current holder must receive exactly one
// DROP_LOCK once the quantum elapses, and no earlier, matching the
// round-trip law that DROP_LOCK never precedes the next LOCK_OK by less
// than the configured quantum.
func TestRunTimerSendsDropLockAfterQuantumElapses(t *testing.T) {
	d := newTestDaemon()
	d.quantum = 30 * time.Millisecond

	c, peerFd := newTestClient(t)
	c.id = 5
	d.clients[c.fd] = c
	d.requests = []*clientRecord{c}
	d.lockHeld = true
	quantum := d.quantum

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.runTimer(ctx)
	}()

	reply := readFrame(t, peerFd)
	elapsed := time.Since(start)

	assert.Equal(t, wireproto.DropLock, reply.Type)
	assert.GreaterOrEqual(t, elapsed, quantum, "DROP_LOCK must not be sent before the quantum elapses")

	d.mu.Lock()
	assert.True(t, d.dropLockSent)
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runTimer did not exit after cancellation")
	}
}

// TestRunTimerDoesNotResendDropLockWithinSameTenure confirms the
// dropLockSent latch: once DROP_LOCK has been sent for the current
// holder, runTimer must not send it again on a subsequent spurious pass
// through the same tenure.
func TestRunTimerDoesNotResendDropLockWithinSameTenure(t *testing.T) {
	d := newTestDaemon()
	d.quantum = 20 * time.Millisecond

	c, peerFd := newTestClient(t)
	c.id = 11
	d.clients[c.fd] = c
	d.requests = []*clientRecord{c}
	d.lockHeld = true
	quantum := d.quantum

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.runTimer(ctx)
	}()

	_ = readFrame(t, peerFd) // first DROP_LOCK

	// Give the timer loop a few more quantum-length passes; no second
	// frame should ever arrive since dropLockSent stays latched until a
	// new tenure begins (tryScheduleLocked's signalTimerResetLocked).
	time.Sleep(3 * quantum)
	n, _ := tryRead(peerFd)
	assert.Equal(t, 0, n, "must not resend DROP_LOCK within the same tenure")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runTimer did not exit after cancellation")
	}
}

// TestRunTimerResetsDeadlineOnSignal confirms that a new tenure (granted
// via tryScheduleLocked, which calls signalTimerResetLocked) restarts the
// timer's deadline rather than firing against the stale one — the same
// mechanism SET_TQ relies on to apply a new quantum immediately.
func TestRunTimerResetsDeadlineOnSignal(t *testing.T) {
	d := newTestDaemon()
	d.quantum = 40 * time.Millisecond

	c, peerFd := newTestClient(t)
	c.id = 3
	d.clients[c.fd] = c
	d.requests = []*clientRecord{c}
	d.lockHeld = true
	quantum := d.quantum

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.runTimer(ctx)
	}()

	// Reset partway through the quantum, as a grant or SET_TQ would.
	time.Sleep(15 * time.Millisecond)
	start := time.Now()
	d.mu.Lock()
	d.signalTimerResetLocked()
	d.mu.Unlock()

	reply := readFrame(t, peerFd)
	elapsed := time.Since(start)

	assert.Equal(t, wireproto.DropLock, reply.Type)
	assert.GreaterOrEqual(t, elapsed, quantum, "the reset must restart the full quantum, not just top off the remainder")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runTimer did not exit after cancellation")
	}
}
