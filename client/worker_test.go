package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// fakeScheduler accepts exactly one connection and lets the test script
// its REGISTER reply and subsequent pushes.
func fakeScheduler(t *testing.T) (sockPath string, accepted chan net.Conn) {
	t.Helper()
	dir := t.TempDir()
	sockPath = filepath.Join(dir, "scheduler.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted = make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return sockPath, accepted
}

func TestWorkerBootRegistersAndSetsInitialGateState(t *testing.T) {
	sockPath, accepted := fakeScheduler(t)

	g := newGate(newFakeDriver(), newRateController(newFakeDriver()))
	w := newWorker(g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootErr := make(chan error, 1)
	go func() { bootErr <- w.boot(ctx, sockPath) }()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("scheduler never accepted connection")
	}
	defer conn.Close()

	reg, err := transport.ReceiveMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, wireproto.Register, reg.Type)
	assert.Equal(t, "none", reg.PodNameString())
	assert.Equal(t, "none", reg.PodNamespaceString())

	reply := wireproto.NewMessage(wireproto.SchedOff)
	reply.ID = 0xABCD
	reply.SetData("000000000000abcd")
	require.NoError(t, transport.SendMessage(conn, reply))

	select {
	case err := <-bootErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("boot did not complete")
	}

	assert.Equal(t, uint64(0xABCD), w.id)
	g.mu.Lock()
	assert.False(t, g.schedulerOn)
	assert.True(t, g.ownLock)
	g.mu.Unlock()
}

func TestWorkerReceiveLoopDispatchesLockOKToGate(t *testing.T) {
	sockPath, accepted := fakeScheduler(t)

	g := newGate(newFakeDriver(), newRateController(newFakeDriver()))
	w := newWorker(g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.boot(ctx, sockPath) }()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("scheduler never accepted connection")
	}
	defer conn.Close()

	_, err := transport.ReceiveMessage(conn)
	require.NoError(t, err)

	reply := wireproto.NewMessage(wireproto.SchedOn)
	reply.ID = 7
	require.NoError(t, transport.SendMessage(conn, reply))

	w.waitReady()

	lockOK := wireproto.NewMessage(wireproto.LockOK)
	require.NoError(t, transport.SendMessage(conn, lockOK))

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.ownLock
	}, time.Second, 10*time.Millisecond)
}
