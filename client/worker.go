package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/nvshare-io/nvshare/internal/logging"
	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/internal/wireproto"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// worker is the client's single long-lived background task (§4.3): it
// owns the daemon connection, performs the boot sequence, and runs the
// receive loop that translates inbound control messages into gate-state
// transitions.
type worker struct {
	conn net.Conn
	gate *gate
	log  *logging.Logger

	id           uint64
	podName      string
	podNamespace string

	ready chan struct{}
}

func newWorker(g *gate) *worker {
	return &worker{gate: g, log: logging.Default(), ready: make(chan struct{})}
}

// podIdentity resolves pod name/namespace per §4.3 step 3: only
// meaningful under a cluster scheduler (KUBERNETES_SERVICE_HOST set);
// otherwise both default to "none".
func podIdentity() (name, namespace string) {
	if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		return "none", "none"
	}
	name = os.Getenv("HOSTNAME")
	if name == "" {
		name = "none"
	}
	namespace = readNamespaceFile()
	if namespace == "" {
		namespace = "none"
	}
	return name, namespace
}

func readNamespaceFile() string {
	b, err := os.ReadFile(namespaceFile)
	if err != nil {
		return ""
	}
	line := strings.SplitN(string(b), "\n", 2)[0]
	return strings.TrimSpace(line)
}

// boot performs the connect/REGISTER handshake and starts the receive
// loop. It blocks until the handshake completes (or fails), then returns
// control to the caller while the receive loop continues in the
// background — callers that need to wait for the worker to be fully up
// should block on waitReady after calling boot.
func (w *worker) boot(ctx context.Context, sockPath string) error {
	conn, err := transport.Dial(sockPath)
	if err != nil {
		return fmt.Errorf("client: connect to scheduler: %w", err)
	}
	w.conn = conn

	w.podName, w.podNamespace = podIdentity()

	reg := wireproto.NewMessage(wireproto.Register)
	reg.SetPodName(w.podName)
	reg.SetPodNamespace(w.podNamespace)
	if err := transport.SendMessage(conn, reg); err != nil {
		return fmt.Errorf("client: send REGISTER: %w", err)
	}

	reply, err := transport.ReceiveMessage(conn)
	if err != nil {
		return fmt.Errorf("client: read REGISTER reply: %w", err)
	}
	if reply.Type != wireproto.SchedOn && reply.Type != wireproto.SchedOff {
		return fmt.Errorf("client: unexpected REGISTER reply type %s", reply.Type)
	}

	w.id = reply.ID

	w.gate.mu.Lock()
	if reply.Type == wireproto.SchedOn {
		w.gate.schedulerOn = true
		w.gate.ownLock = false
	} else {
		w.gate.schedulerOn = false
		w.gate.ownLock = true
	}
	w.gate.needLock = false
	w.gate.mu.Unlock()

	w.log.Info("registered with scheduler", "id", fmt.Sprintf("%016x", w.id), "pod", w.podName, "namespace", w.podNamespace, "initial_state", reply.Type.String())
	close(w.ready)

	go w.receiveLoop(ctx)
	return nil
}

// waitReady blocks until boot's handshake has completed.
func (w *worker) waitReady() {
	<-w.ready
}

// sendReqLock is the callback the gate invokes (with the gate mutex
// held) to request the lock.
func (w *worker) sendReqLock() error {
	msg := wireproto.NewMessage(wireproto.ReqLock)
	msg.ID = w.id
	return transport.SendMessage(w.conn, msg)
}

// sendLockReleased reports voluntary or forced lock release.
func (w *worker) sendLockReleased() error {
	msg := wireproto.NewMessage(wireproto.LockReleased)
	msg.ID = w.id
	return transport.SendMessage(w.conn, msg)
}

// receiveLoop implements §4.3's table. It returns when ctx is cancelled
// or, after logging, on a read error — a read error means the daemon
// connection is gone; no reconnect is attempted (see SPEC_FULL.md §9).
func (w *worker) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := transport.ReceiveMessage(w.conn)
		if err != nil {
			w.log.Error("scheduler connection lost", "err", err)
			return
		}

		switch msg.Type {
		case wireproto.LockOK:
			w.gate.handleLockOK()
		case wireproto.DropLock:
			if err := w.gate.handleDropLock(w.sendLockReleased); err != nil {
				w.log.Warn("failed to report LOCK_RELEASED after DROP_LOCK", "err", err)
			}
		case wireproto.SchedOn:
			w.gate.handleSchedOn()
		case wireproto.SchedOff:
			w.gate.handleSchedOff()
		default:
			w.log.Warn("ignoring unexpected message from scheduler", "type", msg.Type.String())
		}
	}
}

// close releases the daemon connection.
func (w *worker) close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}
