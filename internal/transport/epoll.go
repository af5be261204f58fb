package transport

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nvshare-io/nvshare/internal/xerrors"
)

// Poller is a thin wrapper around epoll with level-triggered readiness,
// matching the single-threaded event loop the scheduler daemon is built
// around (see scheduler package).
type Poller struct {
	epfd int
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, xerrors.Wrap("epoll_create1", xerrors.CodeFatalHost, err)
	}
	return &Poller{epfd: epfd}, nil
}

// Add registers fd for level-triggered readable events.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("transport: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Safe to call on an fd already closed by the
// caller (duplicate removal is treated as a no-op).
func (p *Poller) Remove(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Event is a ready fd plus the raw event bits epoll reported for it.
type Event struct {
	Fd     int32
	Events uint32
}

// HupOrErr reports whether the event carries only error/hangup bits,
// meaning the daemon should evict the client without attempting a read.
func (e Event) HupOrErr() bool {
	return e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && e.Events&unix.EPOLLIN == 0
}

// Wait blocks until at least one registered fd is ready, an EINTR-free
// timeout elapses, or an error occurs. timeoutMs < 0 blocks indefinitely.
// EINTR is retried transparently, matching the signal-interruption
// policy for blocking syscalls.
func (p *Poller) Wait(buf []unix.EpollEvent, timeoutMs int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("transport: epoll_wait: %w", err)
		}
		out := make([]Event, n)
		for i := 0; i < n; i++ {
			out[i] = Event{Fd: buf[i].Fd, Events: buf[i].Events}
		}
		return out, nil
	}
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
