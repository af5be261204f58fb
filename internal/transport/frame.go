package transport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// ErrPeerDead is returned by the daemon-side raw-fd helpers for any
// condition that the protocol's error taxonomy classifies as "treat as
// peer death, evict, do not retry": EAGAIN/EWOULDBLOCK on a socket that
// epoll just reported ready, EPIPE, ECONNRESET, or a short read
// indicating a partial frame.
var ErrPeerDead = errors.New("transport: peer is dead")

// Accept performs a non-blocking accept on the listener fd. It returns
// (-1, nil, nil) when there is nothing to accept (EAGAIN), which the
// event loop should treat as "spurious, nothing to do" rather than an
// error.
func Accept(listenFd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil, nil
		}
		return -1, nil, fmt.Errorf("transport: accept: %w", err)
	}
	return nfd, sa, nil
}

// RecvFrame performs one non-blocking read of exactly one frame from
// fd. Per the wire protocol's strict partial-frame policy, a short read
// (other than a clean zero-byte close, which is reported via ErrPeerDead
// as well) is treated as a dead peer and the connection must be evicted,
// never retried or reassembled across calls.
func RecvFrame(fd int) (*wireproto.Message, error) {
	buf := make([]byte, wireproto.Size)
	n, err := readFull(fd, buf)
	if err != nil {
		return nil, err
	}
	if n != wireproto.Size {
		return nil, ErrPeerDead
	}
	var m wireproto.Message
	if uerr := wireproto.Unmarshal(buf, &m); uerr != nil {
		return nil, ErrPeerDead
	}
	return &m, nil
}

// readFull reads until buf is full, a clean close is observed, or a
// transient error classifies the peer as dead. EINTR is retried
// transparently; EAGAIN on a socket epoll marked ready is NOT retried —
// per §7 of the design this is deliberately strict, not a short-lived
// backoff opportunity.
func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return total, ErrPeerDead
			}
			return total, ErrPeerDead
		}
		if n == 0 {
			// Clean close, possibly mid-frame: either way, a dead peer.
			return total, ErrPeerDead
		}
		total += n
	}
	return total, nil
}

// SendFrame performs a non-blocking write of exactly one frame to fd.
// Any failure to write the complete frame — including a partial write
// that in principle could be resumed — is treated as fatal to the peer,
// per the design's "no retry on the send path" policy.
func SendFrame(fd int, m *wireproto.Message) error {
	buf := wireproto.Marshal(m)
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return ErrPeerDead
		}
		if n <= 0 {
			return ErrPeerDead
		}
		total += n
		if total < len(buf) {
			// A non-blocking socket that accepted fewer bytes than
			// requested is, per the design notes, treated as a dead
			// peer rather than resumed — preserves the original's
			// strictness on the send path.
			return ErrPeerDead
		}
	}
	return nil
}
