// Package transport implements the local-socket transport the wire
// protocol rides on: a daemon-side non-blocking, epoll-multiplexed
// listener and per-connection I/O, and client-side blocking connect/
// send/receive helpers.
package transport

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nvshare-io/nvshare/internal/xerrors"
)

// DefaultSockDir is the directory nvshare binds its control socket under,
// overridable via NVSHARE_SOCK_DIR.
const DefaultSockDir = "/var/run/nvshare/"

// SockFileName is the control socket's file name within the socket dir.
const SockFileName = "scheduler.sock"

// SockDir resolves the socket directory, honoring NVSHARE_SOCK_DIR.
func SockDir() string {
	if d := os.Getenv("NVSHARE_SOCK_DIR"); d != "" {
		return d
	}
	return DefaultSockDir
}

// SockPath resolves the full control socket path.
func SockPath() string {
	return filepath.Join(SockDir(), SockFileName)
}

// EnsureSockDir creates the socket directory with mode 0711 (owner rwx,
// group/other execute-only — lets a peer connect() without being able to
// list the directory) if it does not already exist.
func EnsureSockDir(dir string) error {
	if err := os.MkdirAll(dir, 0o711); err != nil {
		return xerrors.Wrap(fmt.Sprintf("mkdir %s", dir), xerrors.CodeFatalHost, err)
	}
	// MkdirAll does not update the mode of a pre-existing directory; force
	// it explicitly since umask may have altered the requested bits.
	if err := os.Chmod(dir, 0o711); err != nil {
		return xerrors.Wrap(fmt.Sprintf("chmod %s", dir), xerrors.CodeFatalHost, err)
	}
	return nil
}

// BindListener removes any stale socket file at path and binds a new
// non-blocking, local-domain stream listener with the on-wire-mandated
// permissions: rwx-w--w- (0722) so peers can connect and write but not
// list or read the directory entry.
func BindListener(path string) (int, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, xerrors.Wrap("socket", xerrors.CodeFatalHost, err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, xerrors.Wrap(fmt.Sprintf("bind %s", path), xerrors.CodeFatalHost, err)
	}

	if err := os.Chmod(path, 0o722); err != nil {
		_ = unix.Close(fd)
		return -1, xerrors.Wrap(fmt.Sprintf("chmod %s", path), xerrors.CodeFatalHost, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, xerrors.Wrap("listen", xerrors.CodeFatalHost, err)
	}

	return fd, nil
}
