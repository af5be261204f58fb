package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// Dial connects to the daemon's control socket. Unlike the daemon's own
// listener, client connections are ordinary blocking net.Conns — the
// client only ever talks to one peer and has no multiplexing to do.
func Dial(path string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return conn, nil
}

// SendMessage writes exactly one frame to conn, looping until the full
// frame is written (net.Conn already retries EINTR internally).
func SendMessage(conn net.Conn, m *wireproto.Message) error {
	buf := wireproto.Marshal(m)
	_, err := conn.Write(buf)
	if err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// ReceiveMessage blocks until exactly one full frame has been read from
// conn. A short read before EOF (a partial frame) is reported as an
// error since it implies a dead or misbehaving peer.
func ReceiveMessage(conn net.Conn) (*wireproto.Message, error) {
	buf := make([]byte, wireproto.Size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}
	var m wireproto.Message
	if err := wireproto.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	return &m, nil
}
