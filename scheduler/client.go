package scheduler

import (
	"time"

	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// clientRecord is the daemon's per-connection bookkeeping. Lifetime
// begins on accept with ID set to the Unregistered sentinel and ends on
// disconnect, protocol violation, or eviction.
type clientRecord struct {
	fd           int
	id           uint64
	podName      string
	podNamespace string

	// hasRequest is true while this client has an outstanding REQ_LOCK
	// entry in the daemon's request queue. Mirrors the source's one
	// request-record-per-client invariant without needing a separate
	// lookup structure.
	hasRequest bool

	// requestedAt is when the current REQ_LOCK entered the queue, used to
	// compute grant-wait latency for Metrics.
	requestedAt time.Time
}

func newClientRecord(fd int) *clientRecord {
	return &clientRecord{fd: fd, id: wireproto.Unregistered}
}

func (c *clientRecord) registered() bool {
	return c.id != wireproto.Unregistered
}
