package scheduler

import (
	"strconv"

	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/internal/wireproto"
)

// dispatchLocked implements the daemon's per-message dispatch table
// (§4.8). Called with d.mu held, from the event loop.
func (d *Daemon) dispatchLocked(c *clientRecord, msg *wireproto.Message) {
	switch msg.Type {
	case wireproto.Register:
		d.handleRegisterLocked(c, msg)
	case wireproto.ReqLock:
		d.handleReqLockLocked(c)
	case wireproto.LockReleased:
		d.handleLockReleasedLocked(c)
	case wireproto.SetTQ:
		d.handleSetTQLocked(msg)
	case wireproto.SchedOn:
		d.handleSchedOnLocked()
	case wireproto.SchedOff:
		d.handleSchedOffLocked()
	default:
		d.log.Warn("ignoring unexpected message", "type", msg.Type.String(), "fd", c.fd)
	}
}

func (d *Daemon) handleRegisterLocked(c *clientRecord, msg *wireproto.Message) {
	if c.registered() {
		d.log.Warn("duplicate REGISTER, evicting", "fd", c.fd)
		d.evictLocked(c)
		return
	}

	c.id = d.idGen.next(d.clients)
	c.podName = msg.PodNameString()
	c.podNamespace = msg.PodNamespaceString()

	reply := wireproto.NewMessage(wireproto.SchedOff)
	if d.schedulerOn {
		reply.Type = wireproto.SchedOn
	}
	reply.ID = c.id
	reply.SetData(formatHexID(c.id))

	if err := transport.SendFrame(c.fd, reply); err != nil {
		d.evictLocked(c)
		return
	}
	d.metrics.recordRegister()
	d.log.Info("registered client", "id", formatHexID(c.id), "fd", c.fd)
}

func (d *Daemon) handleReqLockLocked(c *clientRecord) {
	if !c.registered() {
		d.evictLocked(c)
		return
	}
	if !d.schedulerOn {
		return
	}
	d.insertRequestLocked(c)
	if !d.lockHeld {
		d.tryScheduleLocked()
	}
}

func (d *Daemon) handleLockReleasedLocked(c *clientRecord) {
	if !c.registered() {
		d.evictLocked(c)
		return
	}
	if !d.schedulerOn {
		return
	}
	d.removeRequestLocked(c)
	if !d.lockHeld {
		d.tryScheduleLocked()
	}
}

func (d *Daemon) handleSetTQLocked(msg *wireproto.Message) {
	n, err := strconv.Atoi(msg.DataString())
	if err != nil {
		d.log.Warn("malformed SET_TQ payload, ignoring", "data", msg.DataString())
		return
	}
	if n <= 0 {
		// The daemon no longer blindly trusts a non-positive quantum from
		// any local peer with write access to the socket; the CLI is the
		// primary enforcement point but this is defense in depth (see
		// SPEC_FULL.md §9, resolved open question on SET_TQ validation).
		d.metrics.recordRejectTQ()
		d.log.Warn("rejecting non-positive SET_TQ", "value", n)
		return
	}
	d.quantum = secondsToDuration(n)
	d.signalTimerResetLocked()
	d.metrics.recordSetTQ()
	d.log.Info("time quantum updated", "seconds", n)
}

func (d *Daemon) handleSchedOnLocked() {
	if d.schedulerOn {
		return
	}
	d.schedulerOn = true
	d.broadcastLocked(wireproto.SchedOn)
	d.log.Info("scheduler turned on")
}

func (d *Daemon) handleSchedOffLocked() {
	if !d.schedulerOn {
		return
	}
	d.schedulerOn = false
	d.broadcastLocked(wireproto.SchedOff)
	for _, r := range d.requests {
		r.hasRequest = false
	}
	d.requests = nil
	d.lockHeld = false
	d.log.Info("scheduler turned off")
}
