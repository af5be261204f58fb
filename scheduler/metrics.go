package scheduler

import (
	"sync/atomic"
	"time"
)

// latencyBuckets defines the lock-wait-latency histogram buckets in
// nanoseconds, log-spaced from 1us to 10s.
var latencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks the daemon's operational statistics: how many clients
// have passed through it, how the lock has changed hands, and how long
// clients waited for a grant.
type Metrics struct {
	registerCount atomic.Uint64

	EvictCount    atomic.Uint64 // clients evicted (dead peer or protocol violation)
	GrantCount    atomic.Uint64 // REQ_LOCK -> LOCK_OK grants
	PreemptCount  atomic.Uint64 // DROP_LOCK sent due to quantum expiry
	SetTQCount    atomic.Uint64 // accepted SET_TQ updates
	RejectTQCount atomic.Uint64 // rejected (non-positive) SET_TQ attempts

	totalWaitNs atomic.Uint64
	waitCount   atomic.Uint64
	waitBuckets [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64
}

// NewMetrics creates a zeroed Metrics with its start time set to now.
// now is supplied by the caller since Metrics itself never calls
// time.Now(); it works only on caller-supplied timestamps and
// durations.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.startTime.Store(now.UnixNano())
	return m
}

func (m *Metrics) recordRegister() { m.registerCount.Add(1) }
func (m *Metrics) recordEvict()    { m.EvictCount.Add(1) }
func (m *Metrics) recordPreempt()  { m.PreemptCount.Add(1) }
func (m *Metrics) recordSetTQ()    { m.SetTQCount.Add(1) }
func (m *Metrics) recordRejectTQ() { m.RejectTQCount.Add(1) }

// recordGrant records a REQ_LOCK-to-LOCK_OK grant and the wait latency
// the client experienced (zero if granted immediately).
func (m *Metrics) recordGrant(wait time.Duration) {
	m.GrantCount.Add(1)
	ns := uint64(wait.Nanoseconds())
	m.totalWaitNs.Add(ns)
	m.waitCount.Add(1)
	for i, bucket := range latencyBuckets {
		if ns <= bucket {
			m.waitBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time read of Metrics, safe to log or
// expose without racing further updates.
type MetricsSnapshot struct {
	RegisterCount uint64
	EvictCount    uint64
	GrantCount    uint64
	PreemptCount  uint64
	SetTQCount    uint64
	RejectTQCount uint64

	AvgWaitNs uint64
	UptimeNs  uint64

	WaitHistogram [numLatencyBuckets]uint64
}

// Snapshot reads every counter into a MetricsSnapshot.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	snap := MetricsSnapshot{
		RegisterCount: m.registerCount.Load(),
		EvictCount:    m.EvictCount.Load(),
		GrantCount:    m.GrantCount.Load(),
		PreemptCount:  m.PreemptCount.Load(),
		SetTQCount:    m.SetTQCount.Load(),
		RejectTQCount: m.RejectTQCount.Load(),
		UptimeNs:      uint64(now.UnixNano() - m.startTime.Load()),
	}
	if n := m.waitCount.Load(); n > 0 {
		snap.AvgWaitNs = m.totalWaitNs.Load() / n
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.WaitHistogram[i] = m.waitBuckets[i].Load()
	}
	return snap
}
