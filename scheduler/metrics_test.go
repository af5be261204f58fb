package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshotStartsZero(t *testing.T) {
	m := NewMetrics(time.Now())
	snap := m.Snapshot(time.Now())

	assert.Zero(t, snap.RegisterCount)
	assert.Zero(t, snap.GrantCount)
	assert.Zero(t, snap.EvictCount)
	assert.Zero(t, snap.AvgWaitNs)
}

func TestMetricsRecordGrantComputesAverageWait(t *testing.T) {
	m := NewMetrics(time.Now())

	m.recordGrant(10 * time.Millisecond)
	m.recordGrant(30 * time.Millisecond)

	snap := m.Snapshot(time.Now())
	assert.Equal(t, uint64(2), snap.GrantCount)
	assert.Equal(t, uint64(20*time.Millisecond), snap.AvgWaitNs)
}

func TestMetricsRecordGrantPopulatesHistogram(t *testing.T) {
	m := NewMetrics(time.Now())

	m.recordGrant(500 * time.Microsecond) // falls in the 1ms bucket and above
	snap := m.Snapshot(time.Now())

	var total uint64
	for _, c := range snap.WaitHistogram {
		total += c
	}
	assert.Greater(t, total, uint64(0))
}

func TestMetricsCountersIncrement(t *testing.T) {
	m := NewMetrics(time.Now())

	m.recordRegister()
	m.recordEvict()
	m.recordPreempt()
	m.recordSetTQ()
	m.recordRejectTQ()

	snap := m.Snapshot(time.Now())
	assert.Equal(t, uint64(1), snap.RegisterCount)
	assert.Equal(t, uint64(1), snap.EvictCount)
	assert.Equal(t, uint64(1), snap.PreemptCount)
	assert.Equal(t, uint64(1), snap.SetTQCount)
	assert.Equal(t, uint64(1), snap.RejectTQCount)
}

func TestMetricsUptimeAdvances(t *testing.T) {
	start := time.Now()
	m := NewMetrics(start)

	snap := m.Snapshot(start.Add(5 * time.Second))
	assert.Equal(t, uint64(5*time.Second), snap.UptimeNs)
}
