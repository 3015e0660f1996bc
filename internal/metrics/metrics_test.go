package metrics

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		micros int64
		want   int
	}{
		{0, 0},
		{100, 0},
		{101, 1},
		{1000, 2},
		{1000000, 10},
		{1000001, 11},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketFor(tt.micros), "micros=%d", tt.micros)
	}
}

func TestRecordOp(t *testing.T) {
	m := New()
	m.RecordOp(models.Insert, 2*time.Millisecond, nil)
	m.RecordOp(models.Insert, 4*time.Millisecond, errors.New("x"))
	m.RecordOp(models.SelectK3, time.Millisecond, nil)
	m.RecordOp(models.MessageType(77), time.Millisecond, nil) // ignored

	assert.Equal(t, int64(2), m.Ops(models.Insert))
	assert.Equal(t, int64(1), m.Errors(models.Insert))
	assert.Equal(t, int64(1), m.Ops(models.SelectK3))
	assert.Zero(t, m.Ops(models.MessageType(77)))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap["ops_total"])
	assert.Equal(t, int64(1), snap["errors_total"])

	kinds := snap["kinds"].(map[string]KindSnapshot)
	ins := kinds["insert"]
	assert.InDelta(t, 3000, ins.AvgLatencyUS, 0.1)
	assert.Equal(t, int64(4000), ins.Latency.Max)
}

func TestPercentiles(t *testing.T) {
	m := New()
	for i := 1; i <= 1000; i++ {
		m.RecordOp(models.SelectK1, time.Duration(i)*time.Microsecond, nil)
	}
	p := m.kind(models.SelectK1).percentiles()
	assert.InDelta(t, 500, p.P50, 2)
	assert.InDelta(t, 950, p.P95, 2)
	assert.InDelta(t, 990, p.P99, 2)
	assert.Equal(t, int64(1000), p.Max)

	assert.Equal(t, Percentiles{}, m.kind(models.Delete).percentiles())
}

func TestReservoirIsBounded(t *testing.T) {
	m := New()
	for i := 0; i < reservoirSize+100; i++ {
		m.RecordOp(models.Insert, time.Microsecond, nil)
	}
	k := m.kind(models.Insert)
	assert.Len(t, k.samples, reservoirSize)
	assert.Equal(t, 100, k.next)
}

func TestReset(t *testing.T) {
	m := New()
	m.RecordOp(models.Insert, time.Millisecond, errors.New("x"))
	m.SetQueueDepth(12)
	m.IncRetries()
	m.Reset()

	assert.Zero(t, m.Ops(models.Insert))
	assert.Zero(t, m.Errors(models.Insert))
	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap["queue_depth"])
	assert.Equal(t, int64(0), snap["retries_total"])
	assert.Equal(t, Percentiles{}, m.kind(models.Insert).percentiles())
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.RecordOp(models.Insert, 50*time.Microsecond, nil)
	m.RecordOp(models.Insert, 2*time.Second, nil)
	m.SetQueueDepth(7)
	m.SetWorkers(4)

	out := m.PrometheusFormat()
	assert.Contains(t, out, "# TYPE arcbench_ops_total counter\n")
	assert.Contains(t, out, `arcbench_ops_total{kind="insert"} 2`+"\n")
	assert.Contains(t, out, `arcbench_ops_total{kind="select_k1"} 0`+"\n")
	assert.Contains(t, out, "arcbench_queue_depth 7\n")
	assert.Contains(t, out, "arcbench_workers 4\n")
	assert.Contains(t, out, `arcbench_latency_seconds_bucket{kind="insert",le="0.0001"} 1`+"\n")
	assert.Contains(t, out, `arcbench_latency_seconds_bucket{kind="insert",le="+Inf"} 2`+"\n")
	assert.Contains(t, out, `arcbench_latency_seconds_count{kind="insert"} 2`+"\n")

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		require.Len(t, strings.Fields(line), 2, line)
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.RecordOp(models.SelectK2, time.Microsecond, nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), m.Ops(models.SelectK2))
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
