package metrics

import (
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// Latency histogram upper bounds in microseconds: 100us, 500us, 1ms, 5ms,
// 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
var latencyBounds = [...]int64{100, 500, 1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

const numBuckets = len(latencyBounds) + 1

// reservoirSize bounds the latency samples kept per kind for percentiles
const reservoirSize = 8192

// kindStats is the per message kind state
type kindStats struct {
	ops        atomic.Int64
	errors     atomic.Int64
	latencySum atomic.Int64 // microseconds
	buckets    [numBuckets]atomic.Int64

	mu      sync.Mutex
	samples []int64 // ring of the most recent latencies
	next    int
}

func (k *kindStats) observe(micros int64) {
	k.latencySum.Add(micros)
	k.buckets[bucketFor(micros)].Add(1)

	k.mu.Lock()
	if len(k.samples) < reservoirSize {
		k.samples = append(k.samples, micros)
	} else {
		k.samples[k.next] = micros
		k.next = (k.next + 1) % reservoirSize
	}
	k.mu.Unlock()
}

func (k *kindStats) reset() {
	k.ops.Store(0)
	k.errors.Store(0)
	k.latencySum.Store(0)
	for i := range k.buckets {
		k.buckets[i].Store(0)
	}
	k.mu.Lock()
	k.samples = k.samples[:0]
	k.next = 0
	k.mu.Unlock()
}

// Percentiles of the retained latency samples, in microseconds
type Percentiles struct {
	P50  int64 `json:"p50_us"`
	P95  int64 `json:"p95_us"`
	P99  int64 `json:"p99_us"`
	P999 int64 `json:"p999_us"`
	Max  int64 `json:"max_us"`
}

func (k *kindStats) percentiles() Percentiles {
	k.mu.Lock()
	sorted := slices.Clone(k.samples)
	k.mu.Unlock()

	if len(sorted) == 0 {
		return Percentiles{}
	}
	slices.Sort(sorted)
	at := func(q float64) int64 {
		i := int(q * float64(len(sorted)-1))
		return sorted[i]
	}
	return Percentiles{
		P50:  at(0.50),
		P95:  at(0.95),
		P99:  at(0.99),
		P999: at(0.999),
		Max:  sorted[len(sorted)-1],
	}
}

// Metrics holds the benchmark counters exported by the status server and
// written into reports
type Metrics struct {
	startTime atomic.Int64 // unix nanos of the last Reset

	kinds [models.NumMessageTypes]kindStats

	queueDepth atomic.Int64
	inFlight   atomic.Int64
	retries    atomic.Int64
	workers    atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process wide metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns an independent instance
func New() *Metrics {
	m := &Metrics{logger: zerolog.Nop()}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// Init attaches a logger to the process wide instance
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

func (m *Metrics) kind(t models.MessageType) *kindStats {
	i := int(t)
	if i < 0 || i >= len(m.kinds) {
		return nil
	}
	return &m.kinds[i]
}

// RecordOp records one executed message and its latency
func (m *Metrics) RecordOp(t models.MessageType, latency time.Duration, err error) {
	k := m.kind(t)
	if k == nil {
		return
	}
	k.ops.Add(1)
	if err != nil {
		k.errors.Add(1)
	}
	k.observe(latency.Microseconds())
}

func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Store(int64(n)) }
func (m *Metrics) SetInFlight(n int)   { m.inFlight.Store(int64(n)) }
func (m *Metrics) SetWorkers(n int)    { m.workers.Store(int64(n)) }
func (m *Metrics) IncRetries()         { m.retries.Add(1) }

func (m *Metrics) Ops(t models.MessageType) int64 {
	if k := m.kind(t); k != nil {
		return k.ops.Load()
	}
	return 0
}

func (m *Metrics) Errors(t models.MessageType) int64 {
	if k := m.kind(t); k != nil {
		return k.errors.Load()
	}
	return 0
}

// Reset zeroes every counter and restarts the clock. Called at phase start.
func (m *Metrics) Reset() {
	for i := range m.kinds {
		m.kinds[i].reset()
	}
	m.queueDepth.Store(0)
	m.inFlight.Store(0)
	m.retries.Store(0)
	m.startTime.Store(time.Now().UnixNano())
}

func (m *Metrics) elapsed() time.Duration {
	return time.Since(time.Unix(0, m.startTime.Load()))
}

// KindSnapshot is the exported view of one message kind
type KindSnapshot struct {
	Ops          int64       `json:"ops"`
	Errors       int64       `json:"errors"`
	OpsPerSecond float64     `json:"ops_per_second"`
	AvgLatencyUS float64     `json:"avg_latency_us"`
	Latency      Percentiles `json:"latency"`
}

// Snapshot returns all metrics as a JSON friendly map
func (m *Metrics) Snapshot() map[string]interface{} {
	elapsed := m.elapsed().Seconds()

	kinds := make(map[string]KindSnapshot, len(m.kinds))
	var totalOps, totalErrors int64
	for _, t := range models.AllMessageTypes {
		k := m.kind(t)
		ops := k.ops.Load()
		s := KindSnapshot{
			Ops:     ops,
			Errors:  k.errors.Load(),
			Latency: k.percentiles(),
		}
		if ops > 0 {
			s.AvgLatencyUS = float64(k.latencySum.Load()) / float64(ops)
		}
		if elapsed > 0 {
			s.OpsPerSecond = float64(ops) / elapsed
		}
		totalOps += ops
		totalErrors += s.Errors
		kinds[t.String()] = s
	}

	var throughput float64
	if elapsed > 0 {
		throughput = float64(totalOps) / elapsed
	}

	return map[string]interface{}{
		"elapsed_seconds": elapsed,
		"ops_total":       totalOps,
		"errors_total":    totalErrors,
		"ops_per_second":  throughput,
		"retries_total":   m.retries.Load(),
		"queue_depth":     m.queueDepth.Load(),
		"in_flight":       m.inFlight.Load(),
		"workers":         m.workers.Load(),
		"goroutines":      runtime.NumGoroutine(),
		"kinds":           kinds,
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var b []byte

	b = appendHeader(b, "arcbench_elapsed_seconds", "Time since the current phase started", "gauge")
	b = appendMetric(b, "arcbench_elapsed_seconds", "", m.elapsed().Seconds())

	b = appendHeader(b, "arcbench_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "arcbench_goroutines", "", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "arcbench_queue_depth", "Messages waiting in the work queue", "gauge")
	b = appendMetric(b, "arcbench_queue_depth", "", float64(m.queueDepth.Load()))

	b = appendHeader(b, "arcbench_in_flight", "Messages popped but not yet acknowledged", "gauge")
	b = appendMetric(b, "arcbench_in_flight", "", float64(m.inFlight.Load()))

	b = appendHeader(b, "arcbench_workers", "Running loader workers", "gauge")
	b = appendMetric(b, "arcbench_workers", "", float64(m.workers.Load()))

	b = appendHeader(b, "arcbench_retries_total", "Driver execute retries", "counter")
	b = appendMetric(b, "arcbench_retries_total", "", float64(m.retries.Load()))

	b = appendHeader(b, "arcbench_ops_total", "Executed messages by kind", "counter")
	for _, t := range models.AllMessageTypes {
		b = appendMetric(b, "arcbench_ops_total", kindLabel(t), float64(m.kind(t).ops.Load()))
	}

	b = appendHeader(b, "arcbench_errors_total", "Failed messages by kind", "counter")
	for _, t := range models.AllMessageTypes {
		b = appendMetric(b, "arcbench_errors_total", kindLabel(t), float64(m.kind(t).errors.Load()))
	}

	b = appendHeader(b, "arcbench_latency_seconds", "Execute latency by kind", "histogram")
	for _, t := range models.AllMessageTypes {
		k := m.kind(t)
		var cumulative int64
		for i := range k.buckets {
			cumulative += k.buckets[i].Load()
			le := "+Inf"
			if i < len(latencyBounds) {
				le = strconv.FormatFloat(float64(latencyBounds[i])/1e6, 'g', -1, 64)
			}
			labels := `kind="` + t.String() + `",le="` + le + `"`
			b = appendMetric(b, "arcbench_latency_seconds_bucket", labels, float64(cumulative))
		}
		b = appendMetric(b, "arcbench_latency_seconds_sum", kindLabel(t), float64(k.latencySum.Load())/1e6)
		b = appendMetric(b, "arcbench_latency_seconds_count", kindLabel(t), float64(cumulative))
	}

	return string(b)
}

func bucketFor(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

func kindLabel(t models.MessageType) string {
	return `kind="` + t.String() + `"`
}

func appendHeader(b []byte, name, help, typ string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	return append(b, '\n')
}

func appendMetric(b []byte, name, labels string, value float64) []byte {
	b = append(b, name...)
	if labels != "" {
		b = append(b, '{')
		b = append(b, labels...)
		b = append(b, '}')
	}
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}
