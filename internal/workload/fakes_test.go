package workload

import (
	"context"
	"errors"
	"sync"

	"github.com/basekick-labs/arc-bench/pkg/models"
)

var errBoom = errors.New("boom")

type fakeStore struct {
	mu sync.Mutex

	tsRange  models.TimestampRange
	devRange models.DeviceRange
	calls    []string

	schemaErr  error
	prepareErr error
	runErr     error
	rangeErr   error
	deviceErr  error
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeStore) CreateSchema(ctx context.Context) error {
	s.record("create_schema")
	return s.schemaErr
}

func (s *fakeStore) Prepare(ctx context.Context) error {
	s.record("prepare")
	return s.prepareErr
}

func (s *fakeStore) Run(ctx context.Context) error {
	s.record("run")
	return s.runErr
}

func (s *fakeStore) TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error) {
	s.record("timestamp_range")
	return s.tsRange, s.rangeErr
}

func (s *fakeStore) DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error) {
	s.record("device_range")
	return s.devRange, s.deviceErr
}

// recordingQueue keeps every pushed message and notes where the
// controller waited
type recordingQueue struct {
	messages   []models.Message
	sizeWaits  []int
	emptyWaits []int // len(messages) at each WaitEmpty

	onWaitSize func(ctx context.Context) error
}

func (q *recordingQueue) Push(m models.Message) error {
	q.messages = append(q.messages, m)
	return nil
}

func (q *recordingQueue) WaitSizeAtMost(ctx context.Context, n int) error {
	q.sizeWaits = append(q.sizeWaits, n)
	if q.onWaitSize != nil {
		return q.onWaitSize(ctx)
	}
	return ctx.Err()
}

func (q *recordingQueue) WaitEmpty(ctx context.Context) error {
	q.emptyWaits = append(q.emptyWaits, len(q.messages))
	return ctx.Err()
}

func (q *recordingQueue) ofType(t models.MessageType) []models.Message {
	var out []models.Message
	for _, m := range q.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// scriptedKeys returns values from fn, clamped to the bound
type scriptedKeys struct {
	fn func(bound uint64) uint64
}

func (k scriptedKeys) Next(bound uint64, bias float64) uint64 {
	if bound == 0 {
		return 0
	}
	v := k.fn(bound)
	if v >= bound {
		return bound - 1
	}
	return v
}

// highest always picks bound-1, i.e. every device reports
var highest = scriptedKeys{fn: func(bound uint64) uint64 { return bound - 1 }}
