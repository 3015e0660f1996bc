package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basekick-labs/arc-bench/internal/metrics"
	"github.com/basekick-labs/arc-bench/internal/queue"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, d Driver, cfg LoaderConfig) (*Loader, *queue.Queue, *metrics.Metrics) {
	t.Helper()
	q := queue.New(16)
	m := metrics.New()
	if cfg.Resilience == nil {
		cfg.Resilience = fastRetries(0)
	}
	l, err := NewLoader(d, q, m, cfg, zerolog.Nop())
	require.NoError(t, err)
	return l, q, m
}

func TestNewLoader_Validation(t *testing.T) {
	q := queue.New(0)
	_, err := NewLoader(nil, q, nil, LoaderConfig{Threads: 1}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewLoader(&stubDriver{}, q, nil, LoaderConfig{Threads: 0}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewLoader(&stubDriver{}, q, nil, LoaderConfig{Threads: 1, MaxErrors: 3}, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoader_DrainsQueue(t *testing.T) {
	d := &stubDriver{delay: time.Millisecond}
	l, q, m := newTestLoader(t, d, LoaderConfig{Threads: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, l.Prepare(ctx))
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, q.Push(models.NewMessage(models.Insert, 60*(i+1), 1, 1)))
	}
	require.NoError(t, q.Push(models.NewMessage(models.SelectK2, 600, 1, 1)))

	require.NoError(t, q.WaitEmpty(ctx))
	assert.Equal(t, 51, d.count())
	assert.Equal(t, int64(50), m.Ops(models.Insert))
	assert.Equal(t, int64(1), m.Ops(models.SelectK2))

	require.NoError(t, l.Close())
	assert.True(t, d.closed)
	assert.ErrorIs(t, q.Push(models.Message{}), queue.ErrClosed)
}

func TestLoader_StartsWorkersOnce(t *testing.T) {
	d := &stubDriver{}
	l, q, m := newTestLoader(t, d, LoaderConfig{Threads: 2})
	ctx := context.Background()

	require.NoError(t, l.Prepare(ctx))
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, int64(2), m.Snapshot()["workers"])

	require.NoError(t, q.Push(models.NewMessage(models.Insert, 60, 1, 1)))
	require.NoError(t, q.WaitEmpty(ctx))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, int64(0), m.Snapshot()["workers"])
}

func TestLoader_PassThrough(t *testing.T) {
	l, _, _ := newTestLoader(t, &stubDriver{}, LoaderConfig{Threads: 1})
	ctx := context.Background()

	require.NoError(t, l.CreateSchema(ctx))
	tr, err := l.TimestampRange(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampRange{Min: 60, Max: 120}, tr)
	dr, err := l.DeviceRange(ctx, models.DeviceRange{}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), dr.Max)

	// closing a loader that never started only closes the driver
	require.NoError(t, l.Close())
}

func TestLoader_CountsFailuresAndContinues(t *testing.T) {
	d := &stubDriver{failFor: func(m models.Message, _ int) error {
		if m.DeviceID == 2 {
			return errFlaky
		}
		return nil
	}}
	l, q, m := newTestLoader(t, d, LoaderConfig{Threads: 2})
	ctx := context.Background()

	require.NoError(t, l.Run(ctx))
	for dev := uint32(1); dev <= 3; dev++ {
		require.NoError(t, q.Push(models.NewMessage(models.Insert, 60, dev, 1)))
	}
	require.NoError(t, q.WaitEmpty(ctx))

	assert.Equal(t, int64(1), l.Failures())
	assert.Equal(t, int64(1), m.Errors(models.Insert))
	assert.Equal(t, int64(3), m.Ops(models.Insert))
	require.NoError(t, l.Close())
}

func TestLoader_ErrorBudget(t *testing.T) {
	d := &stubDriver{failFor: func(models.Message, int) error { return errFlaky }}
	var fatal atomic.Pointer[error]
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	l, q, _ := newTestLoader(t, d, LoaderConfig{
		Threads:   1,
		MaxErrors: 2,
		OnFatal: func(err error) {
			fatal.Store(&err)
			cancel(err)
		},
	})

	require.NoError(t, l.Run(ctx))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Push(models.NewMessage(models.Insert, 60*i, 1, 1)))
	}

	// the producer observes the cancelled phase instead of a drain
	err := q.WaitEmpty(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, context.Cause(ctx), ErrTooManyErrors)
	require.NotNil(t, fatal.Load())

	closeErr := l.Close()
	assert.True(t, errors.Is(closeErr, ErrTooManyErrors))
	assert.Equal(t, int64(2), l.Failures())
}
