package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arc-bench/internal/metrics"
	"github.com/basekick-labs/arc-bench/internal/queue"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrTooManyErrors is passed to OnFatal when the error budget is spent
var ErrTooManyErrors = errors.New("driver: error budget exhausted")

// LoaderConfig configures the consumer side
type LoaderConfig struct {
	// Threads is the number of concurrent workers popping the queue
	Threads int

	// MaxErrors stops the workers once this many messages have failed
	// after retries. Zero means failures are only counted.
	MaxErrors int64

	// OnFatal is called once when the workers stop because of MaxErrors.
	// It should cancel the phase, which is otherwise left waiting for a
	// drain that can no longer happen.
	OnFatal func(error)

	Resilience *ResilientConfig
}

// Loader is the storage collaborator of the workload controller. It owns
// the consumer side of the work queue: a fixed pool of workers that pop
// messages, execute them through the driver and acknowledge them.
type Loader struct {
	driver  Driver
	exec    *Resilient
	queue   *queue.Queue
	metrics *metrics.Metrics
	cfg     LoaderConfig
	logger  zerolog.Logger

	startOnce sync.Once
	group     *errgroup.Group
	stop      context.CancelFunc
	failures  atomic.Int64
	fatalOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewLoader wires d to q. m may be nil, in which case the process wide
// metrics instance is used.
func NewLoader(d Driver, q *queue.Queue, m *metrics.Metrics, cfg LoaderConfig, logger zerolog.Logger) (*Loader, error) {
	if d == nil || q == nil {
		return nil, fmt.Errorf("driver: loader needs a driver and a queue")
	}
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("driver: loader threads must be at least 1, got %d", cfg.Threads)
	}
	if cfg.MaxErrors > 0 && cfg.OnFatal == nil {
		return nil, fmt.Errorf("driver: max errors set without a fatal handler")
	}
	if m == nil {
		m = metrics.Get()
	}

	rc := DefaultResilientConfig()
	if cfg.Resilience != nil {
		c := *cfg.Resilience
		rc = &c
	}
	if rc.OnRetry == nil {
		rc.OnRetry = m.IncRetries
	}

	logger = logger.With().Str("component", "loader").Str("driver", d.Name()).Logger()
	return &Loader{
		driver:  d,
		exec:    NewResilient(d, rc, logger),
		queue:   q,
		metrics: m,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (l *Loader) CreateSchema(ctx context.Context) error {
	return l.driver.CreateSchema(ctx)
}

// Prepare readies the driver for a bulk load and starts the workers
func (l *Loader) Prepare(ctx context.Context) error {
	if err := l.driver.Prepare(ctx); err != nil {
		return err
	}
	l.metrics.Reset()
	l.start(ctx)
	return nil
}

// Run starts the workers for the steady-state phase
func (l *Loader) Run(ctx context.Context) error {
	l.metrics.Reset()
	l.start(ctx)
	return nil
}

func (l *Loader) TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error) {
	return l.driver.TimestampRange(ctx, table)
}

func (l *Loader) DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error) {
	return l.driver.DeviceRange(ctx, within, table)
}

// Resilient returns the retrying executor wrapped around the driver
func (l *Loader) Resilient() *Resilient {
	return l.exec
}

// Failures returns how many messages failed after retries
func (l *Loader) Failures() int64 {
	return l.failures.Load()
}

// start launches the worker pool once, bound to the first phase's ctx. A
// prepare followed by a run shares one pool, so that ctx must span both.
func (l *Loader) start(ctx context.Context) {
	l.startOnce.Do(func() {
		base, cancel := context.WithCancel(ctx)
		l.stop = cancel
		g, gctx := errgroup.WithContext(base)
		l.group = g

		for i := 0; i < l.cfg.Threads; i++ {
			g.Go(func() error {
				return l.work(gctx)
			})
		}
		l.metrics.SetWorkers(l.cfg.Threads)
		l.logger.Info().Int("threads", l.cfg.Threads).Msg("Loader workers started")
	})
}

func (l *Loader) work(ctx context.Context) error {
	for {
		m, err := l.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = l.execute(ctx, m)
		l.queue.Done()
		if err != nil {
			return err
		}
	}
}

func (l *Loader) execute(ctx context.Context, m models.Message) error {
	began := time.Now()
	err := l.exec.Execute(ctx, m)
	l.metrics.RecordOp(m.Type, time.Since(began), err)
	l.metrics.SetQueueDepth(l.queue.Len())
	l.metrics.SetInFlight(l.queue.InFlight())

	if err == nil || ctx.Err() != nil {
		return nil
	}

	n := l.failures.Add(1)
	l.logger.Error().Err(err).Str("message", m.String()).Int64("failures", n).Msg("Execute failed")

	if l.cfg.MaxErrors > 0 && n >= l.cfg.MaxErrors {
		fatal := fmt.Errorf("%w: %d failures", ErrTooManyErrors, n)
		l.fatalOnce.Do(func() { l.cfg.OnFatal(fatal) })
		return fatal
	}
	return nil
}

// Close stops accepting work, lets the workers drain what is queued and
// closes the driver. It returns the first worker error, if any.
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		l.queue.Close()

		var werr error
		if l.group != nil {
			werr = l.group.Wait()
			l.stop()
		}
		l.metrics.SetWorkers(0)

		if err := l.driver.Close(); err != nil {
			l.closeErr = errors.Join(werr, fmt.Errorf("close driver: %w", err))
			return
		}
		l.closeErr = werr
		l.logger.Info().Int64("failures", l.failures.Load()).Msg("Loader closed")
	})
	return l.closeErr
}
