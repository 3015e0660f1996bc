// Package shutdown turns SIGINT/SIGTERM into context cancellation and closes
// registered components in priority order.
package shutdown

import (
	"cmp"
	"context"
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdownable is a component closed during shutdown
type Shutdownable interface {
	Close() error
}

// ShutdownFunc performs cleanup within the shutdown deadline
type ShutdownFunc func(ctx context.Context) error

// Priorities for the benchmark components. Lower closes first.
const (
	PriorityStatusServer = 10 // stop serving status first
	PriorityLoader       = 20 // drain workers, close the driver
	PriorityReport       = 30 // final report write
	PriorityStorage      = 40
)

// Coordinator manages graceful shutdown of all components
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	shutdownErr  error
	signals      []os.Signal
}

type step struct {
	name     string
	priority int
	run      ShutdownFunc
}

// New creates a coordinator. Shutdown gives up after timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Register closes component during shutdown
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterHook runs hook during shutdown. Hooks of equal priority run in
// registration order.
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, run: hook})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered for shutdown")
}

// NotifyContext returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal is left to the default handler, so it kills the process.
func (c *Coordinator) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, c.signals...)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			c.logger.Warn().Str("signal", sig.String()).Msg("Received shutdown signal, stopping phase")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shutdown runs every registered step once, lowest priority first. All
// steps run even if some fail; the errors are joined. Steps still pending
// when the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		steps := slices.Clone(c.steps)
		c.mu.Unlock()
		slices.SortStableFunc(steps, func(a, b step) int { return cmp.Compare(a.priority, b.priority) })

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining components")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.run(ctx); err != nil {
				c.logger.Error().Err(err).Str("name", s.name).Msg("Component shutdown failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("name", s.name).Msg("Component shutdown complete")
		}

		c.shutdownErr = errors.Join(errs...)
		c.logger.Debug().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	})
	return c.shutdownErr
}
