package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/arc-bench/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientBackend wraps a storage backend with circuit breaker and retry logic
type ResilientBackend struct {
	Backend

	cb     *circuitbreaker.CircuitBreaker
	cfg    ResilientConfig
	logger zerolog.Logger
}

// ResilientConfig holds configuration for the resilient backend
type ResilientConfig struct {
	MaxFailures int
	Cooldown    time.Duration
	Probes      int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns default resilient backend configuration
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Cooldown:      30 * time.Second,
		Probes:        1,
		MaxRetries:    3,
		RetryDelay:    200 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewResilientBackend wraps backend. Write and Read are retried; the other
// methods pass through.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &ResilientBackend{
		Backend: backend,
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:        "storage-" + backend.Type(),
			MaxFailures: cfg.MaxFailures,
			Cooldown:    cfg.Cooldown,
			Probes:      cfg.Probes,
		}, logger),
		cfg:    *cfg,
		logger: logger.With().Str("component", "resilient-storage").Logger(),
	}
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.retry(ctx, "write", path, func() error {
		return r.Backend.Write(ctx, path, data)
	})
}

// Read retries transient failures. A missing object is returned at once.
func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, "read", path, func() error {
		var readErr error
		data, readErr = r.Backend.Read(ctx, path)
		return readErr
	})
	return data, err
}

func (r *ResilientBackend) retry(ctx context.Context, op, path string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) {
			return err
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage request rejected - circuit breaker open")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay << attempt
		if delay <= 0 || delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Storage request failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.cfg.MaxRetries, lastErr)
}
