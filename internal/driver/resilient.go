package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/arc-bench/internal/circuitbreaker"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// ResilientConfig holds retry and circuit breaker settings for Execute
type ResilientConfig struct {
	MaxFailures int
	Cooldown    time.Duration
	Probes      int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// OnRetry is called before every retry attempt
	OnRetry func()
}

// DefaultResilientConfig returns the retry policy used when none is set
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:   5,
		Cooldown:      30 * time.Second,
		Probes:        3,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// Resilient wraps a Driver so that Execute is retried with exponential
// backoff behind a circuit breaker. All other methods pass through.
type Resilient struct {
	Driver

	cb     *circuitbreaker.CircuitBreaker
	cfg    ResilientConfig
	logger zerolog.Logger
}

// NewResilient wraps d. A nil config uses DefaultResilientConfig.
func NewResilient(d Driver, cfg *ResilientConfig, logger zerolog.Logger) *Resilient {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        d.Name(),
		MaxFailures: cfg.MaxFailures,
		Cooldown:    cfg.Cooldown,
		Probes:      cfg.Probes,
	}, logger)

	return &Resilient{
		Driver: d,
		cb:     cb,
		cfg:    *cfg,
		logger: logger.With().Str("component", "resilient-driver").Logger(),
	}
}

// Execute runs m against the wrapped driver, retrying transient failures
func (r *Resilient) Execute(ctx context.Context, m models.Message) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.cb.Execute(func() error {
			return r.Driver.Execute(ctx, m)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return fmt.Errorf("%s: %w", m, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.backoff(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry()
		}
		r.logger.Warn().
			Err(err).
			Str("message", m.String()).
			Int("attempt", attempt+1).
			Int("max_retries", r.cfg.MaxRetries).
			Dur("retry_delay", delay).
			Msg("Execute failed, retrying")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d retries: %w", m, r.cfg.MaxRetries, lastErr)
}

func (r *Resilient) backoff(attempt int) time.Duration {
	delay := r.cfg.RetryDelay << uint(attempt)
	if delay <= 0 || delay > r.cfg.RetryMaxDelay {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

// Breaker exposes the breaker for status reporting
func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker {
	return r.cb
}
