package progress

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often a progress line is emitted
const DefaultInterval = 10 * time.Second

// Config controls the reporter
type Config struct {
	Interval time.Duration
	// SmoothingWindow is the number of intervals averaged for the smoothed
	// ETA. Zero disables smoothing.
	SmoothingWindow int
}

// DefaultConfig returns the default reporter configuration
func DefaultConfig() *Config {
	return &Config{Interval: DefaultInterval}
}

// Reporter samples a Tracker on a fixed interval and logs an estimate of
// completion. It is purely advisory and never fails the phase.
type Reporter struct {
	phase       string
	tracker     *Tracker
	startOffset uint64
	total       uint64
	interval    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	t0       time.Time
	lastDone uint64
	avg      *movingaverage.MovingAverage

	latest atomic.Pointer[Sample]

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start raises the tracker's running flag at startOffset and launches the
// reporting goroutine. The caller must Stop the reporter before the phase
// returns; Stop is safe to defer.
func Start(ctx context.Context, phase string, tracker *Tracker, startOffset, total uint64, cfg *Config, logger zerolog.Logger) *Reporter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	r := &Reporter{
		phase:       phase,
		tracker:     tracker,
		startOffset: startOffset,
		total:       total,
		interval:    interval,
		logger:      logger.With().Str("component", "progress").Str("phase", phase).Logger(),
		now:         time.Now,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if cfg.SmoothingWindow > 0 {
		r.avg = movingaverage.New(cfg.SmoothingWindow)
	}

	r.t0 = r.now()
	tracker.Begin(startOffset)
	go r.loop(ctx)
	return r
}

// Stop clears the running flag and waits for the reporting goroutine to
// exit. No progress line is emitted after Stop returns.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		r.tracker.Stop()
		close(r.quit)
	})
	<-r.done
}

// Latest returns the most recent sample, if any has been taken
func (r *Reporter) Latest() (Sample, bool) {
	s := r.latest.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		case <-ticker.C:
		}
		if !r.tracker.Running() {
			return
		}
		r.report()
	}
}

func (r *Reporter) report() {
	defer func() {
		// a broken log sink must not take the phase down with it
		if p := recover(); p != nil {
			r.logger.Warn().Interface("panic", p).Msg("Progress report failed")
		}
	}()

	s := r.sample()
	r.latest.Store(&s)

	ev := r.logger.Info().
		Float64("elapsed_sec", s.Elapsed.Seconds()).
		Uint64("done", s.Done).
		Uint64("total", s.Total).
		Str("percent", formatPercent(s.Percent)).
		Float64("remaining_sec", s.Remaining.Seconds()).
		Float64("est_total_sec", s.EstimatedTotal.Seconds())
	if s.Smoothed {
		ev = ev.Float64("smoothed_remaining_sec", s.SmoothedRemaining.Seconds())
	}
	ev.Msg("Progress")
}

func (r *Reporter) sample() Sample {
	now := r.now()
	cur := r.tracker.Load()

	var done uint64
	if cur > r.startOffset {
		done = cur - r.startOffset
	}

	s := Estimate(now.Sub(r.t0), done, r.total)
	s.Phase = r.phase
	s.At = now

	if r.avg != nil {
		var delta uint64
		if done > r.lastDone {
			delta = done - r.lastDone
		}
		r.avg.Add(float64(delta) / r.interval.Seconds())
		if rem, ok := remainingAtRate(done, r.total, r.avg.Avg()); ok {
			s.Smoothed = true
			s.SmoothedRemaining = rem
		}
	}
	r.lastDone = done
	return s
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64) + "%"
}
