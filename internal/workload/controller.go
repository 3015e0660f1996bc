// Package workload drives the two benchmark phases: a deterministic bulk
// load (Prepare) and a time-advancing mixed insert/read stream (Run). It
// enumerates (device, timestamp, table) coordinates, pushes messages into
// the work queue and throttles itself against the consumers draining it.
package workload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/arc-bench/internal/keygen"
	"github.com/basekick-labs/arc-bench/internal/progress"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Phase names
const (
	PhasePrepare = "prepare"
	PhaseRun     = "run"
)

// Backpressure multipliers applied to the loader thread count
const (
	prepareSlack = 2
	runSlack     = 10
)

// Store is the storage collaborator the controller drives
type Store interface {
	CreateSchema(ctx context.Context) error
	Prepare(ctx context.Context) error
	Run(ctx context.Context) error
	// TimestampRange returns the stored extent; table 0 spans all tables
	TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error)
	DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error)
}

// Queue is the producer side of the work queue
type Queue interface {
	Push(m models.Message) error
	WaitSizeAtMost(ctx context.Context, n int) error
	WaitEmpty(ctx context.Context) error
}

// Config is the frozen workload shape for a whole run
type Config struct {
	LoadMins       uint64
	MaxDevices     uint32
	DBTables       uint32
	LoaderThreads  int
	StartTimestamp uint64

	// KeyBias is handed to the key generator on every draw
	KeyBias float64

	// EnableDeletes turns on trailing deletes of the oldest data in the run
	// phase. Off unless explicitly requested.
	EnableDeletes bool

	// MaxStepsPerSecond caps how fast the run phase advances simulated
	// time. Zero means unlimited.
	MaxStepsPerSecond float64

	Progress *progress.Config
}

// Controller runs the Prepare and Run phases. Only one phase may be active
// at a time.
type Controller struct {
	cfg     Config
	store   Store
	queue   Queue
	keys    keygen.Generator
	ops     *keygen.OpChooser
	tracker *progress.Tracker
	logger  zerolog.Logger

	reporter atomic.Pointer[progress.Reporter]
	phase    atomic.Value // string
}

// New creates a controller
func New(cfg Config, store Store, queue Queue, keys keygen.Generator, ops *keygen.OpChooser, logger zerolog.Logger) (*Controller, error) {
	if store == nil || queue == nil {
		return nil, fmt.Errorf("workload: store and queue are required")
	}
	if keys == nil || ops == nil {
		return nil, fmt.Errorf("workload: key generator and read kind chooser are required")
	}
	if cfg.LoaderThreads < 1 {
		return nil, fmt.Errorf("workload: loader threads must be at least 1, got %d", cfg.LoaderThreads)
	}

	c := &Controller{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		keys:    keys,
		ops:     ops,
		tracker: progress.NewTracker(),
		logger:  logger.With().Str("component", "workload").Logger(),
	}
	c.phase.Store("")
	return c, nil
}

// PhaseResult summarises one completed phase
type PhaseResult struct {
	Phase          string            `json:"phase"`
	StartTimestamp uint64            `json:"start_timestamp"`
	EndTimestamp   uint64            `json:"end_timestamp"`
	Steps          uint64            `json:"steps"`
	Messages       map[string]uint64 `json:"messages"`
	TotalMessages  uint64            `json:"total_messages"`
	DeclaredTotal  uint64            `json:"declared_total"`
	FinalProgress  uint64            `json:"final_progress"`
	Duration       time.Duration     `json:"duration"`
}

func newPhaseResult(phase string) *PhaseResult {
	return &PhaseResult{Phase: phase, Messages: make(map[string]uint64)}
}

// Progress returns the latest progress sample of the active or last phase
func (c *Controller) Progress() (progress.Sample, bool) {
	r := c.reporter.Load()
	if r == nil {
		return progress.Sample{}, false
	}
	return r.Latest()
}

// Phase returns the active phase name, or "" when idle
func (c *Controller) Phase() string {
	return c.phase.Load().(string)
}

// Tracker exposes the shared progress state
func (c *Controller) Tracker() *progress.Tracker {
	return c.tracker
}

// PrepareStartTimestamp is where a bulk load resumes: one step past the
// stored data, never before the configured floor
func PrepareStartTimestamp(existing models.TimestampRange, floor uint64) uint64 {
	return max(existing.Max+models.StepSeconds, floor)
}

// RunWindow returns the inclusive simulated window of the run phase
func RunWindow(existing models.TimestampRange, loadMins uint64) (start, end uint64) {
	return existing.Max + models.StepSeconds, existing.Max + loadMins*60
}

func (c *Controller) push(res *PhaseResult, m models.Message) error {
	if err := c.queue.Push(m); err != nil {
		return fmt.Errorf("push %s: %w", m, err)
	}
	res.Messages[m.Type.String()]++
	res.TotalMessages++
	return nil
}

// startReporter launches the progress reporter for a phase. The returned
// func stops and joins it and must be deferred.
func (c *Controller) startReporter(ctx context.Context, phase string, startOffset, total uint64) func() {
	r := progress.Start(ctx, phase, c.tracker, startOffset, total, c.cfg.Progress, c.logger)
	c.reporter.Store(r)
	c.phase.Store(phase)
	return func() {
		r.Stop()
		c.phase.Store("")
	}
}

func (c *Controller) newLimiter() *rate.Limiter {
	if c.cfg.MaxStepsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.cfg.MaxStepsPerSecond), 1)
}
