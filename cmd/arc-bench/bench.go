package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/arc-bench/internal/api"
	"github.com/basekick-labs/arc-bench/internal/config"
	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/internal/keygen"
	"github.com/basekick-labs/arc-bench/internal/logger"
	"github.com/basekick-labs/arc-bench/internal/metrics"
	"github.com/basekick-labs/arc-bench/internal/progress"
	"github.com/basekick-labs/arc-bench/internal/queue"
	"github.com/basekick-labs/arc-bench/internal/report"
	"github.com/basekick-labs/arc-bench/internal/shutdown"
	"github.com/basekick-labs/arc-bench/internal/storage"
	"github.com/basekick-labs/arc-bench/internal/workload"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"

	// Register storage drivers.
	_ "github.com/basekick-labs/arc-bench/internal/driver/arc"
	_ "github.com/basekick-labs/arc-bench/internal/driver/memory"
	_ "github.com/basekick-labs/arc-bench/internal/driver/sqldb"
)

const (
	phasePrepare = workload.PhasePrepare
	phaseRun     = workload.PhaseRun
)

// reportTimeout bounds the report write after a phase, even a cancelled one
const reportTimeout = 30 * time.Second

// bench is one wired benchmark process
type bench struct {
	cfg        *config.Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	queue      *queue.Queue
	loader     *driver.Loader
	controller *workload.Controller
	reports    *report.Writer
	coord      *shutdown.Coordinator
}

// newBench wires driver, queue, loader and controller and registers them
// with coord. fatal is called when the loader's error budget is spent and
// must cancel the phase context.
func newBench(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, fatal func(error)) (*bench, error) {
	log := logger.Get("bench")
	b := &bench{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.Init(logger.Get("metrics")),
		coord:   coord,
	}

	d, err := driver.New(ctx, cfg.Driver.Name, driver.Config{
		Tables:  cfg.Workload.DBTables,
		Options: cfg.DriverOptions(),
	}, logger.Get("driver"))
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}

	b.queue = queue.New(cfg.Workload.LoaderThreads * 16)
	b.loader, err = driver.NewLoader(d, b.queue, b.metrics, driver.LoaderConfig{
		Threads:   cfg.Workload.LoaderThreads,
		MaxErrors: cfg.Driver.MaxErrors,
		OnFatal:   fatal,
		Resilience: &driver.ResilientConfig{
			MaxFailures:   cfg.Driver.BreakerFailures,
			Cooldown:      cfg.Driver.BreakerCooldown,
			Probes:        1,
			MaxRetries:    cfg.Driver.MaxRetries,
			RetryDelay:    cfg.Driver.RetryDelay,
			RetryMaxDelay: cfg.Driver.RetryMaxDelay,
		},
	}, logger.Get("loader"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create loader: %w", err)
	}
	coord.Register("loader", b.loader, shutdown.PriorityLoader)

	b.controller, err = newController(cfg, b.loader, b.queue)
	if err != nil {
		coord.Shutdown()
		return nil, err
	}

	if cfg.Report.Enabled {
		if err := b.setupReports(ctx); err != nil {
			// reports are advisory
			log.Error().Err(err).Msg("Report storage unavailable, reports disabled")
		}
	}

	if cfg.Status.Enabled {
		b.setupStatus()
	}
	return b, nil
}

func newController(cfg *config.Config, store workload.Store, q workload.Queue) (*workload.Controller, error) {
	w := cfg.Workload

	first, err := models.ParseMessageType(w.SelectFirst)
	if err != nil {
		return nil, err
	}
	last, err := models.ParseMessageType(w.SelectLast)
	if err != nil {
		return nil, err
	}

	keys, err := keygen.New(w.KeyGenerator, w.Seed)
	if err != nil {
		return nil, err
	}
	// offset the seed so read kinds do not mirror read keys
	opSeed := w.Seed
	if opSeed != 0 {
		opSeed++
	}
	ops, err := keygen.NewOpChooser(first, last, opSeed)
	if err != nil {
		return nil, err
	}

	return workload.New(workload.Config{
		LoadMins:          w.LoadMins,
		MaxDevices:        w.MaxDevices,
		DBTables:          w.DBTables,
		LoaderThreads:     w.LoaderThreads,
		StartTimestamp:    w.StartTimestamp,
		KeyBias:           w.KeyBias,
		EnableDeletes:     cfg.Run.EnableDeletes,
		MaxStepsPerSecond: cfg.Run.MaxStepsPerSecond,
		Progress: &progress.Config{
			Interval:        cfg.Progress.Interval,
			SmoothingWindow: cfg.Progress.SmoothingWindow,
		},
	}, store, q, keys, ops, logger.Get("workload"))
}

func (b *bench) setupReports(ctx context.Context) error {
	r := b.cfg.Report
	backend, err := storage.New(ctx, storage.Config{
		Backend:   r.Backend,
		LocalPath: r.LocalPath,
		S3: &storage.S3Config{
			Bucket:    r.S3Bucket,
			Region:    r.S3Region,
			Endpoint:  r.S3Endpoint,
			AccessKey: r.S3AccessKey,
			SecretKey: r.S3SecretKey,
			PathStyle: r.S3PathStyle,
		},
		Azure: &storage.AzureBlobConfig{
			ConnectionString:   r.AzureConnectionString,
			AccountName:        r.AzureAccountName,
			AccountKey:         r.AzureAccountKey,
			UseManagedIdentity: r.AzureUseManagedIdentity,
			ContainerName:      r.AzureContainer,
			Endpoint:           r.AzureEndpoint,
		},
	}, logger.Get("storage"))
	if err != nil {
		return err
	}
	b.coord.Register("report-storage", backend, shutdown.PriorityStorage)

	resilient := storage.NewResilientBackend(backend, nil, logger.Get("storage"))
	b.reports = report.NewWriter(resilient, r.Prefix, Version, b.cfg.Driver.Name, b.cfg.Redacted(), logger.Get("report"))
	return nil
}

func (b *bench) setupStatus() {
	s := b.cfg.Status
	info := map[string]string{
		"driver":  b.cfg.Driver.Name,
		"version": Version,
	}
	if b.reports != nil {
		info["run_id"] = b.reports.RunID()
	}

	srv := api.NewServer(&api.ServerConfig{
		Host:            s.Host,
		Port:            s.Port,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Info:            info,
	}, b.controller, b.metrics, logger.GetBuffer(), logger.Get("api"))
	srv.Start()
	b.coord.RegisterHook("status-server", srv.Shutdown, shutdown.PriorityStatusServer)
}

// runPhases runs the phases in order on one context, so the loader's worker
// pool outlives the first phase. Every phase is reported, failed ones too.
func (b *bench) runPhases(ctx context.Context, phases ...string) error {
	for _, phase := range phases {
		started := time.Now()
		res, err := b.runPhase(ctx, phase)
		if cause := context.Cause(ctx); err != nil && cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", err, cause)
		}

		b.writeReport(ctx, phase, started, res, err)
		if err != nil {
			return fmt.Errorf("%s phase: %w", phase, err)
		}
		b.logSummary(phase, res)
	}
	return nil
}

func (b *bench) runPhase(ctx context.Context, phase string) (*workload.PhaseResult, error) {
	switch phase {
	case phasePrepare:
		return b.controller.Prepare(ctx)
	case phaseRun:
		res, err := b.controller.Run(ctx)
		if err != nil {
			return nil, err
		}
		// the run phase returns with work still queued; wait for it so the
		// metrics cover every message
		if err := b.queue.WaitEmpty(ctx); err != nil {
			return res, fmt.Errorf("run drain: %w", err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
}

func (b *bench) writeReport(ctx context.Context, phase string, started time.Time, res *workload.PhaseResult, phaseErr error) {
	if b.reports == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	rep := b.reports.New(phase, started)
	if _, err := b.reports.Write(ctx, rep, res, b.metrics.Snapshot(), phaseErr); err != nil {
		b.logger.Error().Err(err).Str("phase", phase).Msg("Failed to write report")
	}
}

func (b *bench) logSummary(phase string, res *workload.PhaseResult) {
	snap := b.metrics.Snapshot()
	kinds, _ := snap["kinds"].(map[string]metrics.KindSnapshot)

	for _, t := range models.AllMessageTypes {
		k, ok := kinds[t.String()]
		if !ok || k.Ops == 0 {
			continue
		}
		b.logger.Info().
			Str("phase", phase).
			Str("kind", t.String()).
			Int64("ops", k.Ops).
			Int64("errors", k.Errors).
			Float64("ops_per_sec", k.OpsPerSecond).
			Float64("avg_us", k.AvgLatencyUS).
			Int64("p50_us", k.Latency.P50).
			Int64("p99_us", k.Latency.P99).
			Int64("max_us", k.Latency.Max).
			Msg("Latency")
	}

	ev := b.logger.Info().
		Str("phase", phase).
		Interface("ops_total", snap["ops_total"]).
		Interface("errors_total", snap["errors_total"]).
		Interface("retries_total", snap["retries_total"]).
		Interface("ops_per_second", snap["ops_per_second"])
	if res != nil {
		ev = ev.Uint64("messages", res.TotalMessages).
			Uint64("steps", res.Steps).
			Dur("duration", res.Duration)
	}
	ev.Msg("Phase complete")
}

// Close releases every component in shutdown order
func (b *bench) Close() error {
	return b.coord.Shutdown()
}

func phaseList(phases []string) string {
	return strings.Join(phases, "+")
}
