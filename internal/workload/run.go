package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
)

// Run generates the steady-state benchmark stream. For every simulated
// minute it samples how many devices report, inserts their readings and
// issues one randomly chosen read per device.
func (c *Controller) Run(ctx context.Context) (*PhaseResult, error) {
	began := time.Now()
	res := newPhaseResult(PhaseRun)

	existing, err := c.store.TimestampRange(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("timestamp range: %w", err)
	}

	if err := c.store.Run(ctx); err != nil {
		return nil, fmt.Errorf("start store run: %w", err)
	}

	start, end := RunWindow(existing, c.cfg.LoadMins)
	window := c.cfg.LoadMins * 60

	// trailing pointer at the oldest stored data, one step per minute
	deleteTimestamp := existing.Min

	res.StartTimestamp = start
	res.EndTimestamp = end
	res.DeclaredTotal = window

	c.logger.Info().
		Uint64("from_ts", start).
		Uint64("to_ts", end).
		Int64("range", int64(end)-int64(start)).
		Bool("deletes", c.cfg.EnableDeletes).
		Msg("Running benchmark")

	stopReporter := c.startReporter(ctx, PhaseRun, start, window)
	defer stopReporter()

	limiter := c.newLimiter()
	threshold := c.cfg.LoaderThreads * runSlack

	for ts := start; ts <= end; ts += models.StepSeconds {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("run rate limit (ts %d): %w", ts, err)
			}
		}

		var sampled uint32
		if c.cfg.MaxDevices > 0 {
			sampled = uint32(c.keys.Next(uint64(c.cfg.MaxDevices), c.cfg.KeyBias)) + 1
		}
		known, err := c.store.DeviceRange(ctx, models.DeviceRange{}, 0)
		if err != nil {
			return nil, fmt.Errorf("device range (ts %d): %w", ts, err)
		}
		active := max(sampled, known.Max)

		for device := uint32(1); device <= active; device++ {
			for table := uint32(1); table <= c.cfg.DBTables; table++ {
				if device <= sampled {
					if err := c.push(res, models.NewMessage(models.Insert, ts, device, table)); err != nil {
						return nil, err
					}
				}
				if c.cfg.EnableDeletes && device <= known.Max {
					if err := c.push(res, models.NewMessage(models.Delete, deleteTimestamp, device, table)); err != nil {
						return nil, err
					}
				}
			}

			if c.cfg.DBTables == 0 {
				continue
			}
			selectDevice := uint32(c.keys.Next(uint64(device), c.cfg.KeyBias)) + 1
			selectTable := uint32(c.keys.Next(uint64(c.cfg.DBTables), c.cfg.KeyBias)) + 1
			if err := c.push(res, models.NewMessage(c.ops.Next(), ts, selectDevice, selectTable)); err != nil {
				return nil, err
			}
		}

		deleteTimestamp += models.StepSeconds
		res.Steps++

		if err := c.queue.WaitSizeAtMost(ctx, threshold); err != nil {
			return nil, fmt.Errorf("run backpressure (ts %d): %w", ts, err)
		}
		c.tracker.Set(ts)
	}

	res.FinalProgress = c.tracker.Load()
	res.Duration = time.Since(began)

	c.logger.Info().
		Uint64("messages", res.TotalMessages).
		Uint64("steps", res.Steps).
		Dur("duration", res.Duration).
		Msg("Benchmark finished")
	return res, nil
}
