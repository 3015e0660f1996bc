package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
)

// Prepare bulk-loads LoadMins minutes of history for every device and
// table. Devices are loaded strictly in order: the queue is drained after
// each device before the next one is enumerated.
func (c *Controller) Prepare(ctx context.Context) (*PhaseResult, error) {
	began := time.Now()
	res := newPhaseResult(PhasePrepare)

	if err := c.store.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := c.store.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	existing, err := c.store.TimestampRange(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("timestamp range: %w", err)
	}

	window := c.cfg.LoadMins * 60
	start := PrepareStartTimestamp(existing, c.cfg.StartTimestamp)
	end := start + window
	total := c.cfg.LoadMins * uint64(c.cfg.MaxDevices) * uint64(c.cfg.DBTables)

	res.StartTimestamp = start
	res.EndTimestamp = end
	res.DeclaredTotal = total

	c.logger.Info().
		Uint64("from_ts", start).
		Uint64("to_ts", end).
		Uint64("range", end-start).
		Uint32("devices", c.cfg.MaxDevices).
		Uint32("tables", c.cfg.DBTables).
		Uint64("total", total).
		Msg("Running prepare")

	stopReporter := c.startReporter(ctx, PhasePrepare, 0, total)
	defer stopReporter()

	threshold := c.cfg.LoaderThreads * prepareSlack

	for device := uint32(1); device <= c.cfg.MaxDevices; device++ {
		for ts := start; ts < end; ts += models.StepSeconds {
			for table := uint32(1); table <= c.cfg.DBTables; table++ {
				if err := c.push(res, models.NewMessage(models.Insert, ts, device, table)); err != nil {
					return nil, err
				}
			}
			c.tracker.Add(uint64(c.cfg.DBTables))
			res.Steps++

			if err := c.queue.WaitSizeAtMost(ctx, threshold); err != nil {
				return nil, fmt.Errorf("prepare backpressure (device %d, ts %d): %w", device, ts, err)
			}
		}

		if err := c.queue.WaitEmpty(ctx); err != nil {
			return nil, fmt.Errorf("prepare drain (device %d): %w", device, err)
		}
		c.logger.Debug().Uint32("device", device).Msg("Device loaded")
	}

	res.FinalProgress = c.tracker.Load()
	res.Duration = time.Since(began)

	c.logger.Info().
		Uint64("messages", res.TotalMessages).
		Dur("duration", res.Duration).
		Msg("Data load finished")
	return res, nil
}
