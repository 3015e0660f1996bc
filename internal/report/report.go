// Package report writes one JSON document per completed phase to the
// configured storage backend.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/basekick-labs/arc-bench/internal/storage"
	"github.com/basekick-labs/arc-bench/internal/workload"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Report is the persisted outcome of one phase
type Report struct {
	RunID      string                 `json:"run_id"`
	Version    string                 `json:"version"`
	Driver     string                 `json:"driver"`
	Phase      string                 `json:"phase"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Error      string                 `json:"error,omitempty"`
	Config     any                    `json:"config"`
	Result     *workload.PhaseResult  `json:"result,omitempty"`
	Metrics    map[string]interface{} `json:"metrics"`
}

// Writer stamps reports with a run id and stores them below prefix
type Writer struct {
	backend storage.Backend
	prefix  string
	runID   string
	version string
	driver  string
	config  any
	logger  zerolog.Logger
}

// NewWriter creates a writer with a fresh run id. config is embedded in
// every report and must already be redacted.
func NewWriter(backend storage.Backend, prefix, version, driver string, config any, logger zerolog.Logger) *Writer {
	return &Writer{
		backend: backend,
		prefix:  prefix,
		runID:   uuid.NewString(),
		version: version,
		driver:  driver,
		config:  config,
		logger:  logger.With().Str("component", "report").Logger(),
	}
}

// RunID identifies every report of this process
func (w *Writer) RunID() string {
	return w.runID
}

// Path returns the object path of a phase report
func (w *Writer) Path(phase string) string {
	return path.Join(w.prefix, w.runID, phase+".json")
}

// New starts a report for phase
func (w *Writer) New(phase string, started time.Time) *Report {
	return &Report{
		RunID:     w.runID,
		Version:   w.version,
		Driver:    w.driver,
		Phase:     phase,
		StartedAt: started.UTC(),
		Config:    w.config,
	}
}

// Write finalizes r and stores it, returning the object path
func (w *Writer) Write(ctx context.Context, r *Report, result *workload.PhaseResult, snapshot map[string]interface{}, phaseErr error) (string, error) {
	r.FinishedAt = time.Now().UTC()
	r.Result = result
	r.Metrics = snapshot
	if phaseErr != nil {
		r.Error = phaseErr.Error()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	p := w.Path(r.Phase)
	if err := w.backend.Write(ctx, p, data); err != nil {
		return "", fmt.Errorf("write report %s: %w", p, err)
	}
	w.logger.Info().
		Str("run_id", w.runID).
		Str("phase", r.Phase).
		Str("backend", w.backend.Type()).
		Str("path", p).
		Msg("Report written")
	return p, nil
}

// Read loads a stored phase report of this run
func (w *Writer) Read(ctx context.Context, phase string) (*Report, error) {
	data, err := w.backend.Read(ctx, w.Path(phase))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
