package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/arc-bench/internal/logger"
	"github.com/basekick-labs/arc-bench/internal/metrics"
	"github.com/basekick-labs/arc-bench/internal/progress"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	phase  string
	sample *progress.Sample
}

func (f *fakeStatus) Phase() string { return f.phase }

func (f *fakeStatus) Progress() (progress.Sample, bool) {
	if f.sample == nil {
		return progress.Sample{}, false
	}
	return *f.sample, true
}

func newTestServer(t *testing.T, status Status) (*Server, *metrics.Metrics, *logger.LogBuffer) {
	t.Helper()
	m := metrics.New()
	logs := logger.NewLogBuffer(16)
	cfg := DefaultServerConfig()
	cfg.Info = map[string]string{"driver": "memory"}
	return NewServer(cfg, status, m, logs, zerolog.Nop()), m, logs
}

func doGet(t *testing.T, app *fiber.App, path string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeStatus{})

	resp, body := doGet(t, s.App(), "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "idle", out["phase"])
}

func TestMetrics_Formats(t *testing.T) {
	s, m, _ := newTestServer(t, nil)
	m.RecordOp(models.Insert, 2*time.Millisecond, nil)

	resp, body := doGet(t, s.App(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, string(body), `arcbench_ops_total{kind="insert"} 1`)

	resp, body = doGet(t, s.App(), "/metrics", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.EqualValues(t, 1, snap["ops_total"])

	_, body = doGet(t, s.App(), "/api/v1/metrics", nil)
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Contains(t, snap, "timestamp")
}

func TestProgress(t *testing.T) {
	status := &fakeStatus{}
	s, _, _ := newTestServer(t, status)

	_, body := doGet(t, s.App(), "/api/v1/progress", nil)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, false, out["running"])
	assert.NotContains(t, out, "sample")

	status.phase = "run"
	status.sample = &progress.Sample{Phase: "run", Done: 5, Total: 10, Percent: 50}
	_, body = doGet(t, s.App(), "/api/v1/progress", nil)
	out = nil
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, true, out["running"])
	assert.Equal(t, "run", out["phase"])
	sample := out["sample"].(map[string]any)
	assert.EqualValues(t, 5, sample["done"])
	assert.EqualValues(t, 50, sample["percent"])
}

func TestProgress_NilStatus(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	resp, _ := doGet(t, s.App(), "/api/v1/progress", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogs(t *testing.T) {
	s, _, logs := newTestServer(t, nil)
	logs.Add(logger.LogEntry{Timestamp: time.Now(), Level: "info", Message: "started"})
	logs.Add(logger.LogEntry{Timestamp: time.Now(), Level: "error", Message: "failed"})

	_, body := doGet(t, s.App(), "/api/v1/logs?level=warn", nil)
	var out struct {
		Count int               `json:"count"`
		Logs  []logger.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "failed", out.Logs[0].Message)

	resp, _ := doGet(t, s.App(), "/api/v1/logs?level=loud", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doGet(t, s.App(), "/api/v1/logs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInfo(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	_, body := doGet(t, s.App(), "/api/v1/info", nil)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "memory", out["driver"])
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	resp, body := doGet(t, s.App(), "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "error")
}

func TestAddr(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "0.0.0.0"
	cfg.Port = 9100
	s := NewServer(cfg, nil, metrics.New(), logger.NewLogBuffer(1), zerolog.Nop())
	assert.Equal(t, "0.0.0.0:9100", s.Addr())
}
