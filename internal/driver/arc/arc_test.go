package arc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeArc records what the driver sends and answers like Arc does
type fakeArc struct {
	mu           sync.Mutex
	writes       []models.ColumnarPayload
	encodings    []string
	queries      []string
	deletes      []deleteRequest
	auth         []string
	measurements []string
	dbCreated    bool
	rangeRow     []interface{}
}

func (f *fakeArc) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/databases", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.dbCreated {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.dbCreated = true
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("GET /api/v1/databases/{name}/measurements", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.measurements) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var list measurementList
		for _, m := range f.measurements {
			list.Measurements = append(list.Measurements, struct {
				Name string `json:"name"`
			}{m})
		}
		_ = json.NewEncoder(w).Encode(list)
	})

	mux.HandleFunc("POST /api/v1/write/msgpack", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		enc := r.Header.Get("Content-Encoding")
		switch enc {
		case CompressionGzip:
			zr, err := gzip.NewReader(bytes.NewReader(body))
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, err = io.ReadAll(zr)
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		case CompressionZstd:
			dec, err := zstd.NewReader(nil)
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, err = dec.DecodeAll(body, nil)
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			dec.Close()
		}

		var p models.ColumnarPayload
		if !assert.NoError(t, msgpack.Unmarshal(body, &p)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "arcbench", r.Header.Get("x-arc-database"))

		f.mu.Lock()
		f.writes = append(f.writes, p)
		f.encodings = append(f.encodings, enc)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.queries = append(f.queries, req.SQL)
		row := f.rangeRow
		f.mu.Unlock()

		if strings.Contains(req.SQL, "broken") {
			_ = json.NewEncoder(w).Encode(queryResponse{Success: false, Error: "syntax error"})
			return
		}
		resp := queryResponse{Success: true, Data: [][]interface{}{row}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /api/v1/delete", func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.deletes = append(f.deletes, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	return mux
}

func newTestDriver(t *testing.T, f *fakeArc, opts map[string]string) *Driver {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	merged := driver.MergeOptions(map[string]string{OptURL: srv.URL + "/"}, opts)
	d, err := New(context.Background(), driver.Config{Tables: 2, Options: merged}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(context.Background(), driver.Config{Tables: 1, Options: map[string]string{OptCompression: "lz4"}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(context.Background(), driver.Config{Tables: 1, Options: map[string]string{OptWriteTransport: "carrier-pigeon"}}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(context.Background(), driver.Config{Tables: 1, Options: map[string]string{OptTimeout: "soon"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCreateSchemaIsIdempotent(t *testing.T) {
	f := &fakeArc{}
	d := newTestDriver(t, f, nil)

	require.NoError(t, d.CreateSchema(context.Background()))
	require.NoError(t, d.CreateSchema(context.Background()))
	assert.True(t, f.dbCreated)
}

func TestInsert_Compressions(t *testing.T) {
	for _, c := range []string{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(c, func(t *testing.T) {
			f := &fakeArc{}
			d := newTestDriver(t, f, map[string]string{OptCompression: c, OptToken: "secret"})

			m := models.NewMessage(models.Insert, 120, 7, 2)
			require.NoError(t, d.Execute(context.Background(), m))

			require.Len(t, f.writes, 1)
			p := f.writes[0]
			assert.Equal(t, "bench_2", p.M)
			assert.Len(t, p.Columns["time"], 1)
			assert.EqualValues(t, 120*1_000_000, p.Columns["time"][0])
			assert.EqualValues(t, 7, p.Columns["device_id"][0])
			assert.Equal(t, models.ReadingFor(m).Value, p.Columns["value"][0])
			assert.Equal(t, "Bearer secret", f.auth[0])
			if c == CompressionNone {
				assert.Empty(t, f.encodings[0])
			} else {
				assert.Equal(t, c, f.encodings[0])
			}
		})
	}
}

func TestReadsAndDeletes(t *testing.T) {
	f := &fakeArc{rangeRow: []interface{}{1, 2}}
	d := newTestDriver(t, f, nil)
	ctx := context.Background()

	require.NoError(t, d.Execute(ctx, models.NewMessage(models.SelectK1, 3600, 1, 1)))
	require.NoError(t, d.Execute(ctx, models.NewMessage(models.SelectK2, 7200, 1, 1)))
	require.NoError(t, d.Execute(ctx, models.NewMessage(models.SelectK3, 7200, 1, 2)))
	require.NoError(t, d.Execute(ctx, models.NewMessage(models.Delete, 600, 4, 1)))

	require.Len(t, f.queries, 3)
	assert.Contains(t, f.queries[0], "FROM arcbench.bench_1 WHERE device_id = 1 AND time = make_timestamp(3600000000)")
	assert.Contains(t, f.queries[1], "BETWEEN make_timestamp(3600000000) AND make_timestamp(7200000000)")
	assert.Contains(t, f.queries[2], "FROM arcbench.bench_2")
	assert.Contains(t, f.queries[2], "make_timestamp(6600000000)")

	require.Len(t, f.deletes, 1)
	assert.Equal(t, deleteRequest{
		Database:    "arcbench",
		Measurement: "bench_1",
		Where:       "device_id = 4 AND time <= make_timestamp(600000000)",
		Confirm:     true,
	}, f.deletes[0])

	assert.Error(t, d.Execute(ctx, models.NewMessage(models.Insert, 60, 1, 3)))
}

func TestRanges(t *testing.T) {
	t.Run("missing database is empty", func(t *testing.T) {
		f := &fakeArc{}
		d := newTestDriver(t, f, nil)

		tr, err := d.TimestampRange(context.Background(), 0)
		require.NoError(t, err)
		assert.True(t, tr.Empty())
		dr, err := d.DeviceRange(context.Background(), models.DeviceRange{}, 0)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceRange{}, dr)
		assert.Empty(t, f.queries)
	})

	t.Run("combines measurements", func(t *testing.T) {
		f := &fakeArc{measurements: []string{"bench_1", "bench_2", "other"}, rangeRow: []interface{}{60, 600}}
		d := newTestDriver(t, f, nil)

		tr, err := d.TimestampRange(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, models.TimestampRange{Min: 60, Max: 600}, tr)
		assert.Len(t, f.queries, 2)

		dr, err := d.DeviceRange(context.Background(), models.DeviceRange{Min: 1, Max: 10}, 1)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceRange{Min: 60, Max: 600}, dr)
		assert.Contains(t, f.queries[2], "WHERE device_id BETWEEN 1 AND 10")
	})

	t.Run("null aggregates are skipped", func(t *testing.T) {
		f := &fakeArc{measurements: []string{"bench_1"}, rangeRow: []interface{}{nil, nil}}
		d := newTestDriver(t, f, nil)

		tr, err := d.TimestampRange(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, tr.Empty())
	})
}

func TestQueryFailureSurfaces(t *testing.T) {
	f := &fakeArc{}
	d := newTestDriver(t, f, map[string]string{OptDatabase: "arcbench", OptTablePrefix: "broken"})

	err := d.Execute(context.Background(), models.NewMessage(models.SelectK1, 60, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := New(context.Background(), driver.Config{Tables: 1, Options: map[string]string{OptURL: srv.URL}}, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	err = d.Execute(context.Background(), models.NewMessage(models.Insert, 60, 1, 1))
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
}
