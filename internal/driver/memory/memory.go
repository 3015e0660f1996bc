// Package memory is a sharded in-process store. It backs dry runs and
// tests where no external database is available.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// Name is the registry name of this driver
const Name = "memory"

func init() {
	driver.Register(Name, func(_ context.Context, cfg driver.Config, logger zerolog.Logger) (driver.Driver, error) {
		return New(cfg.Tables, logger), nil
	}, nil)
}

const numShards = 64

type seriesKey struct {
	table  uint32
	device uint32
}

type point struct {
	ts     uint64
	value  float64
	status int32
}

// series holds one device's points in one table, sorted by ts
type series struct {
	points []point
}

func (s *series) upsert(p point) {
	n := len(s.points)
	if n == 0 || s.points[n-1].ts < p.ts {
		s.points = append(s.points, p)
		return
	}
	i := sort.Search(n, func(i int) bool { return s.points[i].ts >= p.ts })
	if i < n && s.points[i].ts == p.ts {
		s.points[i] = p
		return
	}
	s.points = append(s.points, point{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
}

// window returns the points with from <= ts <= to
func (s *series) window(from, to uint64) []point {
	lo := sort.Search(len(s.points), func(i int) bool { return s.points[i].ts >= from })
	hi := sort.Search(len(s.points), func(i int) bool { return s.points[i].ts > to })
	if lo >= hi {
		return nil
	}
	return s.points[lo:hi]
}

// trim drops points with ts <= upTo and returns how many were removed
func (s *series) trim(upTo uint64) int {
	i := sort.Search(len(s.points), func(i int) bool { return s.points[i].ts > upTo })
	if i == 0 {
		return 0
	}
	s.points = append(s.points[:0], s.points[i:]...)
	return i
}

type shard struct {
	mu     sync.RWMutex
	series map[seriesKey]*series
}

// Store is the memory driver
type Store struct {
	tables uint32
	shards [numShards]shard
	rows   atomic.Int64
	logger zerolog.Logger

	// last read result, kept so reads cannot be optimised away
	sink atomic.Uint64
}

// New creates an empty store with the given table count
func New(tables uint32, logger zerolog.Logger) *Store {
	s := &Store{tables: tables, logger: logger}
	for i := range s.shards {
		s.shards[i].series = make(map[seriesKey]*series)
	}
	return s
}

func (s *Store) shardFor(k seriesKey) *shard {
	h := uint64(k.table)*0x9e3779b97f4a7c15 ^ uint64(k.device)
	return &s.shards[h%numShards]
}

func (s *Store) Name() string { return Name }

func (s *Store) CreateSchema(ctx context.Context) error {
	s.logger.Debug().Uint32("tables", s.tables).Msg("Schema ready")
	return nil
}

func (s *Store) Prepare(ctx context.Context) error { return nil }

// Rows returns the number of stored points
func (s *Store) Rows() int64 { return s.rows.Load() }

func (s *Store) Execute(ctx context.Context, m models.Message) error {
	if m.TableID == 0 || m.TableID > s.tables {
		return fmt.Errorf("memory: table %d out of range [1, %d]", m.TableID, s.tables)
	}

	switch m.Type {
	case models.Insert:
		r := models.ReadingFor(m)
		k := seriesKey{table: m.TableID, device: m.DeviceID}
		sh := s.shardFor(k)
		sh.mu.Lock()
		ser, ok := sh.series[k]
		if !ok {
			ser = &series{}
			sh.series[k] = ser
		}
		before := len(ser.points)
		ser.upsert(point{ts: r.Timestamp, value: r.Value, status: r.Status})
		s.rows.Add(int64(len(ser.points) - before))
		sh.mu.Unlock()
		return nil

	case models.Delete:
		k := seriesKey{table: m.TableID, device: m.DeviceID}
		sh := s.shardFor(k)
		sh.mu.Lock()
		if ser, ok := sh.series[k]; ok {
			s.rows.Add(-int64(ser.trim(m.Timestamp)))
		}
		sh.mu.Unlock()
		return nil

	case models.SelectK1, models.SelectK2:
		from, to := models.ReadWindow(m)
		k := seriesKey{table: m.TableID, device: m.DeviceID}
		sh := s.shardFor(k)
		sh.mu.RLock()
		var sum float64
		if ser, ok := sh.series[k]; ok {
			for _, p := range ser.window(from, to) {
				sum += p.value
			}
		}
		sh.mu.RUnlock()
		s.sink.Store(uint64(sum))
		return nil

	case models.SelectK3:
		from, to := models.ReadWindow(m)
		var sum, peak float64
		var n int
		s.each(m.TableID, func(_ seriesKey, ser *series) {
			for _, p := range ser.window(from, to) {
				sum += p.value
				peak = max(peak, p.value)
				n++
			}
		})
		if n > 0 {
			s.sink.Store(uint64(sum/float64(n) + peak))
		}
		return nil
	}
	return fmt.Errorf("memory: unsupported message type %s", m.Type)
}

// each visits every series of table under the shard read locks. table 0
// visits all tables.
func (s *Store) each(table uint32, fn func(seriesKey, *series)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, ser := range sh.series {
			if table == 0 || k.table == table {
				fn(k, ser)
			}
		}
		sh.mu.RUnlock()
	}
}

func (s *Store) TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error) {
	var r models.TimestampRange
	first := true
	s.each(table, func(_ seriesKey, ser *series) {
		if len(ser.points) == 0 {
			return
		}
		lo, hi := ser.points[0].ts, ser.points[len(ser.points)-1].ts
		if first {
			r.Min, r.Max = lo, hi
			first = false
			return
		}
		r.Min = min(r.Min, lo)
		r.Max = max(r.Max, hi)
	})
	return r, nil
}

func (s *Store) DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error) {
	var r models.DeviceRange
	first := true
	s.each(table, func(k seriesKey, ser *series) {
		if len(ser.points) == 0 {
			return
		}
		if within.Max > 0 && (k.device < within.Min || k.device > within.Max) {
			return
		}
		if first {
			r.Min, r.Max = k.device, k.device
			first = false
			return
		}
		r.Min = min(r.Min, k.device)
		r.Max = max(r.Max, k.device)
	})
	return r, nil
}

func (s *Store) Close() error { return nil }
