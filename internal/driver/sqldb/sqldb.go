// Package sqldb implements the benchmark driver over database/sql for
// SQLite, DuckDB, PostgreSQL and ClickHouse.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// Option keys
const (
	OptDSN         = "dsn"
	OptTablePrefix = "table_prefix"
	OptMaxConns    = "max_conns"
)

func init() {
	for _, d := range dialects {
		driver.Register(d.name, func(ctx context.Context, cfg driver.Config, logger zerolog.Logger) (driver.Driver, error) {
			return Open(ctx, d.name, cfg, logger)
		}, func() map[string]string {
			return map[string]string{
				OptDSN:         d.defaultDSN,
				OptTablePrefix: "bench",
				OptMaxConns:    "16",
			}
		})
	}
}

// DB is a database/sql backed driver
type DB struct {
	db      *sql.DB
	dialect dialect
	tables  []string // index 0 is table 1
	stmts   []statements
	logger  zerolog.Logger
}

// Open connects to the database of the named dialect
func Open(ctx context.Context, name string, cfg driver.Config, logger zerolog.Logger) (*DB, error) {
	d, ok := lookupDialect(name)
	if !ok {
		return nil, fmt.Errorf("sqldb: unknown dialect %q", name)
	}
	maxConns, err := driver.OptInt(cfg.Options, OptMaxConns, 16)
	if err != nil {
		return nil, err
	}
	if d.maxConns > 0 {
		maxConns = d.maxConns
	}

	dsn := driver.OptString(cfg.Options, OptDSN, d.defaultDSN)
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", name, err)
	}

	prefix := driver.OptString(cfg.Options, OptTablePrefix, "bench")
	s := &DB{
		db:      db,
		dialect: d,
		logger:  logger,
	}
	for n := uint32(1); n <= cfg.Tables; n++ {
		t := driver.TableName(prefix, n)
		s.tables = append(s.tables, t)
		s.stmts = append(s.stmts, d.statementsFor(t))
	}

	logger.Info().
		Str("dialect", name).
		Int("max_connections", maxConns).
		Int("tables", len(s.tables)).
		Msg("SQL driver connected")
	return s, nil
}

func (s *DB) Name() string { return s.dialect.name }

func (s *DB) CreateSchema(ctx context.Context) error {
	for _, t := range s.tables {
		for _, ddl := range s.dialect.createTable(t) {
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create %s: %w", t, err)
			}
		}
	}
	s.logger.Debug().Strs("tables", s.tables).Msg("Schema ready")
	return nil
}

func (s *DB) Prepare(ctx context.Context) error {
	for _, q := range s.dialect.setup {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("prepare %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *DB) table(id uint32) (statements, error) {
	if id == 0 || int(id) > len(s.stmts) {
		return statements{}, fmt.Errorf("sqldb: table %d out of range [1, %d]", id, len(s.stmts))
	}
	return s.stmts[id-1], nil
}

func (s *DB) Execute(ctx context.Context, m models.Message) error {
	st, err := s.table(m.TableID)
	if err != nil {
		return err
	}

	switch m.Type {
	case models.Insert:
		r := models.ReadingFor(m)
		_, err = s.db.ExecContext(ctx, st.insert, int64(r.Timestamp), int64(r.DeviceID), r.Value, int64(r.Status))

	case models.Delete:
		_, err = s.db.ExecContext(ctx, st.delete, int64(m.DeviceID), int64(m.Timestamp))

	case models.SelectK1:
		var value float64
		var status int64
		err = s.db.QueryRowContext(ctx, st.point, int64(m.DeviceID), int64(m.Timestamp)).Scan(&value, &status)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
		}

	case models.SelectK2:
		from, to := models.ReadWindow(m)
		var n int64
		var sum float64
		err = s.db.QueryRowContext(ctx, st.scan, int64(m.DeviceID), int64(from), int64(to)).Scan(&n, &sum)

	case models.SelectK3:
		from, to := models.ReadWindow(m)
		var n int64
		var avg, peak float64
		err = s.db.QueryRowContext(ctx, st.aggregate, int64(from), int64(to)).Scan(&n, &avg, &peak)

	default:
		return fmt.Errorf("sqldb: unsupported message type %s", m.Type)
	}

	if err != nil {
		return fmt.Errorf("%s on %s: %w", m.Type, s.tables[m.TableID-1], err)
	}
	return nil
}

// scope returns the statements covered by a table argument, 0 meaning all
func (s *DB) scope(table uint32) ([]statements, error) {
	if table == 0 {
		return s.stmts, nil
	}
	st, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return []statements{st}, nil
}

func (s *DB) TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error) {
	scope, err := s.scope(table)
	if err != nil {
		return models.TimestampRange{}, err
	}

	var r models.TimestampRange
	for _, st := range scope {
		var lo, hi int64
		if err := s.db.QueryRowContext(ctx, st.tsRange).Scan(&lo, &hi); err != nil {
			return models.TimestampRange{}, fmt.Errorf("timestamp range: %w", err)
		}
		if hi == 0 {
			continue
		}
		if r.Empty() || uint64(lo) < r.Min {
			r.Min = uint64(lo)
		}
		r.Max = max(r.Max, uint64(hi))
	}
	return r, nil
}

func (s *DB) DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error) {
	scope, err := s.scope(table)
	if err != nil {
		return models.DeviceRange{}, err
	}

	var r models.DeviceRange
	for _, st := range scope {
		var lo, hi int64
		var row *sql.Row
		if within.Max > 0 {
			row = s.db.QueryRowContext(ctx, st.devRangeIn, int64(within.Min), int64(within.Max))
		} else {
			row = s.db.QueryRowContext(ctx, st.devRange)
		}
		if err := row.Scan(&lo, &hi); err != nil {
			return models.DeviceRange{}, fmt.Errorf("device range: %w", err)
		}
		if hi == 0 {
			continue
		}
		if r.Max == 0 || uint32(lo) < r.Min {
			r.Min = uint32(lo)
		}
		r.Max = max(r.Max, uint32(hi))
	}
	return r, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}
