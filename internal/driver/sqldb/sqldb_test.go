package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T, tables uint32) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "bench.db") + "?_busy_timeout=5000"
	db, err := Open(context.Background(), "sqlite", driver.Config{
		Tables:  tables,
		Options: map[string]string{OptDSN: dsn, OptTablePrefix: "t"},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateSchema(context.Background()))
	require.NoError(t, db.Prepare(context.Background()))
	return db
}

func exec(t *testing.T, db *DB, kind models.MessageType, ts uint64, device, table uint32) {
	t.Helper()
	require.NoError(t, db.Execute(context.Background(), models.NewMessage(kind, ts, device, table)))
}

func TestRegisteredDialects(t *testing.T) {
	names := driver.Names()
	for _, n := range []string{"sqlite", "duckdb", "postgres", "clickhouse"} {
		assert.Contains(t, names, n)
	}
	assert.Equal(t, "bench", driver.Defaults("postgres")[OptTablePrefix])
}

func TestBind(t *testing.T) {
	pg, _ := lookupDialect("postgres")
	assert.Equal(t, "a = $1 AND b BETWEEN $2 AND $3", pg.bind("a = ? AND b BETWEEN ? AND ?"))

	lite, _ := lookupDialect("sqlite")
	assert.Equal(t, "a = ?", lite.bind("a = ?"))
}

func TestStatementsUseTableName(t *testing.T) {
	d, ok := lookupDialect("clickhouse")
	require.True(t, ok)
	st := d.statementsFor("bench_3")
	for _, q := range []string{st.insert, st.delete, st.point, st.scan, st.aggregate, st.tsRange, st.devRange} {
		assert.Contains(t, q, "bench_3")
	}
}

func TestSQLite_EmptyStore(t *testing.T) {
	db := openSQLite(t, 2)
	ctx := context.Background()

	tr, err := db.TimestampRange(ctx, 0)
	require.NoError(t, err)
	assert.True(t, tr.Empty())

	dr, err := db.DeviceRange(ctx, models.DeviceRange{}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRange{}, dr)

	// schema creation is idempotent
	require.NoError(t, db.CreateSchema(ctx))
}

func TestSQLite_RoundTrip(t *testing.T) {
	db := openSQLite(t, 2)
	ctx := context.Background()

	for ts := uint64(60); ts <= 600; ts += 60 {
		exec(t, db, models.Insert, ts, 1, 1)
		exec(t, db, models.Insert, ts, 4, 2)
	}
	exec(t, db, models.Insert, 600, 4, 2) // upsert

	tr, err := db.TimestampRange(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampRange{Min: 60, Max: 600}, tr)

	dr, err := db.DeviceRange(ctx, models.DeviceRange{}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRange{Min: 1, Max: 4}, dr)

	dr, err = db.DeviceRange(ctx, models.DeviceRange{Min: 2, Max: 9}, 2)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRange{Min: 4, Max: 4}, dr)

	for _, kind := range []models.MessageType{models.SelectK1, models.SelectK2, models.SelectK3} {
		exec(t, db, kind, 600, 1, 1)
	}
	// point lookup of a missing row is not an error
	exec(t, db, models.SelectK1, 9999, 1, 1)

	exec(t, db, models.Delete, 300, 1, 1)
	tr, err = db.TimestampRange(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampRange{Min: 360, Max: 600}, tr)

	var rows int
	require.NoError(t, db.db.QueryRow(`SELECT count(*) FROM t_2`).Scan(&rows))
	assert.Equal(t, 10, rows)
}

func TestSQLite_Errors(t *testing.T) {
	db := openSQLite(t, 1)

	assert.Error(t, db.Execute(context.Background(), models.NewMessage(models.Insert, 60, 1, 2)))
	assert.Error(t, db.Execute(context.Background(), models.NewMessage(models.MessageType(42), 60, 1, 1)))
	_, err := db.TimestampRange(context.Background(), 5)
	assert.Error(t, err)

	_, err = Open(context.Background(), "oracle", driver.Config{}, zerolog.Nop())
	assert.Error(t, err)
}
