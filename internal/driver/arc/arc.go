// Package arc drives an Arc server. Inserts are MessagePack columnar
// writes over HTTP or MQTT; reads, ranges and deletes go through the
// JSON query and delete APIs.
package arc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// Name is the registry name of this driver
const Name = "arc"

// Option keys
const (
	OptURL            = "url"
	OptDatabase       = "database"
	OptToken          = "token"
	OptTablePrefix    = "table_prefix"
	OptCompression    = "compression"
	OptWriteTransport = "write_transport"
	OptTimeout        = "timeout"
	OptMaxConns       = "max_conns"
	OptMQTTBroker     = "mqtt_broker"
	OptMQTTTopic      = "mqtt_topic"
	OptMQTTClientID   = "mqtt_client_id"
	OptMQTTUsername   = "mqtt_username"
	OptMQTTPassword   = "mqtt_password"
	OptMQTTQoS        = "mqtt_qos"
)

// Write transports
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

func init() {
	driver.Register(Name, func(ctx context.Context, cfg driver.Config, logger zerolog.Logger) (driver.Driver, error) {
		return New(ctx, cfg, logger)
	}, DefaultOptions)
}

// DefaultOptions returns the option defaults of the arc driver
func DefaultOptions() map[string]string {
	return map[string]string{
		OptURL:            "http://localhost:8000",
		OptDatabase:       "arcbench",
		OptTablePrefix:    "bench",
		OptCompression:    CompressionGzip,
		OptWriteTransport: TransportHTTP,
		OptTimeout:        "30s",
		OptMaxConns:       "64",
		OptMQTTBroker:     "tcp://localhost:1883",
		OptMQTTTopic:      "arc-bench/write",
		OptMQTTClientID:   "arc-bench",
		OptMQTTQoS:        "1",
	}
}

// Driver talks to one Arc database
type Driver struct {
	client       *client
	enc          *encoder
	pub          *publisher // nil unless writing over MQTT
	measurements []string   // index 0 is table 1
	logger       zerolog.Logger
}

// New creates the arc driver. With the mqtt transport it connects to the
// broker before returning.
func New(ctx context.Context, cfg driver.Config, logger zerolog.Logger) (*Driver, error) {
	opts := driver.MergeOptions(DefaultOptions(), cfg.Options)

	timeout, err := driver.OptDuration(opts, OptTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	maxConns, err := driver.OptInt(opts, OptMaxConns, 64)
	if err != nil {
		return nil, err
	}

	transport := opts[OptWriteTransport]
	compression := opts[OptCompression]
	if transport == TransportMQTT {
		// the broker carries raw msgpack
		compression = CompressionNone
	}
	enc, err := newEncoder(compression)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		client: newClient(strings.TrimRight(opts[OptURL], "/"), opts[OptDatabase], opts[OptToken], timeout, maxConns),
		enc:    enc,
		logger: logger,
	}
	for n := uint32(1); n <= cfg.Tables; n++ {
		d.measurements = append(d.measurements, driver.TableName(opts[OptTablePrefix], n))
	}

	switch transport {
	case TransportHTTP:
	case TransportMQTT:
		qos, err := driver.OptInt(opts, OptMQTTQoS, 1)
		if err != nil {
			enc.close()
			return nil, err
		}
		d.pub, err = newPublisher(mqttConfig{
			Broker:   opts[OptMQTTBroker],
			ClientID: opts[OptMQTTClientID],
			Topic:    opts[OptMQTTTopic],
			Username: opts[OptMQTTUsername],
			Password: opts[OptMQTTPassword],
			QoS:      qos,
			Timeout:  timeout,
		}, logger)
		if err != nil {
			enc.close()
			return nil, err
		}
	default:
		enc.close()
		return nil, fmt.Errorf("arc: unknown write transport %q", transport)
	}

	logger.Info().
		Str("url", d.client.baseURL).
		Str("database", d.client.database).
		Str("transport", transport).
		Str("compression", compression).
		Msg("Arc driver ready")
	return d, nil
}

func (d *Driver) Name() string { return Name }

func (d *Driver) CreateSchema(ctx context.Context) error {
	// measurements are created by the first write
	if err := d.client.createDatabase(ctx); err != nil {
		return fmt.Errorf("create database %s: %w", d.client.database, err)
	}
	return nil
}

func (d *Driver) Prepare(ctx context.Context) error { return nil }

func (d *Driver) measurement(table uint32) (string, error) {
	if table == 0 || int(table) > len(d.measurements) {
		return "", fmt.Errorf("arc: table %d out of range [1, %d]", table, len(d.measurements))
	}
	return d.measurements[table-1], nil
}

// qualified is the SQL name of a measurement
func (d *Driver) qualified(measurement string) string {
	return d.client.database + "." + measurement
}

func micros(ts uint64) int64 {
	return int64(ts) * 1_000_000
}

func (d *Driver) Execute(ctx context.Context, m models.Message) error {
	meas, err := d.measurement(m.TableID)
	if err != nil {
		return err
	}

	switch m.Type {
	case models.Insert:
		body, encoding, err := d.enc.encode(models.NewColumnarPayload(meas, []models.Reading{models.ReadingFor(m)}))
		if err != nil {
			return err
		}
		if d.pub != nil {
			return d.pub.publish(ctx, body)
		}
		return d.client.write(ctx, body, encoding)

	case models.Delete:
		where := fmt.Sprintf("device_id = %d AND time <= make_timestamp(%d)", m.DeviceID, micros(m.Timestamp))
		return d.client.delete(ctx, meas, where)

	case models.SelectK1:
		_, err = d.client.query(ctx, fmt.Sprintf(
			"SELECT value, status FROM %s WHERE device_id = %d AND time = make_timestamp(%d)",
			d.qualified(meas), m.DeviceID, micros(m.Timestamp)))
		return err

	case models.SelectK2:
		from, to := models.ReadWindow(m)
		_, err = d.client.query(ctx, fmt.Sprintf(
			"SELECT count(*), sum(value) FROM %s WHERE device_id = %d AND time BETWEEN make_timestamp(%d) AND make_timestamp(%d)",
			d.qualified(meas), m.DeviceID, micros(from), micros(to)))
		return err

	case models.SelectK3:
		from, to := models.ReadWindow(m)
		_, err = d.client.query(ctx, fmt.Sprintf(
			"SELECT count(*), avg(value), max(value) FROM %s WHERE time BETWEEN make_timestamp(%d) AND make_timestamp(%d)",
			d.qualified(meas), micros(from), micros(to)))
		return err
	}
	return fmt.Errorf("arc: unsupported message type %s", m.Type)
}

// existing returns the measurements in scope that hold data
func (d *Driver) existing(ctx context.Context, table uint32) ([]string, error) {
	scope := d.measurements
	if table != 0 {
		meas, err := d.measurement(table)
		if err != nil {
			return nil, err
		}
		scope = []string{meas}
	}

	present, err := d.client.measurements(ctx)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	var out []string
	for _, m := range scope {
		if present[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// minMax runs a two column min/max query and returns the row as integers.
// ok is false when the measurement holds no rows.
func (d *Driver) minMax(ctx context.Context, sql string) (lo, hi int64, ok bool, err error) {
	resp, err := d.client.query(ctx, sql)
	if err != nil {
		return 0, 0, false, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0]) < 2 {
		return 0, 0, false, nil
	}
	lo, okLo := asInt(resp.Data[0][0])
	hi, okHi := asInt(resp.Data[0][1])
	return lo, hi, okLo && okHi, nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (d *Driver) TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error) {
	scope, err := d.existing(ctx, table)
	if err != nil {
		return models.TimestampRange{}, err
	}

	var r models.TimestampRange
	for _, meas := range scope {
		lo, hi, ok, err := d.minMax(ctx, fmt.Sprintf(
			"SELECT CAST(epoch(min(time)) AS BIGINT), CAST(epoch(max(time)) AS BIGINT) FROM %s", d.qualified(meas)))
		if err != nil {
			return models.TimestampRange{}, fmt.Errorf("timestamp range of %s: %w", meas, err)
		}
		if !ok {
			continue
		}
		if r.Empty() || uint64(lo) < r.Min {
			r.Min = uint64(lo)
		}
		r.Max = max(r.Max, uint64(hi))
	}
	return r, nil
}

func (d *Driver) DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error) {
	scope, err := d.existing(ctx, table)
	if err != nil {
		return models.DeviceRange{}, err
	}

	var r models.DeviceRange
	for _, meas := range scope {
		sql := fmt.Sprintf("SELECT min(device_id), max(device_id) FROM %s", d.qualified(meas))
		if within.Max > 0 {
			sql += fmt.Sprintf(" WHERE device_id BETWEEN %d AND %d", within.Min, within.Max)
		}
		lo, hi, ok, err := d.minMax(ctx, sql)
		if err != nil {
			return models.DeviceRange{}, fmt.Errorf("device range of %s: %w", meas, err)
		}
		if !ok {
			continue
		}
		if r.Max == 0 || uint32(lo) < r.Min {
			r.Min = uint32(lo)
		}
		r.Max = max(r.Max, uint32(hi))
	}
	return r, nil
}

func (d *Driver) Close() error {
	if d.pub != nil {
		d.pub.close()
	}
	d.enc.close()
	d.client.http.CloseIdleConnections()
	return nil
}
