package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARCBENCH_WORKLOAD_LOAD_MINS
const EnvPrefix = "ARCBENCH"

// Config holds all configuration for arc-bench. It is frozen once loaded.
type Config struct {
	Workload WorkloadConfig
	Run      RunConfig
	Progress ProgressConfig
	Driver   DriverConfig
	Arc      ArcConfig
	Status   StatusConfig
	Report   ReportConfig
	Log      LogConfig
}

type WorkloadConfig struct {
	LoadMins       uint64  // simulated minutes per phase
	MaxDevices     uint32  // device ids are 1..MaxDevices
	DBTables       uint32  // table ids are 1..DBTables
	LoaderThreads  int     // consumer workers; also scales backpressure
	StartTimestamp uint64  // floor for the first prepare timestamp, seconds
	SelectFirst    string  // first read kind in the run mix (k1..k3)
	SelectLast     string  // last read kind in the run mix (k1..k3)
	KeyGenerator   string  // uniform, zipf or normal
	KeyBias        float64 // generator skew parameter
	Seed           int64   // 0 seeds from the clock
}

type RunConfig struct {
	EnableDeletes     bool    // trailing deletes of the oldest data
	MaxStepsPerSecond float64 // 0 means unlimited
}

type ProgressConfig struct {
	Interval        time.Duration
	SmoothingWindow int // intervals in the ETA moving average, 0 disables
}

type DriverConfig struct {
	Name        string
	DSN         string
	TablePrefix string
	MaxConns    int
	MaxErrors   int64 // stop after this many failed messages, 0 never stops

	MaxRetries      int
	RetryDelay      time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

type ArcConfig struct {
	URL            string
	Database       string
	Token          string
	Compression    string // none, gzip or zstd
	WriteTransport string // http or mqtt
	Timeout        time.Duration

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int
}

type StatusConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type ReportConfig struct {
	Enabled   bool
	Backend   string // local, s3 or azure
	LocalPath string
	Prefix    string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string // custom endpoint for MinIO
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

// NewViper returns a viper instance with defaults, environment binding and
// config file search paths set. Command line flags are bound on top of it.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("arc-bench")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arc-bench/")
	v.AddConfigPath("$HOME/.arc-bench/")
	return v
}

// Load reads the optional config file and builds the configuration. A nil
// v uses NewViper.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Workload: WorkloadConfig{
			LoadMins:       v.GetUint64("workload.load_mins"),
			MaxDevices:     v.GetUint32("workload.max_devices"),
			DBTables:       v.GetUint32("workload.db_tables"),
			LoaderThreads:  v.GetInt("workload.loader_threads"),
			StartTimestamp: v.GetUint64("workload.start_timestamp"),
			SelectFirst:    v.GetString("workload.select_first"),
			SelectLast:     v.GetString("workload.select_last"),
			KeyGenerator:   v.GetString("workload.key_generator"),
			KeyBias:        v.GetFloat64("workload.key_bias"),
			Seed:           v.GetInt64("workload.seed"),
		},
		Run: RunConfig{
			EnableDeletes:     v.GetBool("run.enable_deletes"),
			MaxStepsPerSecond: v.GetFloat64("run.max_steps_per_second"),
		},
		Progress: ProgressConfig{
			Interval:        v.GetDuration("progress.interval"),
			SmoothingWindow: v.GetInt("progress.smoothing_window"),
		},
		Driver: DriverConfig{
			Name:            v.GetString("driver.name"),
			DSN:             v.GetString("driver.dsn"),
			TablePrefix:     v.GetString("driver.table_prefix"),
			MaxConns:        v.GetInt("driver.max_conns"),
			MaxErrors:       v.GetInt64("driver.max_errors"),
			MaxRetries:      v.GetInt("driver.max_retries"),
			RetryDelay:      v.GetDuration("driver.retry_delay"),
			RetryMaxDelay:   v.GetDuration("driver.retry_max_delay"),
			BreakerFailures: v.GetInt("driver.breaker_failures"),
			BreakerCooldown: v.GetDuration("driver.breaker_cooldown"),
		},
		Arc: ArcConfig{
			URL:            v.GetString("arc.url"),
			Database:       v.GetString("arc.database"),
			Token:          v.GetString("arc.token"),
			Compression:    v.GetString("arc.compression"),
			WriteTransport: v.GetString("arc.write_transport"),
			Timeout:        v.GetDuration("arc.timeout"),
			MQTTBroker:     v.GetString("arc.mqtt_broker"),
			MQTTTopic:      v.GetString("arc.mqtt_topic"),
			MQTTClientID:   v.GetString("arc.mqtt_client_id"),
			MQTTUsername:   v.GetString("arc.mqtt_username"),
			MQTTPassword:   v.GetString("arc.mqtt_password"),
			MQTTQoS:        v.GetInt("arc.mqtt_qos"),
		},
		Status: StatusConfig{
			Enabled: v.GetBool("status.enabled"),
			Host:    v.GetString("status.host"),
			Port:    v.GetInt("status.port"),
		},
		Report: ReportConfig{
			Enabled:                 v.GetBool("report.enabled"),
			Backend:                 v.GetString("report.backend"),
			LocalPath:               v.GetString("report.local_path"),
			Prefix:                  v.GetString("report.prefix"),
			S3Bucket:                v.GetString("report.s3_bucket"),
			S3Region:                v.GetString("report.s3_region"),
			S3Endpoint:              v.GetString("report.s3_endpoint"),
			S3AccessKey:             v.GetString("report.s3_access_key"),
			S3SecretKey:             v.GetString("report.s3_secret_key"),
			S3PathStyle:             v.GetBool("report.s3_path_style"),
			AzureConnectionString:   v.GetString("report.azure_connection_string"),
			AzureAccountName:        v.GetString("report.azure_account_name"),
			AzureAccountKey:         v.GetString("report.azure_account_key"),
			AzureContainer:          v.GetString("report.azure_container"),
			AzureEndpoint:           v.GetString("report.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("report.azure_use_managed_identity"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Workload shape
	v.SetDefault("workload.load_mins", 60)
	v.SetDefault("workload.max_devices", 100)
	v.SetDefault("workload.db_tables", 4)
	v.SetDefault("workload.loader_threads", 8)
	v.SetDefault("workload.start_timestamp", 1704067200) // 2024-01-01T00:00:00Z
	v.SetDefault("workload.select_first", "k1")
	v.SetDefault("workload.select_last", "k3")
	v.SetDefault("workload.key_generator", "uniform")
	v.SetDefault("workload.key_bias", 0.0)
	v.SetDefault("workload.seed", 0)

	v.SetDefault("run.enable_deletes", false)
	v.SetDefault("run.max_steps_per_second", 0.0)

	v.SetDefault("progress.interval", "10s")
	v.SetDefault("progress.smoothing_window", 0)

	// Driver defaults
	v.SetDefault("driver.name", "memory")
	v.SetDefault("driver.dsn", "")
	v.SetDefault("driver.table_prefix", "bench")
	v.SetDefault("driver.max_conns", 16)
	v.SetDefault("driver.max_errors", 0)
	v.SetDefault("driver.max_retries", 3)
	v.SetDefault("driver.retry_delay", "100ms")
	v.SetDefault("driver.retry_max_delay", "5s")
	v.SetDefault("driver.breaker_failures", 5)
	v.SetDefault("driver.breaker_cooldown", "30s")

	// Arc target
	v.SetDefault("arc.url", "http://localhost:8000")
	v.SetDefault("arc.database", "arcbench")
	v.SetDefault("arc.token", "")
	v.SetDefault("arc.compression", "gzip")
	v.SetDefault("arc.write_transport", "http")
	v.SetDefault("arc.timeout", "30s")
	v.SetDefault("arc.mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("arc.mqtt_topic", "arc-bench/write")
	v.SetDefault("arc.mqtt_client_id", "arc-bench")
	v.SetDefault("arc.mqtt_qos", 1)

	// Status server - disabled by default
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8090)

	// Reports
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.backend", "local")
	v.SetDefault("report.local_path", "./results")
	v.SetDefault("report.prefix", "arc-bench")
	v.SetDefault("report.s3_region", "us-east-1")
	v.SetDefault("report.s3_path_style", false)
	v.SetDefault("report.azure_use_managed_identity", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

var (
	validReadKinds  = map[string]int{"k1": 1, "k2": 2, "k3": 3}
	validGenerators = map[string]bool{"uniform": true, "zipf": true, "normal": true}
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks the loaded configuration. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	w := c.Workload
	if w.LoaderThreads < 1 {
		add("workload.loader_threads must be at least 1, got %d", w.LoaderThreads)
	}
	first, okFirst := validReadKinds[strings.ToLower(w.SelectFirst)]
	last, okLast := validReadKinds[strings.ToLower(w.SelectLast)]
	switch {
	case !okFirst:
		add("workload.select_first must be one of k1, k2, k3, got %q", w.SelectFirst)
	case !okLast:
		add("workload.select_last must be one of k1, k2, k3, got %q", w.SelectLast)
	case first > last:
		add("workload.select_first (%s) is after workload.select_last (%s)", w.SelectFirst, w.SelectLast)
	}
	if !validGenerators[w.KeyGenerator] {
		add("workload.key_generator must be uniform, zipf or normal, got %q", w.KeyGenerator)
	}
	if w.KeyBias < 0 {
		add("workload.key_bias must not be negative, got %v", w.KeyBias)
	}

	if c.Run.MaxStepsPerSecond < 0 {
		add("run.max_steps_per_second must not be negative")
	}
	if c.Progress.Interval <= 0 {
		add("progress.interval must be positive, got %s", c.Progress.Interval)
	}
	if c.Progress.SmoothingWindow < 0 {
		add("progress.smoothing_window must not be negative")
	}

	if c.Driver.Name == "" {
		add("driver.name is required")
	}
	if c.Driver.MaxRetries < 0 {
		add("driver.max_retries must not be negative")
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		add("status.port out of range: %d", c.Status.Port)
	}

	if c.Report.Enabled {
		switch c.Report.Backend {
		case "local":
		case "s3":
			if c.Report.S3Bucket == "" {
				add("report.s3_bucket is required for the s3 backend")
			}
		case "azure":
			if c.Report.AzureContainer == "" {
				add("report.azure_container is required for the azure backend")
			}
		default:
			add("report.backend must be local, s3 or azure, got %q", c.Report.Backend)
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level must be trace, debug, info, warn or error, got %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// DriverOptions returns the option map handed to the selected driver
func (c *Config) DriverOptions() map[string]string {
	opts := map[string]string{
		"table_prefix": c.Driver.TablePrefix,
		"max_conns":    strconv.Itoa(c.Driver.MaxConns),
	}
	if c.Driver.DSN != "" {
		opts["dsn"] = c.Driver.DSN
	}
	if c.Driver.Name != "arc" {
		return opts
	}

	opts["url"] = c.Arc.URL
	opts["database"] = c.Arc.Database
	opts["token"] = c.Arc.Token
	opts["compression"] = c.Arc.Compression
	opts["write_transport"] = c.Arc.WriteTransport
	opts["timeout"] = c.Arc.Timeout.String()
	opts["mqtt_broker"] = c.Arc.MQTTBroker
	opts["mqtt_topic"] = c.Arc.MQTTTopic
	opts["mqtt_client_id"] = c.Arc.MQTTClientID
	opts["mqtt_username"] = c.Arc.MQTTUsername
	opts["mqtt_password"] = c.Arc.MQTTPassword
	opts["mqtt_qos"] = strconv.Itoa(c.Arc.MQTTQoS)
	return opts
}

// Redacted returns a copy with secrets blanked, for reports and logs
func (c *Config) Redacted() Config {
	out := *c
	if out.Arc.Token != "" {
		out.Arc.Token = "***"
	}
	if out.Arc.MQTTPassword != "" {
		out.Arc.MQTTPassword = "***"
	}
	if out.Driver.DSN != "" {
		out.Driver.DSN = "***"
	}
	out.Report.S3AccessKey = ""
	out.Report.S3SecretKey = ""
	out.Report.AzureAccountKey = ""
	out.Report.AzureConnectionString = ""
	return out
}
