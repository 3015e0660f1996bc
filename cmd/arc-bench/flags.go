package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBinding maps a command line flag onto a config key
type flagBinding struct {
	flag  string
	key   string
	usage string
	kind  string // string, int, uint, float, bool, duration
	short string
}

var flagBindings = []flagBinding{
	{flag: "driver", key: "driver.name", usage: "storage driver (see 'arc-bench drivers')", kind: "string", short: "d"},
	{flag: "dsn", key: "driver.dsn", usage: "driver connection string", kind: "string"},
	{flag: "table-prefix", key: "driver.table_prefix", usage: "table name prefix", kind: "string"},
	{flag: "max-errors", key: "driver.max_errors", usage: "abort after this many failed messages (0 never aborts)", kind: "int"},

	{flag: "load-mins", key: "workload.load_mins", usage: "simulated minutes per phase", kind: "uint"},
	{flag: "devices", key: "workload.max_devices", usage: "number of devices", kind: "uint"},
	{flag: "tables", key: "workload.db_tables", usage: "number of tables", kind: "uint"},
	{flag: "threads", key: "workload.loader_threads", usage: "loader worker threads", kind: "int", short: "t"},
	{flag: "start-timestamp", key: "workload.start_timestamp", usage: "earliest prepare timestamp (unix seconds)", kind: "uint"},
	{flag: "select-first", key: "workload.select_first", usage: "first read kind in the run mix (k1..k3)", kind: "string"},
	{flag: "select-last", key: "workload.select_last", usage: "last read kind in the run mix (k1..k3)", kind: "string"},
	{flag: "key-generator", key: "workload.key_generator", usage: "read key distribution (uniform, zipf, normal)", kind: "string"},
	{flag: "key-bias", key: "workload.key_bias", usage: "key distribution skew", kind: "float"},
	{flag: "seed", key: "workload.seed", usage: "random seed (0 seeds from the clock)", kind: "int"},

	{flag: "deletes", key: "run.enable_deletes", usage: "delete the oldest data while running", kind: "bool"},
	{flag: "max-steps-per-second", key: "run.max_steps_per_second", usage: "cap on simulated minutes per second (0 unlimited)", kind: "float"},
	{flag: "progress-interval", key: "progress.interval", usage: "progress report interval", kind: "duration"},

	{flag: "arc-url", key: "arc.url", usage: "Arc base URL", kind: "string"},
	{flag: "arc-database", key: "arc.database", usage: "Arc database", kind: "string"},
	{flag: "arc-token", key: "arc.token", usage: "Arc API token", kind: "string"},

	{flag: "status", key: "status.enabled", usage: "serve status endpoints", kind: "bool"},
	{flag: "status-port", key: "status.port", usage: "status server port", kind: "int"},

	{flag: "report", key: "report.enabled", usage: "write phase reports", kind: "bool"},
	{flag: "report-backend", key: "report.backend", usage: "report storage (local, s3, azure)", kind: "string"},
	{flag: "report-path", key: "report.local_path", usage: "local report directory", kind: "string"},

	{flag: "log-level", key: "log.level", usage: "log level (trace, debug, info, warn, error)", kind: "string"},
	{flag: "log-format", key: "log.format", usage: "log format (json, console)", kind: "string"},
}

// bindFlags declares every flag with the viper default as its default and
// binds it, so an unset flag never shadows the config file or environment
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for _, b := range flagBindings {
		switch b.kind {
		case "string":
			flags.StringP(b.flag, b.short, v.GetString(b.key), b.usage)
		case "int":
			flags.Int64P(b.flag, b.short, v.GetInt64(b.key), b.usage)
		case "uint":
			flags.Uint64P(b.flag, b.short, v.GetUint64(b.key), b.usage)
		case "float":
			flags.Float64P(b.flag, b.short, v.GetFloat64(b.key), b.usage)
		case "bool":
			flags.BoolP(b.flag, b.short, v.GetBool(b.key), b.usage)
		case "duration":
			flags.DurationP(b.flag, b.short, v.GetDuration(b.key), b.usage)
		default:
			panic("unknown flag kind " + b.kind)
		}
		_ = v.BindPFlag(b.key, flags.Lookup(b.flag))
	}
}
