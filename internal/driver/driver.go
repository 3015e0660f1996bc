// Package driver holds the storage side of the benchmark: the Driver
// contract implemented per target store, a name-based registry, and the
// Loader that turns queued messages into driver calls.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/basekick-labs/arc-bench/pkg/models"
	"github.com/rs/zerolog"
)

// ErrUnknownDriver is returned by New for names nobody registered
var ErrUnknownDriver = errors.New("driver: unknown driver")

// Driver executes benchmark messages against one time-series store.
// Implementations must be safe for concurrent Execute calls.
type Driver interface {
	Name() string

	// CreateSchema creates the benchmark tables if missing
	CreateSchema(ctx context.Context) error

	// Prepare readies the store for a bulk load
	Prepare(ctx context.Context) error

	// TimestampRange returns the stored timestamp extent of one table, or
	// of every table when table is 0. An empty store yields the zero range.
	TimestampRange(ctx context.Context, table uint32) (models.TimestampRange, error)

	// DeviceRange returns the stored device id extent, narrowed to within
	// when within is non-empty
	DeviceRange(ctx context.Context, within models.DeviceRange, table uint32) (models.DeviceRange, error)

	Execute(ctx context.Context, m models.Message) error
	Close() error
}

// Config is handed to a driver factory
type Config struct {
	// Tables is the number of benchmark tables, numbered from 1
	Tables uint32

	// Options are driver specific settings, merged over the driver's
	// registered defaults
	Options map[string]string
}

// Factory creates a Driver from configuration
type Factory func(ctx context.Context, cfg Config, logger zerolog.Logger) (Driver, error)

// DefaultsFunc returns the default options of a driver
type DefaultsFunc func() map[string]string

type registration struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds a driver factory. Panics on duplicate names.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("driver: %q already registered", name))
	}
	registry[name] = registration{factory: factory, defaults: defaults}
}

// New creates the named driver. Explicit options win over defaults.
func New(ctx context.Context, name string, cfg Config, logger zerolog.Logger) (Driver, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownDriver, name, Names())
	}

	if reg.defaults != nil {
		cfg.Options = MergeOptions(reg.defaults(), cfg.Options)
	}
	if cfg.Options == nil {
		cfg.Options = make(map[string]string)
	}

	return reg.factory(ctx, cfg, logger.With().Str("driver", name).Logger())
}

// Names returns all registered driver names, sorted
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a copy of a driver's default options, or nil
func Defaults(name string) map[string]string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg, ok := registry[name]
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}

// MergeOptions returns dst overlaid with the non-empty values of src
func MergeOptions(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// TableName is the physical name of benchmark table n
func TableName(prefix string, n uint32) string {
	return prefix + "_" + strconv.FormatUint(uint64(n), 10)
}

// OptString returns opts[key] or def when unset
func OptString(opts map[string]string, key, def string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return def
}

// OptInt parses opts[key] as an int
func OptInt(opts map[string]string, key string, def int) (int, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid integer %q", key, v)
	}
	return n, nil
}

// OptDuration parses opts[key] as a time.Duration
func OptDuration(opts map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid duration %q", key, v)
	}
	return d, nil
}
