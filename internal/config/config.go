// Package config loads basekit settings from defaults, a TOML file,
// BASEKIT_* environment variables and command line flags, in that order of
// increasing priority.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"

	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/simhost"
	"github.com/zot/basekit/internal/storage"
)

// DefaultFile is read when no config file is named.
const DefaultFile = "basekit.toml"

// Config holds all settings.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Session SessionConfig `toml:"session"`
	Fixture FixtureConfig `toml:"fixture"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds the dev server listen address.
type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects where the simulated host persists its base.
type StorageConfig struct {
	Type string `toml:"type" validate:"oneof=memory sqlite postgresql postgres badger"`
	Path string `toml:"path"`
	URL  string `toml:"url" validate:"required_if=Type postgresql,required_if=Type postgres"`
}

// SessionConfig tunes sessions and the limits the host enforces.
type SessionConfig struct {
	UnloadDelay           Duration `toml:"unload_delay"`
	MutationRate          float64  `toml:"mutation_rate" validate:"gte=0"`
	MutationBurst         int      `toml:"mutation_burst" validate:"gte=1"`
	MaxRecordsPerTable    int      `toml:"max_records_per_table" validate:"gte=0"`
	MaxRecordsPerMutation int      `toml:"max_records_per_mutation" validate:"gte=1"`
}

// FixtureConfig names the base the simulated host serves.
type FixtureConfig struct {
	Path       string `toml:"path"`
	Watch      bool   `toml:"watch"`
	Permission string `toml:"permission" validate:"omitempty,oneof=none read comment edit create owner"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level" validate:"oneof=debug info warn error"`
	Verbosity int    `toml:"verbosity" validate:"gte=0,lte=4"` // 1=connections, 2=batches, 3=models, 4=values
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8089,
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "basekit.db",
		},
		Session: SessionConfig{
			UnloadDelay:           Duration(sdk.DefaultUnloadDelay),
			MutationRate:          0,
			MutationBurst:         1,
			MaxRecordsPerTable:    mutation.DefaultLimits.MaxRecordsPerTable,
			MaxRecordsPerMutation: mutation.DefaultLimits.MaxRecordsPerMutation,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Load builds the configuration. file may be empty, in which case
// DefaultFile is read if it exists. flags applies command line overrides
// and may be nil.
func Load(file string, flags func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	path := file
	if path == "" {
		path = DefaultFile
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if file != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if flags != nil {
		flags(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv applies BASEKIT_* environment variable overrides.
func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}

	str("BASEKIT_HOST", &c.Server.Host)
	str("BASEKIT_STORAGE", &c.Storage.Type)
	str("BASEKIT_STORAGE_PATH", &c.Storage.Path)
	str("BASEKIT_STORAGE_URL", &c.Storage.URL)
	str("BASEKIT_FIXTURE", &c.Fixture.Path)
	str("BASEKIT_PERMISSION", &c.Fixture.Permission)
	str("BASEKIT_LOG_LEVEL", &c.Logging.Level)
	for name, dst := range map[string]*int{
		"BASEKIT_PORT":                     &c.Server.Port,
		"BASEKIT_MUTATION_BURST":           &c.Session.MutationBurst,
		"BASEKIT_MAX_RECORDS_PER_TABLE":    &c.Session.MaxRecordsPerTable,
		"BASEKIT_MAX_RECORDS_PER_MUTATION": &c.Session.MaxRecordsPerMutation,
		"BASEKIT_VERBOSITY":                &c.Logging.Verbosity,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if v := os.Getenv("BASEKIT_FIXTURE_WATCH"); v != "" {
		c.Fixture.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("BASEKIT_UNLOAD_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BASEKIT_UNLOAD_DELAY: %w", err)
		}
		c.Session.UnloadDelay = Duration(d)
	}
	if v := os.Getenv("BASEKIT_MUTATION_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BASEKIT_MUTATION_RATE: %w", err)
		}
		c.Session.MutationRate = r
	}
	return nil
}

// Limits returns the record limits.
func (c *Config) Limits() mutation.Limits {
	return mutation.Limits{
		MaxRecordsPerTable:    c.Session.MaxRecordsPerTable,
		MaxRecordsPerMutation: c.Session.MaxRecordsPerMutation,
	}
}

// SessionOptions returns the options for sdk.NewSession.
func (c *Config) SessionOptions() []sdk.Option {
	opts := []sdk.Option{
		sdk.WithUnloadDelay(c.Session.UnloadDelay.Duration()),
		sdk.WithLimits(c.Limits()),
	}
	if c.Session.MutationRate > 0 {
		opts = append(opts, sdk.WithMutationRate(c.Session.MutationRate, c.Session.MutationBurst))
	}
	return opts
}

// OpenStorage opens the configured backend.
func (c *Config) OpenStorage() (storage.Backend, error) {
	return storage.Open(c.Storage.Type, c.Storage.Path, c.Storage.URL)
}

// HostOptions returns the options for a simulated host.
func (c *Config) HostOptions() []simhost.Option {
	opts := []simhost.Option{simhost.WithLimits(c.Limits())}
	if c.Fixture.Permission != "" {
		if l, err := permission.Parse(c.Fixture.Permission); err == nil {
			opts = append(opts, simhost.WithPermission(l))
		}
	}
	return opts
}

// NewHost creates the simulated host: from the fixture file when one is
// configured, from the sample base otherwise. With a store, a base saved by
// an earlier run takes precedence.
func (c *Config) NewHost(store storage.Backend) (*simhost.Host, error) {
	base := simhost.SampleBase()
	if c.Fixture.Path != "" {
		var err error
		if base, err = simhost.LoadFixture(c.Fixture.Path); err != nil {
			return nil, err
		}
	}
	if store == nil {
		return simhost.New(base, c.HostOptions()...)
	}
	return simhost.Restore(store, base, c.HostOptions()...)
}

// ApplyLogging hands the logging settings to glog.
func (c *Config) ApplyLogging() {
	_ = flag.Set("logtostderr", "true")
	_ = flag.Set("v", strconv.Itoa(c.Logging.Verbosity))
	threshold := map[string]string{"debug": "INFO", "info": "INFO", "warn": "WARNING", "error": "ERROR"}
	_ = flag.Set("stderrthreshold", threshold[c.Logging.Level])
}

// Log writes a message if the configured verbosity is at least level.
func (c *Config) Log(level int, format string, args ...any) {
	if c.Logging.Verbosity >= level {
		glog.InfoDepth(1, fmt.Sprintf(format, args...))
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
