// Package config loads sheetsmith's layered configuration.
//
// Values are resolved in priority order: command line flags, environment
// variables (SHEETSMITH_ prefix, with "." and "-" replaced by "_"), a TOML
// config file, and finally the defaults registered in SetDefaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "SHEETSMITH"
	DefaultConfigFile = "sheetsmith.toml"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Patch    PatchConfig    `mapstructure:"patch"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Version  VersionConfig  `mapstructure:"version"`
	Schema   SchemaConfig   `mapstructure:"schema"`
	Search   SearchConfig   `mapstructure:"search"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Events   EventsConfig   `mapstructure:"events"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PatchConfig struct {
	// Directory holds verified patch files.
	Directory string `mapstructure:"directory"`

	// Concurrency bounds simultaneous downloads.
	Concurrency int `mapstructure:"concurrency"`

	// VerifyAttempts is how many full downloads are tried before a checksum
	// mismatch is reported as corrupt.
	VerifyAttempts int `mapstructure:"verify_attempts"`

	// RetryMax bounds transport retries within a single download attempt.
	RetryMax int `mapstructure:"retry_max"`

	Timeout time.Duration `mapstructure:"timeout"`
}

type UpstreamConfig struct {
	// Endpoint is the patch-list service. Empty disables polling.
	Endpoint     string        `mapstructure:"endpoint"`
	Repositories []string      `mapstructure:"repositories"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Overrides replace the prerequisite chosen while walking a patch list.
	Overrides []OverrideConfig `mapstructure:"overrides"`
}

// OverrideConfig forces the version following Version in Repository's
// chain (walking newest to oldest) to be Next.
type OverrideConfig struct {
	Repository string `mapstructure:"repository"`
	Version    string `mapstructure:"version"`
	Next       string `mapstructure:"next"`
}

type VersionConfig struct {
	Directory string `mapstructure:"directory"`

	// Metadata is the DuckDB file holding version records and names.
	Metadata         string `mapstructure:"metadata"`
	Default          string `mapstructure:"default"`
	Prefetch         int    `mapstructure:"prefetch"`
	ProvisionRetries int    `mapstructure:"provision_retries"`
	// LockTimeout bounds the wait for another process's provisioning lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type SchemaConfig struct {
	Directory string `mapstructure:"directory"`

	// Default is the source used when a specifier names none.
	Default            string         `mapstructure:"default"`
	DefaultRef         string         `mapstructure:"default_ref"`
	VersionRefTemplate string         `mapstructure:"version_ref_template"`
	FetchTimeout       time.Duration  `mapstructure:"fetch_timeout"`
	Sources            []SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes one git-backed schema source.
type SourceConfig struct {
	Name   string `mapstructure:"name"`
	Remote string `mapstructure:"remote"`
	// Path is the directory within the repository holding <Sheet>.yml files.
	Path string `mapstructure:"path"`
}

type SearchConfig struct {
	Directory  string        `mapstructure:"directory"`
	PageSize   int           `mapstructure:"page_size"`
	BatchSize  int           `mapstructure:"batch_size"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	AutoBuild  bool          `mapstructure:"auto_build"`
}

type CacheConfig struct {
	Schemas          int `mapstructure:"schemas"`
	Pages            int `mapstructure:"pages"`
	PageRows         int `mapstructure:"page_rows"`
	Handles          int `mapstructure:"handles"`
	QueryConcurrency int `mapstructure:"query_concurrency"`
}

type EventsConfig struct {
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

type ClickHouseConfig struct {
	// Addr enables the ClickHouse sink when set.
	Addr          string        `mapstructure:"addr"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Table         string        `mapstructure:"table"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// SetDefaults registers a default for every key, which also makes every key
// visible to environment lookup.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.mode", "development")
	v.SetDefault("log.level", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("patch.directory", "data/patches")
	v.SetDefault("patch.concurrency", 4)
	v.SetDefault("patch.verify_attempts", 3)
	v.SetDefault("patch.retry_max", 4)
	v.SetDefault("patch.timeout", 10*time.Minute)

	v.SetDefault("upstream.endpoint", "")
	v.SetDefault("upstream.repositories", []string{})
	v.SetDefault("upstream.interval", 10*time.Minute)
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.overrides", []map[string]any{})

	v.SetDefault("version.directory", "data/versions")
	v.SetDefault("version.metadata", "data/sheetsmith.duckdb")
	v.SetDefault("version.default", "latest")
	v.SetDefault("version.prefetch", 2)
	v.SetDefault("version.provision_retries", 3)
	v.SetDefault("version.lock_timeout", 30*time.Second)

	v.SetDefault("schema.directory", "data/schemas")
	v.SetDefault("schema.default", "exdschema")
	v.SetDefault("schema.default_ref", "HEAD")
	v.SetDefault("schema.version_ref_template", "ver/{version}")
	v.SetDefault("schema.fetch_timeout", time.Minute)
	v.SetDefault("schema.sources", []map[string]any{})

	v.SetDefault("search.directory", "data/search")
	v.SetDefault("search.page_size", 100)
	v.SetDefault("search.batch_size", 1000)
	v.SetDefault("search.retry_delay", time.Minute)
	v.SetDefault("search.auto_build", true)

	v.SetDefault("cache.schemas", 1024)
	v.SetDefault("cache.pages", 256)
	v.SetDefault("cache.page_rows", 256)
	v.SetDefault("cache.handles", 16)
	v.SetDefault("cache.query_concurrency", 8)

	v.SetDefault("events.clickhouse.addr", "")
	v.SetDefault("events.clickhouse.database", "default")
	v.SetDefault("events.clickhouse.username", "default")
	v.SetDefault("events.clickhouse.password", "")
	v.SetDefault("events.clickhouse.table", "sheetsmith_events")
	v.SetDefault("events.clickhouse.batch_size", 100)
	v.SetDefault("events.clickhouse.flush_interval", 5*time.Second)
}

// Flags registers the command line flags that may override config keys.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file to read from.")
	fs.String("http.addr", "", "HTTP listen address.")
	fs.String("log.mode", "", "Log mode: development or production.")
	fs.String("log.level", "", "Log level.")
	fs.String("version.directory", "", "Directory holding provisioned versions.")
	fs.String("patch.directory", "", "Directory holding verified patch files.")
}

// Load resolves the configuration from flags, environment, the config file
// and defaults. flags may be nil.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Config, error) {
	SetDefaults(v)

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" || !f.Changed {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	file, explicit := configFile(flags)
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading configuration file '%s': %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFile(flags *pflag.FlagSet) (string, bool) {
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			return f.Value.String(), true
		}
	}
	if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		return env, true
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile, false
	}
	return "", false
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch {
	case c.Patch.Concurrency < 1:
		return fmt.Errorf("patch.concurrency must be positive, got %d", c.Patch.Concurrency)
	case c.Patch.VerifyAttempts < 1:
		return fmt.Errorf("patch.verify_attempts must be positive, got %d", c.Patch.VerifyAttempts)
	case c.Version.Prefetch < 1:
		return fmt.Errorf("version.prefetch must be positive, got %d", c.Version.Prefetch)
	case c.Search.PageSize < 1:
		return fmt.Errorf("search.page_size must be positive, got %d", c.Search.PageSize)
	case c.Search.BatchSize < 1:
		return fmt.Errorf("search.batch_size must be positive, got %d", c.Search.BatchSize)
	case c.Cache.QueryConcurrency < 1:
		return fmt.Errorf("cache.query_concurrency must be positive, got %d", c.Cache.QueryConcurrency)
	case c.Schema.FetchTimeout <= 0:
		return errors.New("schema.fetch_timeout is mandatory")
	case c.Patch.Timeout <= 0:
		return errors.New("patch.timeout is mandatory")
	}
	seen := make(map[string]bool)
	for _, s := range c.Schema.Sources {
		if s.Name == "" || s.Remote == "" {
			return fmt.Errorf("schema source needs a name and a remote: %+v", s)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schema source %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
