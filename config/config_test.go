package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[http]
addr = ":9000"

[patch]
directory = "/srv/patches"
concurrency = 8

[upstream]
endpoint = "https://thaliak.example/graphql"
repositories = ["4e9a232b", "6b936f08"]
interval = "5m"

[[upstream.overrides]]
repository = "4e9a232b"
version = "2023.01.01.0000.0000"
next = "2022.12.01.0000.0000"

[schema]
default = "exdschema"

[[schema.sources]]
name = "exdschema"
remote = "https://example.com/EXDSchema.git"
path = "Schemas"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheetsmith.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Patch.Concurrency)
	assert.Equal(t, 3, cfg.Patch.VerifyAttempts)
	assert.Equal(t, "latest", cfg.Version.Default)
	assert.Equal(t, time.Minute, cfg.Schema.FetchTimeout)
	assert.Equal(t, 100, cfg.Search.PageSize)
	assert.True(t, cfg.Search.AutoBuild)
	assert.Empty(t, cfg.Events.ClickHouse.Addr)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, sampleTOML)
	t.Setenv("SHEETSMITH_PATCH_CONCURRENCY", "2")
	t.Setenv("SHEETSMITH_SEARCH_PAGE_SIZE", "25")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--http.addr", ":7000"}))

	cfg, err := Load(viper.New(), fs)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Addr, "flag beats file")
	assert.Equal(t, 2, cfg.Patch.Concurrency, "env beats file")
	assert.Equal(t, 25, cfg.Search.PageSize)
	assert.Equal(t, "/srv/patches", cfg.Patch.Directory)
	assert.Equal(t, 5*time.Minute, cfg.Upstream.Interval)
	assert.Equal(t, []string{"4e9a232b", "6b936f08"}, cfg.Upstream.Repositories)
	require.Len(t, cfg.Upstream.Overrides, 1)
	assert.Equal(t, "2022.12.01.0000.0000", cfg.Upstream.Overrides[0].Next)
	require.Len(t, cfg.Schema.Sources, 1)
	assert.Equal(t, "Schemas", cfg.Schema.Sources[0].Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.toml")}))

	_, err := Load(viper.New(), fs)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Patch.Concurrency = 0 }},
		{"zero prefetch", func(c *Config) { c.Version.Prefetch = 0 }},
		{"no fetch timeout", func(c *Config) { c.Schema.FetchTimeout = 0 }},
		{"duplicate source", func(c *Config) {
			c.Schema.Sources = []SourceConfig{{Name: "a", Remote: "r"}, {Name: "a", Remote: "r"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(viper.New(), nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
