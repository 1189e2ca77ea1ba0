package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, CatalogREST, cfg.Catalog.Backend)
	assert.Equal(t, StateFile, cfg.State.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 1, cfg.Watcher.MaxRetries)
	assert.Equal(t, "nmdc", cfg.Jaws.Site)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "site.yaml",
			content: `
catalog:
  api_url: https://api.example.org/
  client_id: engine
site:
  id: perlmutter
  resource: NERSC-Perlmutter
  url_root: https://data.example.org/
scheduler:
  interval: 30s
  force: true
watcher:
  runner: JAWS
`,
		},
		{
			name: "toml",
			file: "site.toml",
			content: `
[catalog]
api_url = "https://api.example.org/"
client_id = "engine"

[site]
id = "perlmutter"
resource = "NERSC-Perlmutter"
url_root = "https://data.example.org/"

[scheduler]
interval = "30s"
force = true

[watcher]
runner = "JAWS"
`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SEQFLOW_JAWS_URL", "https://jaws.example.org")
			t.Setenv("SEQFLOW_WATCHER_WORKERS", "8")

			cfg, err := Load(writeConfig(t, tc.file, tc.content))
			require.NoError(t, err)

			assert.Equal(t, "https://api.example.org", cfg.Catalog.APIURL)
			assert.Equal(t, "engine", cfg.Catalog.ClientID)
			assert.Equal(t, "https://data.example.org", cfg.Site.URLRoot)
			assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
			assert.True(t, cfg.Scheduler.Force)
			assert.Equal(t, "jaws", cfg.Watcher.Runner)
			assert.Equal(t, "https://jaws.example.org", cfg.Jaws.URL)
			assert.Equal(t, 8, cfg.Watcher.Workers)
			require.NoError(t, cfg.ValidateWatcher())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *errs.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown catalog", mutate: func(c *Config) { c.Catalog.Backend = "sqlite" }, wantErr: "catalog.backend"},
		{name: "mongo without uri", mutate: func(c *Config) { c.Catalog.Backend = CatalogMongo }, wantErr: "catalog.mongo_uri"},
		{name: "redis state without addr", mutate: func(c *Config) { c.State.Backend = StateRedis; c.Redis.Addr = "" }, wantErr: "redis.addr"},
		{name: "lock without redis", mutate: func(c *Config) { c.Scheduler.Lock = true; c.Redis.Addr = "" }, wantErr: "scheduler.lock"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "zero interval", mutate: func(c *Config) { c.Watcher.Interval = 0 }, wantErr: "interval"},
		{name: "negative retries", mutate: func(c *Config) { c.Watcher.MaxRetries = -1 }, wantErr: "max_retries"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)

			err = cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateWatcher(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.ValidateWatcher()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.id")
	assert.Contains(t, err.Error(), "cromwell.url")

	cfg.Site.ID = "perlmutter"
	cfg.Cromwell.URL = "http://cromwell:8088/api/workflows/v1"
	require.NoError(t, cfg.ValidateWatcher())
}
