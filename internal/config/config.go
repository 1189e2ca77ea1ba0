// Package config loads the site configuration from a YAML or TOML file and
// SEQFLOW_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SEQFLOW_CATALOG_API_URL.
const EnvPrefix = "SEQFLOW"

// Catalog backends.
const (
	CatalogREST   = "rest"
	CatalogMongo  = "mongo"
	CatalogMemory = "memory"
)

// Checkpoint backends.
const (
	StateFile  = "file"
	StateRedis = "redis"
)

// Config is the whole site configuration.
type Config struct {
	Catalog   Catalog   `mapstructure:"catalog"`
	Cromwell  Cromwell  `mapstructure:"cromwell"`
	Jaws      Jaws      `mapstructure:"jaws"`
	Site      Site      `mapstructure:"site"`
	State     State     `mapstructure:"state"`
	Workflows Workflows `mapstructure:"workflows"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Watcher   Watcher   `mapstructure:"watcher"`
	Redis     Redis     `mapstructure:"redis"`
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
}

type Catalog struct {
	Backend      string        `mapstructure:"backend"`
	APIURL       string        `mapstructure:"api_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	PageSize     int           `mapstructure:"page_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MongoURI     string        `mapstructure:"mongo_uri"`
	MongoDB      string        `mapstructure:"mongo_db"`
}

type Cromwell struct {
	URL string `mapstructure:"url"`
}

type Jaws struct {
	URL   string `mapstructure:"url"`
	Site  string `mapstructure:"site"`
	Token string `mapstructure:"token"`
}

// Site describes where this engine runs and where outputs land.
type Site struct {
	ID       string `mapstructure:"id"`
	Resource string `mapstructure:"resource"`
	URLRoot  string `mapstructure:"url_root"`
	DataDir  string `mapstructure:"data_dir"`
}

type State struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisKey string `mapstructure:"redis_key"`
}

type Workflows struct {
	Path string `mapstructure:"path"`
}

type Scheduler struct {
	Interval time.Duration `mapstructure:"interval"`
	// Force schedules jobs even when an equivalent one already exists.
	Force     bool   `mapstructure:"force"`
	AllowList string `mapstructure:"allow_list"`
	SkipList  string `mapstructure:"skip_list"`
	// Lock takes a Redis lock around every cycle.
	Lock bool `mapstructure:"lock"`
}

type Watcher struct {
	Interval   time.Duration `mapstructure:"interval"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	Runner     string        `mapstructure:"runner"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Server struct {
	// HealthcheckPort serves /health and /metrics. 0 disables the server.
	HealthcheckPort int  `mapstructure:"healthcheck_port"`
	RuntimeMetrics  bool `mapstructure:"runtime_metrics"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"catalog.backend":         CatalogREST,
	"catalog.api_url":         "https://api.microbiomedata.org",
	"catalog.client_id":       "",
	"catalog.client_secret":   "",
	"catalog.page_size":       1000,
	"catalog.timeout":         60 * time.Second,
	"catalog.mongo_uri":       "",
	"catalog.mongo_db":        "nmdc",
	"cromwell.url":            "",
	"jaws.url":                "",
	"jaws.site":               "nmdc",
	"jaws.token":              "",
	"site.id":                 "",
	"site.resource":           "",
	"site.url_root":           "",
	"site.data_dir":           "",
	"state.backend":           StateFile,
	"state.path":              "seqflow-state.json",
	"state.redis_key":         "seqflow:jobs",
	"workflows.path":          "workflows.yaml",
	"scheduler.interval":      10 * time.Minute,
	"scheduler.force":         false,
	"scheduler.allow_list":    "",
	"scheduler.skip_list":     "",
	"scheduler.lock":          false,
	"watcher.interval":        time.Minute,
	"watcher.workers":         4,
	"watcher.max_retries":     1,
	"watcher.runner":          "cromwell",
	"redis.addr":              "localhost:6379",
	"redis.password":          "",
	"redis.db":                0,
	"server.healthcheck_port": 0,
	"server.runtime_metrics":  false,
	"log.level":               "info",
	"log.format":              "text",
}

// Load reads path, when given, and applies environment overrides on top.
// The file type follows the extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &errs.ConfigError{Source: path, Msg: "failed to read configuration", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errs.ConfigError{Source: path, Msg: "failed to decode configuration", Err: err}
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Catalog.Backend = strings.ToLower(strings.TrimSpace(c.Catalog.Backend))
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	c.Watcher.Runner = strings.ToLower(strings.TrimSpace(c.Watcher.Runner))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Catalog.APIURL = strings.TrimRight(c.Catalog.APIURL, "/")
	c.Site.URLRoot = strings.TrimRight(c.Site.URLRoot, "/")
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Catalog.Backend {
	case CatalogREST:
		if c.Catalog.APIURL == "" {
			add("catalog.api_url is required for the rest backend")
		}
	case CatalogMongo:
		if c.Catalog.MongoURI == "" {
			add("catalog.mongo_uri is required for the mongo backend")
		}
	case CatalogMemory:
	default:
		add("catalog.backend must be rest, mongo or memory, got %q", c.Catalog.Backend)
	}

	switch c.State.Backend {
	case StateFile:
		if c.State.Path == "" {
			add("state.path is required for the file backend")
		}
	case StateRedis:
		if c.Redis.Addr == "" {
			add("redis.addr is required for the redis backend")
		}
	default:
		add("state.backend must be file or redis, got %q", c.State.Backend)
	}

	if c.Scheduler.Lock && c.Redis.Addr == "" {
		add("redis.addr is required when scheduler.lock is set")
	}
	if c.Workflows.Path == "" {
		add("workflows.path is required")
	}
	if c.Scheduler.Interval <= 0 || c.Watcher.Interval <= 0 {
		add("scheduler.interval and watcher.interval must be positive")
	}
	if c.Watcher.MaxRetries < 0 {
		add("watcher.max_retries must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return &errs.ConfigError{Msg: strings.Join(problems, "; ")}
	}
	return nil
}

// ValidateWatcher checks the settings the job engine needs on top of
// Validate.
func (c *Config) ValidateWatcher() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var problems []string
	if c.Site.ID == "" {
		problems = append(problems, "site.id is required")
	}
	switch c.Watcher.Runner {
	case "cromwell":
		if c.Cromwell.URL == "" {
			problems = append(problems, "cromwell.url is required for the cromwell runner")
		}
	case "jaws":
		if c.Jaws.URL == "" {
			problems = append(problems, "jaws.url is required for the jaws runner")
		}
	default:
		problems = append(problems, fmt.Sprintf("watcher.runner must be cromwell or jaws, got %q", c.Watcher.Runner))
	}
	if len(problems) > 0 {
		return &errs.ConfigError{Msg: strings.Join(problems, "; ")}
	}
	return nil
}
