// Package config loads the coordinator configuration from YAML with
// environment overrides for the secrets.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Config is the full coordinator configuration.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Personas  PersonasConfig  `yaml:"personas"`
	Policy    PolicyConfig    `yaml:"policy"`
	Git       GitConfig       `yaml:"git"`
	Engine    EngineConfig    `yaml:"engine"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	History   HistoryConfig   `yaml:"history"`
}

// RedisConfig selects the stream transport. An empty Addr selects the
// in-memory transport, which only makes sense for tests.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	RequestStream string `yaml:"request_stream"`
	EventStream   string `yaml:"event_stream"`
	GroupPrefix   string `yaml:"group_prefix"`
}

// DashboardConfig points at the task dashboard API.
type DashboardConfig struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"`
	ContextEndpoint string `yaml:"context_endpoint"`
}

// PersonasConfig carries dispatcher timing and per-persona overrides.
type PersonasConfig struct {
	DefaultTimeoutMS        int `yaml:"default_timeout_ms"`
	DefaultMaxRetries       int `yaml:"default_max_retries"`
	RetryBackoffIncrementMS int `yaml:"retry_backoff_increment_ms"`

	Overrides map[string]PersonaOverride `yaml:"overrides"`
}

// PersonaOverride tunes a single persona.
type PersonaOverride struct {
	TimeoutMS          int  `yaml:"timeout_ms"`
	MaxRetries         *int `yaml:"max_retries"`
	UnlimitedRetries   bool `yaml:"unlimited_retries"`
	BackoffIncrementMS int  `yaml:"backoff_increment_ms"`
}

// PolicyConfig holds the information-request and language guards.
type PolicyConfig struct {
	DenyHosts        []string `yaml:"deny_hosts"`
	AllowedLanguages []string `yaml:"allowed_languages"`
	MaxFetchBytes    int64    `yaml:"max_fetch_bytes"`
}

// GitConfig locates working copies.
type GitConfig struct {
	WorkDir string `yaml:"work_dir"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	MaxParallel   int      `yaml:"max_parallel"`
	SnapshotDir   string   `yaml:"snapshot_dir"`
	WorkflowDir   string   `yaml:"workflow_dir"`
	ScanIgnore    []string `yaml:"scan_ignore"`
	DuplicateMode string   `yaml:"duplicate_strategy"`
}

// LogConfig selects log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig locates the run-history database.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			RequestStream: "ma:requests",
			EventStream:   "ma:events",
			GroupPrefix:   "ma",
		},
		Personas: PersonasConfig{
			DefaultTimeoutMS:        int(2 * time.Minute / time.Millisecond),
			DefaultMaxRetries:       2,
			RetryBackoffIncrementMS: int(30 * time.Second / time.Millisecond),
		},
		Policy: PolicyConfig{
			MaxFetchBytes: 256 << 10,
		},
		Git: GitConfig{WorkDir: ".ma-work"},
		Engine: EngineConfig{
			MaxParallel:   4,
			DuplicateMode: "external_id",
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		History: HistoryConfig{Path: ".ma-work/history.db"},
	}
}

// Load reads the file over the defaults. An empty path returns the
// defaults; a present but unreadable or invalid file is an error. The
// MAESTRO_DASHBOARD_TOKEN and MAESTRO_REDIS_PASSWORD environment
// variables override their file counterparts.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config %s", path)
		}
	}

	if token := os.Getenv("MAESTRO_DASHBOARD_TOKEN"); token != "" {
		cfg.Dashboard.Token = token
	}
	if pw := os.Getenv("MAESTRO_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Personas.DefaultTimeoutMS <= 0 {
		return &errors.ValidationError{Field: "personas.default_timeout_ms", Message: "must be positive"}
	}
	if c.Personas.DefaultMaxRetries < 0 {
		return &errors.ValidationError{Field: "personas.default_max_retries", Message: "must not be negative"}
	}
	if c.Engine.MaxParallel <= 0 {
		return &errors.ValidationError{Field: "engine.max_parallel", Message: "must be positive"}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &errors.ValidationError{Field: "log.format", Message: "must be text or json"}
	}
	switch c.Engine.DuplicateMode {
	case "external_id", "title", "title_and_milestone", "content_hash":
	default:
		return &errors.ValidationError{
			Field:      "engine.duplicate_strategy",
			Message:    "unknown strategy " + c.Engine.DuplicateMode,
			Suggestion: "use external_id, title, title_and_milestone, or content_hash",
		}
	}
	return nil
}
