// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Moltbook() MoltbookConfig
	Collector() CollectorConfig
	Server() ServerConfig
}

// Config holds the entire application configuration. It is built once at startup
// and handed to constructors; nothing reads it through a global.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	MoltbookCfg  MoltbookConfig  `mapstructure:"moltbook" yaml:"moltbook"`
	CollectorCfg CollectorConfig `mapstructure:"collector" yaml:"collector"`
	ServerCfg    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Moltbook() MoltbookConfig   { return c.MoltbookCfg }
func (c *Config) Collector() CollectorConfig { return c.CollectorCfg }
func (c *Config) Server() ServerConfig       { return c.ServerCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver" yaml:"driver"`
	URL            string        `mapstructure:"url" yaml:"-"`
	SQLitePath     string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns" yaml:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// ConnectRetries bounds the exponential backoff used while the database comes up.
	ConnectRetries uint64 `mapstructure:"connect_retries" yaml:"connect_retries"`
}

// BreakerConfig tunes the circuit breaker wrapped around remote calls.
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// MoltbookConfig points the remote client at the platform API.
type MoltbookConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"-"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Breaker   BreakerConfig `mapstructure:"breaker" yaml:"breaker"`

	// RequestsPerMinute caps outgoing requests across the client. Zero disables the cap.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// CollectorConfig bounds one collection run.
type CollectorConfig struct {
	SubmoltLimit         int           `mapstructure:"submolt_limit" yaml:"submolt_limit"`
	PostLimit            int           `mapstructure:"post_limit" yaml:"post_limit"`
	PostPages            int           `mapstructure:"post_pages" yaml:"post_pages"`
	PostSorts            []string      `mapstructure:"post_sorts" yaml:"post_sorts"`
	CommentLimit         int           `mapstructure:"comment_limit" yaml:"comment_limit"`
	CommentPostLimit     int           `mapstructure:"comment_post_limit" yaml:"comment_post_limit"`
	SubmoltDetailLimit   int           `mapstructure:"submolt_detail_limit" yaml:"submolt_detail_limit"`
	TopPostSnapshotLimit int           `mapstructure:"top_post_snapshot_limit" yaml:"top_post_snapshot_limit"`
	DailyTopLimit        int           `mapstructure:"daily_top_limit" yaml:"daily_top_limit"`
	PostDelay            time.Duration `mapstructure:"post_delay" yaml:"post_delay"`
	CommentDelay         time.Duration `mapstructure:"comment_delay" yaml:"comment_delay"`
	SubmoltDelay         time.Duration `mapstructure:"submolt_delay" yaml:"submolt_delay"`
	RunTimeout           time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// ServerConfig configures the long-running trigger server.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr" yaml:"addr"`
	TriggerSecret    string        `mapstructure:"trigger_secret" yaml:"-"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval" yaml:"schedule_interval"`
	TriggerRateLimit int           `mapstructure:"trigger_rate_limit" yaml:"trigger_rate_limit"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "moltwatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "~/.moltwatch/moltwatch.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.connect_retries", 5)

	// -- Moltbook --
	v.SetDefault("moltbook.base_url", "https://www.moltbook.com/api/v1")
	v.SetDefault("moltbook.timeout", "30s")
	v.SetDefault("moltbook.user_agent", "moltwatch")
	v.SetDefault("moltbook.requests_per_minute", 100)
	v.SetDefault("moltbook.breaker.enabled", true)
	v.SetDefault("moltbook.breaker.consecutive_failures", 5)
	v.SetDefault("moltbook.breaker.open_timeout", "30s")

	// -- Collector --
	v.SetDefault("collector.submolt_limit", 1000)
	v.SetDefault("collector.post_limit", 100)
	v.SetDefault("collector.post_pages", 1)
	v.SetDefault("collector.post_sorts", []string{"new", "hot", "top"})
	v.SetDefault("collector.comment_limit", 500)
	v.SetDefault("collector.comment_post_limit", 50)
	v.SetDefault("collector.submolt_detail_limit", 20)
	v.SetDefault("collector.top_post_snapshot_limit", 20)
	v.SetDefault("collector.daily_top_limit", 100)
	v.SetDefault("collector.post_delay", "1s")
	v.SetDefault("collector.comment_delay", "500ms")
	v.SetDefault("collector.submolt_delay", "200ms")
	v.SetDefault("collector.run_timeout", "5m")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.schedule_interval", "0s")
	v.SetDefault("server.trigger_rate_limit", 6)
	v.SetDefault("server.shutdown_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are commonly provided without the prefixed dotted form.
	_ = v.BindEnv("moltbook.api_key", "MOLTWATCH_MOLTBOOK_API_KEY", "MOLTBOOK_API_KEY")
	_ = v.BindEnv("database.url", "MOLTWATCH_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.trigger_secret", "MOLTWATCH_SERVER_TRIGGER_SECRET", "CRON_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.SQLitePath != "" {
		expanded, err := homedir.Expand(cfg.DatabaseCfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand database.sqlite_path: %w", err)
		}
		cfg.DatabaseCfg.SQLitePath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DatabaseCfg.Validate(); err != nil {
		return fmt.Errorf("database configuration invalid: %w", err)
	}
	if err := c.MoltbookCfg.Validate(); err != nil {
		return fmt.Errorf("moltbook configuration invalid: %w", err)
	}
	if err := c.CollectorCfg.Validate(); err != nil {
		return fmt.Errorf("collector configuration invalid: %w", err)
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the database selection.
func (d *DatabaseConfig) Validate() error {
	switch strings.ToLower(d.Driver) {
	case DriverPostgres:
		// The URL is only required once a command actually opens the store.
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required when driver is sqlite")
		}
	default:
		return fmt.Errorf("unsupported driver %q (want postgres or sqlite)", d.Driver)
	}
	if d.MaxConns < 0 || d.MinConns < 0 || (d.MaxConns > 0 && d.MinConns > d.MaxConns) {
		return fmt.Errorf("min_conns must not exceed max_conns")
	}
	return nil
}

// Validate checks the remote API settings. The API key is optional: public
// listings work without one.
func (m *MoltbookConfig) Validate() error {
	if m.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if m.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative")
	}
	if m.Breaker.Enabled && m.Breaker.ConsecutiveFailures == 0 {
		return fmt.Errorf("breaker.consecutive_failures must be greater than 0")
	}
	return nil
}

// Validate checks the collection bounds.
func (c *CollectorConfig) Validate() error {
	if c.SubmoltLimit <= 0 || c.PostLimit <= 0 || c.CommentLimit <= 0 {
		return fmt.Errorf("submolt_limit, post_limit and comment_limit must be positive")
	}
	if c.PostPages <= 0 {
		return fmt.Errorf("post_pages must be at least 1")
	}
	if len(c.PostSorts) == 0 {
		return fmt.Errorf("post_sorts must not be empty")
	}
	for _, s := range c.PostSorts {
		switch s {
		case "new", "hot", "top":
		default:
			return fmt.Errorf("unknown post sort %q", s)
		}
	}
	if c.CommentPostLimit < 0 || c.SubmoltDetailLimit < 0 || c.TopPostSnapshotLimit < 0 {
		return fmt.Errorf("comment_post_limit, submolt_detail_limit and top_post_snapshot_limit must not be negative")
	}
	if c.DailyTopLimit <= 0 {
		return fmt.Errorf("daily_top_limit must be positive")
	}
	if c.PostDelay < 0 || c.CommentDelay < 0 || c.SubmoltDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the trigger server settings.
func (s *ServerConfig) Validate() error {
	if s.ScheduleInterval < 0 {
		return fmt.Errorf("schedule_interval must not be negative")
	}
	if s.TriggerRateLimit < 0 {
		return fmt.Errorf("trigger_rate_limit must not be negative")
	}
	return nil
}
