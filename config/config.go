// Package config loads process configuration for the hive server and CLI.
// Values come from built-in defaults, a YAML file and HIVE_ environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/discovery"
	"github.com/everydev1618/hive/resilience"
)

// Config holds all process configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Notifier     NotifierConfig     `mapstructure:"notifier"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Schedules    []ScheduleConfig   `mapstructure:"schedules"`

	// file is the config file that was read, if any
	file string

	// settings is the merged view used by YAML
	settings map[string]any
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	CallbackDir string `mapstructure:"callback_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects task persistence. Driver is one of "sqlite", "file",
// "memory" or "sqlserver"; for sqlserver Path is the connection string.
type StoreConfig struct {
	Driver  string `mapstructure:"driver"`
	Path    string `mapstructure:"path"`
	Journal bool   `mapstructure:"journal"`
}

// OrchestratorConfig mirrors hive.Config.
type OrchestratorConfig struct {
	AssignInterval          time.Duration `mapstructure:"assign_interval"`
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryInitialDelay       time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay           time.Duration `mapstructure:"retry_max_delay"`
	RetryBackoffFactor      float64       `mapstructure:"retry_backoff_factor"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `mapstructure:"breaker_reset_timeout"`
	BreakerHalfOpenTimeout  time.Duration `mapstructure:"breaker_half_open_timeout"`
	MaxWorkerBreakers       int           `mapstructure:"max_worker_breakers"`
}

// DiscoveryConfig holds worker expiry settings.
type DiscoveryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Expiry        time.Duration `mapstructure:"expiry"`
}

// NotifierConfig selects how workers learn about assignments. Mode is
// "bus" for in-process workers or "http" for workers with an endpoint.
type NotifierConfig struct {
	Mode          string        `mapstructure:"mode"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxQueue      int           `mapstructure:"max_queue"`
}

// AdmissionConfig guards the task submission endpoint.
type AdmissionConfig struct {
	RequestsPerPeriod int           `mapstructure:"requests_per_period"`
	Period            time.Duration `mapstructure:"period"`
	QueueSize         int           `mapstructure:"queue_size"`
	QueueTimeout      time.Duration `mapstructure:"queue_timeout"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxWaiting        int           `mapstructure:"max_waiting"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// TelegramConfig enables operator alerts and commands over a Telegram
// bot. An empty Token disables it.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`

	// Endpoint overrides the Bot API URL format for self-hosted servers
	Endpoint string `mapstructure:"endpoint"`
}

// ScheduleConfig submits Task on a cron schedule.
type ScheduleConfig struct {
	Name string       `mapstructure:"name"`
	Cron string       `mapstructure:"cron"`
	Task TaskTemplate `mapstructure:"task"`
}

// TaskTemplate is the configuration form of hive.TaskSpec.
type TaskTemplate struct {
	Kind         string            `mapstructure:"kind"`
	Priority     int               `mapstructure:"priority"`
	Capabilities []string          `mapstructure:"capabilities"`
	Params       map[string]string `mapstructure:"params"`
	Timeout      time.Duration     `mapstructure:"timeout"`
}

// Spec converts the template into a submission.
func (t TaskTemplate) Spec() hive.TaskSpec {
	return hive.TaskSpec{
		Kind:                 t.Kind,
		Priority:             t.Priority,
		RequiredCapabilities: t.Capabilities,
		Params:               t.Params,
		Timeout:              t.Timeout,
	}
}

// Load reads configuration. An empty path searches for hive.yaml in the
// working directory and then in the user config directory; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hive")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(UserConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.callback_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(DataDir(), "hive.db"))
	v.SetDefault("store.journal", true)

	v.SetDefault("orchestrator.assign_interval", "5s")
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.retry_initial_delay", "1s")
	v.SetDefault("orchestrator.retry_max_delay", "30s")
	v.SetDefault("orchestrator.retry_backoff_factor", 2.0)
	v.SetDefault("orchestrator.breaker_failure_threshold", 3)
	v.SetDefault("orchestrator.breaker_reset_timeout", "60s")
	v.SetDefault("orchestrator.breaker_half_open_timeout", "30s")
	v.SetDefault("orchestrator.max_worker_breakers", 1024)

	v.SetDefault("discovery.sweep_interval", "30s")
	v.SetDefault("discovery.expiry", "90s")

	v.SetDefault("notifier.mode", "bus")
	v.SetDefault("notifier.timeout", "10s")
	v.SetDefault("notifier.max_concurrent", 16)
	v.SetDefault("notifier.max_queue", 64)

	v.SetDefault("admission.requests_per_period", 50)
	v.SetDefault("admission.period", "1s")
	v.SetDefault("admission.queue_size", 100)
	v.SetDefault("admission.queue_timeout", "5s")
	v.SetDefault("admission.max_concurrent", 20)
	v.SetDefault("admission.max_waiting", 50)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.endpoint", "")
	v.SetDefault("admission.timeout", "10s")
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "file", "memory", "sqlserver":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Notifier.Mode {
	case "bus", "http":
	default:
		return fmt.Errorf("notifier.mode: unknown mode %q", c.Notifier.Mode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Store.Driver == "sqlserver" && c.Store.Path == "" {
		return fmt.Errorf("store.path: sqlserver needs a connection string")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id: required when telegram.token is set")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedules[%d]: name and cron are required", i)
		}
	}
	return nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string {
	return c.file
}

// YAML renders the effective settings.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.settings)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger described by Log.
func (c *Config) Logger() *slog.Logger {
	lvl, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// OrchestratorConfig converts to hive.Config.
func (c *Config) OrchestratorConfig() hive.Config {
	o := c.Orchestrator
	return hive.Config{
		AssignInterval:          o.AssignInterval,
		MaxRetries:              o.MaxRetries,
		RetryInitialDelay:       o.RetryInitialDelay,
		RetryMaxDelay:           o.RetryMaxDelay,
		RetryBackoffFactor:      o.RetryBackoffFactor,
		BreakerFailureThreshold: o.BreakerFailureThreshold,
		BreakerResetTimeout:     o.BreakerResetTimeout,
		BreakerHalfOpenTimeout:  o.BreakerHalfOpenTimeout,
		MaxWorkerBreakers:       o.MaxWorkerBreakers,
	}
}

// DiscoveryConfig converts to discovery.Config.
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		SweepInterval: c.Discovery.SweepInterval,
		Expiry:        c.Discovery.Expiry,
	}
}

// HTTPNotifierConfig converts to hive.HTTPNotifierConfig.
func (c *Config) HTTPNotifierConfig() hive.HTTPNotifierConfig {
	return hive.HTTPNotifierConfig{
		Timeout:       c.Notifier.Timeout,
		MaxConcurrent: c.Notifier.MaxConcurrent,
		MaxQueue:      c.Notifier.MaxQueue,
	}
}

// LimiterConfig is the rate limiter guarding submissions.
func (c *Config) LimiterConfig() resilience.LimiterConfig {
	a := c.Admission
	return resilience.LimiterConfig{
		RequestsPerPeriod: a.RequestsPerPeriod,
		Period:            a.Period,
		MaxQueueSize:      a.QueueSize,
		QueueTimeout:      a.QueueTimeout,
	}
}

// BulkheadConfig is the bulkhead guarding submissions.
func (c *Config) BulkheadConfig() resilience.BulkheadConfig {
	a := c.Admission
	return resilience.BulkheadConfig{
		MaxConcurrent: a.MaxConcurrent,
		MaxQueue:      a.MaxWaiting,
		Timeout:       a.Timeout,
	}
}

// UserConfigDir returns the XDG config directory for hive.
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hive")
	}
	return filepath.Join(home, ".config", "hive")
}

// DataDir returns the default directory for databases and callback files.
func DataDir() string {
	if dir := os.Getenv("HIVE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".hive")
}
