package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/iccbus/internal/logging"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// ICCBUS_QUEUE_CAPACITY overrides queue.capacity.
const EnvPrefix = "ICCBUS"

// Config represents the complete iccbus configuration
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// QueueConfig sizes every channel queue and its flow-control watermarks
type QueueConfig struct {
	// Capacity is the number of slots per channel; one is always reserved (default: 4096)
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// HighWatermark blocks the peer once occupancy reaches it (default: 3840)
	HighWatermark int `mapstructure:"high_watermark" yaml:"high_watermark"`
	// LowWatermark unblocks the peer once occupancy falls below it (default: 2048)
	LowWatermark int `mapstructure:"low_watermark" yaml:"low_watermark"`
}

// DispatchConfig controls the bounded drain
type DispatchConfig struct {
	// Budget is the maximum number of messages moved per drain (default: 128)
	Budget int `mapstructure:"budget" yaml:"budget"`
}

// SyncConfig controls the synchronous request engine
type SyncConfig struct {
	// FlushLimit is how many stale messages are discarded before sending (default: 32)
	FlushLimit int `mapstructure:"flush_limit" yaml:"flush_limit"`
	// DrainBudget is how many foreign messages one take-over pass may route (default: 32)
	DrainBudget int `mapstructure:"drain_budget" yaml:"drain_budget"`
	// LockRetries bounds attempts to take over the dispatcher (default: 1048575)
	LockRetries int `mapstructure:"lock_retries" yaml:"lock_retries"`
	// MailboxRetries bounds empty polls of the transport while holding the dispatcher (default: 1048575)
	MailboxRetries int `mapstructure:"mailbox_retries" yaml:"mailbox_retries"`
	// TimeoutMs caps the whole call in wall-clock time (default: 5000)
	TimeoutMs int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	// RetryIntervalUs is the park interval between contended attempts (default: 200)
	RetryIntervalUs int `mapstructure:"retry_interval_us" yaml:"retry_interval_us"`
}

// BusConfig controls reserved channels
type BusConfig struct {
	// ControlClient receives flow-control messages (default: 0)
	ControlClient int `mapstructure:"control_client" yaml:"control_client"`
	// AnnounceClient triggers a core-ready message when opened; -1 disables (default: -1)
	AnnounceClient int `mapstructure:"announce_client" yaml:"announce_client"`
}

// TransportConfig sizes the in-memory loopback mailbox
type TransportConfig struct {
	// Depth is the number of messages each direction can buffer (default: 256)
	Depth int `mapstructure:"depth" yaml:"depth"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives iccbus.log; empty logs to stderr (default: "")
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the log size that triggers rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Capacity:      4096,
			HighWatermark: 3840,
			LowWatermark:  2048,
		},
		Dispatch: DispatchConfig{
			Budget: 128,
		},
		Sync: SyncConfig{
			FlushLimit:      32,
			DrainBudget:     32,
			LockRetries:     0xFFFFF,
			MailboxRetries:  0xFFFFF,
			TimeoutMs:       5000,
			RetryIntervalUs: 200,
		},
		Bus: BusConfig{
			ControlClient:  0,
			AnnounceClient: -1,
		},
		Transport: TransportConfig{
			Depth: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// Timeout returns the sync timeout as a time.Duration
func (c *SyncConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryInterval returns the park interval as a time.Duration
func (c *SyncConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalUs) * time.Microsecond
}

// Rotation returns the logging rotation settings
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

// LoggerOptions returns options for logging.NewLogger
func (c *LoggingConfig) LoggerOptions() logging.Options {
	return logging.Options{
		Dir:      c.Dir,
		Level:    c.Level,
		Rotation: c.Rotation(),
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values on the given viper instance
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Queue defaults
	v.SetDefault("queue.capacity", defaults.Queue.Capacity)
	v.SetDefault("queue.high_watermark", defaults.Queue.HighWatermark)
	v.SetDefault("queue.low_watermark", defaults.Queue.LowWatermark)

	// Dispatch defaults
	v.SetDefault("dispatch.budget", defaults.Dispatch.Budget)

	// Sync defaults
	v.SetDefault("sync.flush_limit", defaults.Sync.FlushLimit)
	v.SetDefault("sync.drain_budget", defaults.Sync.DrainBudget)
	v.SetDefault("sync.lock_retries", defaults.Sync.LockRetries)
	v.SetDefault("sync.mailbox_retries", defaults.Sync.MailboxRetries)
	v.SetDefault("sync.timeout_ms", defaults.Sync.TimeoutMs)
	v.SetDefault("sync.retry_interval_us", defaults.Sync.RetryIntervalUs)

	// Bus defaults
	v.SetDefault("bus.control_client", defaults.Bus.ControlClient)
	v.SetDefault("bus.announce_client", defaults.Bus.AnnounceClient)

	// Transport defaults
	v.SetDefault("transport.depth", defaults.Transport.Depth)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// BindEnv enables ICCBUS_* environment overrides on v
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// LoadFile reads a YAML config file on top of the defaults
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaultsOn(v)
	BindEnv(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return LoadFrom(v)
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "iccbus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".iccbus"
	}
	return filepath.Join(home, ".config", "iccbus")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
