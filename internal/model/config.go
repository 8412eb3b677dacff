package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Executor kinds.
const (
	ExecutorOSAScript = "osascript"
	ExecutorIMAP      = "imap"
	ExecutorNone      = "none"
)

// StoreConfig holds settings for the local index database.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// BatchSize is the chunk size for batch upserts.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// WriteRetries bounds how often a write blocked by a lock is retried.
	WriteRetries int `mapstructure:"write_retries" yaml:"write_retries"`

	// WriteRetryDelayMS is the pause between retries, in milliseconds.
	WriteRetryDelayMS int `mapstructure:"write_retry_delay_ms" yaml:"write_retry_delay_ms"`
}

// WriteRetryDelay returns the retry pause as a duration.
func (c StoreConfig) WriteRetryDelay() time.Duration {
	return time.Duration(c.WriteRetryDelayMS) * time.Millisecond
}

// CacheConfig holds settings for the in-memory thread cache.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// SyncConfig holds settings for import and backward sync.
type SyncConfig struct {
	// EnvelopeIndexPath points at the foreign mail database used for bulk
	// import. Empty disables import.
	EnvelopeIndexPath string `mapstructure:"envelope_index_path" yaml:"envelope_index_path"`

	// PendingIntervalSec is how often pending actions are retried.
	PendingIntervalSec int `mapstructure:"pending_interval_sec" yaml:"pending_interval_sec"`
}

// IMAPConfig holds connection details for the IMAP action executor. The
// password lives in the system keyring.
type IMAPConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           string `mapstructure:"port" yaml:"port"`
	Username       string `mapstructure:"username" yaml:"username"`
	TLS            bool   `mapstructure:"tls" yaml:"tls"`
	ArchiveMailbox string `mapstructure:"archive_mailbox" yaml:"archive_mailbox"`
	TrashMailbox   string `mapstructure:"trash_mailbox" yaml:"trash_mailbox"`
}

// ExecutorConfig selects how actions reach the external mail store.
type ExecutorConfig struct {
	Kind string     `mapstructure:"kind" yaml:"kind"`
	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailindex/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailindex", "config.yaml")
}

// DefaultStorePath returns the default database location.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "index.db")
	}
	return filepath.Join(home, ".local", "share", "mailindex", "index.db")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Store: StoreConfig{
			Path:              DefaultStorePath(),
			BatchSize:         1000,
			WriteRetries:      10,
			WriteRetryDelayMS: 50,
		},
		Cache: CacheConfig{Capacity: 500},
		Sync:  SyncConfig{PendingIntervalSec: 300},
		Executor: ExecutorConfig{
			Kind: ExecutorOSAScript,
			IMAP: IMAPConfig{
				Port:           "993",
				TLS:            true,
				ArchiveMailbox: "Archive",
				TrashMailbox:   "Trash",
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	def := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.batch_size", def.Store.BatchSize)
	v.SetDefault("store.write_retries", def.Store.WriteRetries)
	v.SetDefault("store.write_retry_delay_ms", def.Store.WriteRetryDelayMS)
	v.SetDefault("cache.capacity", def.Cache.Capacity)
	v.SetDefault("sync.pending_interval_sec", def.Sync.PendingIntervalSec)
	v.SetDefault("executor.kind", def.Executor.Kind)
	v.SetDefault("executor.imap.port", def.Executor.IMAP.Port)
	v.SetDefault("executor.imap.tls", def.Executor.IMAP.TLS)
	v.SetDefault("executor.imap.archive_mailbox", def.Executor.IMAP.ArchiveMailbox)
	v.SetDefault("executor.imap.trash_mailbox", def.Executor.IMAP.TrashMailbox)
	v.SetDefault("log.level", def.Log.Level)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Executor.Kind {
	case ExecutorOSAScript, ExecutorNone:
	case ExecutorIMAP:
		if c.Executor.IMAP.Host == "" || c.Executor.IMAP.Username == "" {
			return fmt.Errorf("executor.imap.host and executor.imap.username are required")
		}
	default:
		return fmt.Errorf("unknown executor.kind %q", c.Executor.Kind)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("store", cfg.Store)
	v.Set("cache", cfg.Cache)
	v.Set("sync", cfg.Sync)
	v.Set("executor", cfg.Executor)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
