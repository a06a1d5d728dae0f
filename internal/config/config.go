// Package config loads tasksync settings from defaults, an optional YAML
// file, a .env file and TASKSYNC_* environment variables, in rising order
// of precedence.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kimhsiao/tasksync/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKSYNC"

// Config holds runtime settings.
type Config struct {
	DataDir   string        `mapstructure:"data_dir"`
	MachineID string        `mapstructure:"machine_id"`
	API       APIConfig     `mapstructure:"api"`
	Session   SessionConfig `mapstructure:"session"`
	Sync      SyncConfig    `mapstructure:"sync"`
	Network   NetworkConfig `mapstructure:"network"`
	Log       LogConfig     `mapstructure:"log"`
	Server    ServerConfig  `mapstructure:"server"`
}

// APIConfig points at the remote record service.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig pins a session id. Empty means one is requested from the
// server and stored encrypted.
type SessionConfig struct {
	ID string `mapstructure:"id"`
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	HistoryLimit int           `mapstructure:"history_limit"`
	QueueMaxSize int           `mapstructure:"queue_max_size"`
	ClockSkew    time.Duration `mapstructure:"clock_skew"`
}

// NetworkConfig tunes the connectivity probe.
type NetworkConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LogConfig selects the log level and an optional rotated file.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// ServerConfig is the listen address of the serve and devserver commands.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tasksync")
	}
	return ".tasksync"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("machine_id", "")
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("session.id", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.history_limit", 50)
	v.SetDefault("sync.queue_max_size", 0)
	v.SetDefault("sync.clock_skew", time.Duration(0))
	v.SetDefault("network.probe_interval", 30*time.Second)
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("server.addr", "127.0.0.1:8080")
}

// Load reads configuration. configFile may be empty, in which case
// tasksync.yaml is looked up in the working directory and is optional.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(errors.ErrConfig, "failed to read .env", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tasksync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to decode config", err)
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New(errors.ErrConfig, "data_dir is required")
	case c.API.BaseURL == "":
		return errors.New(errors.ErrConfig, "api.base_url is required")
	case c.API.Timeout <= 0:
		return errors.New(errors.ErrConfig, "api.timeout must be positive")
	case c.Sync.Interval <= 0:
		return errors.New(errors.ErrConfig, "sync.interval must be positive")
	case c.Sync.MaxRetries <= 0:
		return errors.New(errors.ErrConfig, "sync.max_retries must be positive")
	case c.Sync.HistoryLimit <= 0:
		return errors.New(errors.ErrConfig, "sync.history_limit must be positive")
	case c.Sync.QueueMaxSize < 0:
		return errors.New(errors.ErrConfig, "sync.queue_max_size must not be negative")
	case c.Sync.ClockSkew < 0:
		return errors.New(errors.ErrConfig, "sync.clock_skew must not be negative")
	case c.Network.ProbeInterval <= 0:
		return errors.New(errors.ErrConfig, "network.probe_interval must be positive")
	case c.Log.MaxSizeMB < 0:
		return errors.New(errors.ErrConfig, "log.max_size_mb must not be negative")
	}
	return nil
}
