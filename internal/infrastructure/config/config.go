// Package config loads the orchestrator's configuration: a YAML file read
// by viper, overridable by environment variables, with hot reload for the
// fields safe to change on a live process.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Kernel KernelConfig `mapstructure:"kernel"`
}

// ServerConfig configures the admin HTTP surface (healthz + metrics).
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// KernelConfig configures the KernelManager.
type KernelConfig struct {
	WorkerBinPath        string         `mapstructure:"worker_bin_path"`
	DefaultInactivitySec int            `mapstructure:"default_inactivity_sec"`
	StallTimeoutSec      int            `mapstructure:"stall_timeout_sec"`
	StreamTimeoutSec     int            `mapstructure:"stream_timeout_sec"`
	AllowedTypes         []AllowedType  `mapstructure:"allowed_types"`
	Pools                []PoolConfig   `mapstructure:"pools"`
}

// AllowedType names one (mode, language) pair the manager may create.
type AllowedType struct {
	Mode     string `mapstructure:"mode"`
	Language string `mapstructure:"language"`
}

// PoolConfig declares a pre-warm pool for one (mode, language) pair.
type PoolConfig struct {
	Mode     string `mapstructure:"mode"`
	Language string `mapstructure:"language"`
	Size     int    `mapstructure:"size"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Load initializes the configuration from configPath. Subsequent calls
// after the first are no-ops (the sync.Once guard mirrors the rest of
// this codebase's singleton config pattern).
func Load(configPath string) (*Config, error) {
	var loadErr error

	once.Do(func() {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		viper.AutomaticEnv()
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

		if err := viper.ReadInConfig(); err != nil {
			loadErr = fmt.Errorf("failed to read config file: %w", err)
			return
		}

		cfg = &Config{}
		if err := viper.Unmarshal(cfg); err != nil {
			loadErr = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}

		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, reloading")
			mu.Lock()
			defer mu.Unlock()
			reloaded := &Config{}
			if err := viper.Unmarshal(reloaded); err != nil {
				log.Error().Err(err).Msg("failed to reload config")
				return
			}
			// Only the fields safe to change on a live process are
			// carried over; allow-list and pool shape require a restart.
			cfg.Log = reloaded.Log
			log.Info().Msg("config reloaded")
		})
	})

	return cfg, loadErr
}

// Get returns the current configuration (thread-safe).
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// GetAddress returns the admin server's listen address.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultInactivity returns the configured default inactivity timeout.
func (k *KernelConfig) DefaultInactivity() time.Duration {
	return time.Duration(k.DefaultInactivitySec) * time.Second
}

// StallTimeout returns the configured per-execution stall timeout.
func (k *KernelConfig) StallTimeout() time.Duration {
	return time.Duration(k.StallTimeoutSec) * time.Second
}

// StreamTimeout returns the configured executeStream bound, defaulting to
// 60 seconds when unset.
func (k *KernelConfig) StreamTimeout() time.Duration {
	if k.StreamTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(k.StreamTimeoutSec) * time.Second
}
