// Package config loads taskvault settings from defaults, an optional YAML
// file and TASKVAULT_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "TASKVAULT"

type Config struct {
	Root                 string        `mapstructure:"root"`
	Log                  LogConfig     `mapstructure:"log"`
	ApprovalPollInterval time.Duration `mapstructure:"approval_poll_interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	StaleThreshold       time.Duration `mapstructure:"stale_threshold"`
	ReminderInterval     time.Duration `mapstructure:"reminder_interval"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	Lock                 LockConfig    `mapstructure:"lock"`
	Feed                 FeedConfig    `mapstructure:"feed"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// FeedConfig configures the status feed. An empty Addr disables it.
type FeedConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

func Default() Config {
	return Config{
		Log:                  LogConfig{Level: "info", Format: "text"},
		ApprovalPollInterval: 5 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		StaleThreshold:       24 * time.Hour,
		ReminderInterval:     time.Hour,
		ReconcileInterval:    30 * time.Second,
		Lock: LockConfig{
			StaleAfter: 10 * time.Second,
			Retries:    10,
			RetryDelay: 50 * time.Millisecond,
		},
		Feed: FeedConfig{Addr: "127.0.0.1:8787"},
	}
}

// NewViper returns a viper instance carrying every key with its default
// and bound to TASKVAULT_ environment variables (dots become underscores,
// e.g. TASKVAULT_LOCK_RETRIES).
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("root", d.Root)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("approval_poll_interval", d.ApprovalPollInterval)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("stale_threshold", d.StaleThreshold)
	v.SetDefault("reminder_interval", d.ReminderInterval)
	v.SetDefault("reconcile_interval", d.ReconcileInterval)
	v.SetDefault("lock.stale_after", d.Lock.StaleAfter)
	v.SetDefault("lock.retries", d.Lock.Retries)
	v.SetDefault("lock.retry_delay", d.Lock.RetryDelay)
	v.SetDefault("feed.addr", d.Feed.Addr)
	v.SetDefault("feed.token", d.Feed.Token)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) into v and returns the validated result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values and makes Root absolute. A root that exists
// but is not a directory is rejected; a missing one is created by the
// vault on start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%w: root is required (flag --root or %s_ROOT)", ErrInvalidConfig, EnvPrefix)
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrInvalidConfig, err)
	}
	c.Root = abs
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", ErrInvalidConfig, abs)
	}

	for name, d := range map[string]time.Duration{
		"approval_poll_interval": c.ApprovalPollInterval,
		"shutdown_timeout":       c.ShutdownTimeout,
		"stale_threshold":        c.StaleThreshold,
		"reminder_interval":      c.ReminderInterval,
		"lock.stale_after":       c.Lock.StaleAfter,
		"lock.retry_delay":       c.Lock.RetryDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d)
		}
	}
	if c.Lock.Retries < 1 {
		return fmt.Errorf("%w: lock.retries must be at least 1", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// WriteDefault writes the default configuration for root to path. An
// existing file is left alone.
func WriteDefault(path, root string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(document(Default(), root))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// document renders c the way a person would write it, with durations as
// strings.
func document(c Config, root string) map[string]any {
	return map[string]any{
		"root": root,
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"approval_poll_interval": c.ApprovalPollInterval.String(),
		"shutdown_timeout":       c.ShutdownTimeout.String(),
		"stale_threshold":        c.StaleThreshold.String(),
		"reminder_interval":      c.ReminderInterval.String(),
		"reconcile_interval":     c.ReconcileInterval.String(),
		"lock": map[string]any{
			"stale_after": c.Lock.StaleAfter.String(),
			"retries":     c.Lock.Retries,
			"retry_delay": c.Lock.RetryDelay.String(),
		},
		"feed": map[string]any{
			"addr": c.Feed.Addr,
		},
	}
}
