// Package config loads the mnemos configuration file.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and MNEMOS_* environment variables (MNEMOS_STORAGE_PATH,
// MNEMOS_BACKUP_KEEP, ...). Durations are written as Go duration strings
// ("4h", "90m").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MNEMOS"

// Config is the full application configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Memory      MemoryConfig      `yaml:"memory" mapstructure:"memory"`
	Embedding   EmbeddingConfig   `yaml:"embedding" mapstructure:"embedding"`
	Backup      BackupConfig      `yaml:"backup" mapstructure:"backup"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
	Encryption  EncryptionConfig  `yaml:"encryption" mapstructure:"encryption"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Jobs        JobsConfig        `yaml:"jobs" mapstructure:"jobs"`
}

type StorageConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MemoryConfig tunes the memory manager.
type MemoryConfig struct {
	RetentionPeriod     string  `yaml:"retention_period" mapstructure:"retention_period"`
	ContextDepth        int     `yaml:"context_depth" mapstructure:"context_depth"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	CacheCapacity       int     `yaml:"cache_capacity" mapstructure:"cache_capacity"`
}

// Retention returns RetentionPeriod parsed. Call Validate first.
func (m MemoryConfig) Retention() time.Duration { return parseDuration(m.RetentionPeriod) }

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is "hash" (local, no network) or "openai".
	Provider string `yaml:"provider" mapstructure:"provider"`
	// Dims is the vector size of the hash provider.
	Dims    int    `yaml:"dims" mapstructure:"dims"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv     string `yaml:"api_key_env" mapstructure:"api_key_env"`
	Timeout       string `yaml:"timeout" mapstructure:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// RequestTimeout returns Timeout parsed. Call Validate first.
func (e EmbeddingConfig) RequestTimeout() time.Duration { return parseDuration(e.Timeout) }

// APIKey reads the key from the environment.
func (e EmbeddingConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// BackupConfig controls snapshots. An empty Dir puts them in a "backups"
// directory next to the database.
type BackupConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	Keep     int    `yaml:"keep" mapstructure:"keep"`
	Compress bool   `yaml:"compress" mapstructure:"compress"`
	// Schedule is a cron expression or @every descriptor. Empty disables
	// scheduled backups.
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

type MaintenanceConfig struct {
	Schedule        string  `yaml:"schedule" mapstructure:"schedule"`
	RetentionDays   int     `yaml:"retention_days" mapstructure:"retention_days"`
	ImportanceFloor float64 `yaml:"importance_floor" mapstructure:"importance_floor"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	VacuumStep      int     `yaml:"vacuum_step" mapstructure:"vacuum_step"`
}

// EncryptionConfig enables content encryption at rest when the named
// variable holds a 64-char hex key.
type EncryptionConfig struct {
	MasterKeyEnv string `yaml:"master_key_env" mapstructure:"master_key_env"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// HTTPConfig configures the health and metrics listener. An empty Addr
// disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type JobsConfig struct {
	// FallbackDelay is the wait before retrying a failed scheduled job.
	FallbackDelay string `yaml:"fallback_delay" mapstructure:"fallback_delay"`
}

// Fallback returns FallbackDelay parsed. Call Validate first.
func (j JobsConfig) Fallback() time.Duration { return parseDuration(j.FallbackDelay) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "mnemos.db"},
		Memory: MemoryConfig{
			RetentionPeriod:     "4h",
			ContextDepth:        8,
			ConfidenceThreshold: 0.75,
			CacheCapacity:       2048,
		},
		Embedding: EmbeddingConfig{
			Provider:      "hash",
			Dims:          256,
			APIKeyEnv:     "OPENAI_API_KEY",
			Timeout:       "30s",
			RetryAttempts: 3,
		},
		Backup: BackupConfig{
			Keep:     7,
			Compress: true,
			Schedule: "@every 24h",
		},
		Maintenance: MaintenanceConfig{
			Schedule:        "30 3 * * *",
			RetentionDays:   30,
			ImportanceFloor: 0.8,
			BatchSize:       500,
			VacuumStep:      256,
		},
		Encryption: EncryptionConfig{MasterKeyEnv: "MNEMOS_MASTER_KEY"},
		Log:        LogConfig{Level: "info", Format: "text"},
		HTTP:       HTTPConfig{Addr: "127.0.0.1:9464"},
		Jobs:       JobsConfig{FallbackDelay: "1h"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key, which AutomaticEnv needs to see
// variables for keys absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	for key, val := range flatten("", cfg.Map()) {
		v.SetDefault(key, val)
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Map returns the configuration as a nested map keyed by YAML names.
func (c *Config) Map() map[string]any {
	data, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports every out-of-range value at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Storage.Path != "", "storage.path is required")

	checkDuration := func(key, val string) {
		d, err := time.ParseDuration(val)
		check(err == nil && d > 0, "%s: %q is not a positive duration", key, val)
	}
	checkDuration("memory.retention_period", c.Memory.RetentionPeriod)
	check(c.Memory.ContextDepth > 0, "memory.context_depth must be positive")
	check(c.Memory.ConfidenceThreshold > 0 && c.Memory.ConfidenceThreshold <= 1,
		"memory.confidence_threshold must be within (0, 1]")
	check(c.Memory.CacheCapacity > 0, "memory.cache_capacity must be positive")

	switch c.Embedding.Provider {
	case "hash":
		check(c.Embedding.Dims > 0, "embedding.dims must be positive")
	case "openai":
		checkDuration("embedding.timeout", c.Embedding.Timeout)
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}
	check(c.Embedding.RetryAttempts >= 0, "embedding.retry_attempts must not be negative")

	check(c.Backup.Keep > 0, "backup.keep must be positive")
	checkSchedule := func(key, spec string) {
		if spec == "" {
			return
		}
		_, err := cron.ParseStandard(spec)
		check(err == nil, "%s: invalid schedule %q", key, spec)
	}
	checkSchedule("backup.schedule", c.Backup.Schedule)
	checkSchedule("maintenance.schedule", c.Maintenance.Schedule)

	check(c.Maintenance.RetentionDays > 0, "maintenance.retention_days must be positive")
	check(c.Maintenance.ImportanceFloor > 0 && c.Maintenance.ImportanceFloor <= 1,
		"maintenance.importance_floor must be within (0, 1]")
	check(c.Maintenance.BatchSize > 0, "maintenance.batch_size must be positive")
	check(c.Maintenance.VacuumStep > 0, "maintenance.vacuum_step must be positive")

	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")
	checkDuration("jobs.fallback_delay", c.Jobs.FallbackDelay)

	return errors.Join(errs...)
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
