package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "WRB_ORCHESTRATOR"

// Loader handles configuration loading from YAML files and environment variables
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Load loads configuration from files and environment variables.
// ENV variables override values from the YAML file.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() == "" {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("/etc/wrb-orchestrator")
		l.v.AddConfigPath("$HOME/.wrb-orchestrator")
		l.v.AddConfigPath(".")
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal
func (l *Loader) setDefaults() {
	l.v.SetDefault("service.shutdown_timeout", "30s")

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")

	l.v.SetDefault("api.listen_addr", ":8080")
	l.v.SetDefault("api.jwt_secret", "")
	l.v.SetDefault("api.cors_origins", []string{})

	l.v.SetDefault("db.driver", "sqlite")
	l.v.SetDefault("db.dsn", "")
	l.v.SetDefault("db.path", "./data/orchestrator.db")
	l.v.SetDefault("db.max_open_conns", 25)
	l.v.SetDefault("db.max_idle_conns", 5)
	l.v.SetDefault("db.conn_max_lifetime", 300)

	l.v.SetDefault("panel.login_timeout", "10s")
	l.v.SetDefault("panel.request_timeout", "30s")
	l.v.SetDefault("panel.port_min", 10000)
	l.v.SetDefault("panel.port_max", 65000)
	l.v.SetDefault("panel.random_attempts", 100)
	l.v.SetDefault("panel.user_agent", DefaultUserAgent)
	l.v.SetDefault("panel.default_outbound_tags", []string{})

	l.v.SetDefault("transit.base_url", "")
	l.v.SetDefault("transit.request_timeout", "30s")
	l.v.SetDefault("transit.max_attempts", 4)
	l.v.SetDefault("transit.backoff_min", "5s")
	l.v.SetDefault("transit.backoff_max", "15s")

	l.v.SetDefault("task_runner.workers", 4)
	l.v.SetDefault("task_runner.poll_interval", "2s")
	l.v.SetDefault("task_runner.unit_timeout", "5m")
	l.v.SetDefault("task_runner.lease_ttl", "10m")
	l.v.SetDefault("task_runner.max_attempts", 3)

	l.v.SetDefault("scheduler.health_sweep", "@every 10m")
	l.v.SetDefault("scheduler.pending_check", "@every 5m")
	l.v.SetDefault("scheduler.transit_refresh", "@every 1h")
	l.v.SetDefault("scheduler.sweep_concurrency", 8)

	l.v.SetDefault("circuit_breaker.failure_threshold", 5)
	l.v.SetDefault("circuit_breaker.reset_timeout", "60s")
}

// GetString returns the raw string value for a key
func (l *Loader) GetString(key string) string { return l.v.GetString(key) }

// GetInt returns the raw int value for a key
func (l *Loader) GetInt(key string) int { return l.v.GetInt(key) }

// IsSet reports whether a key has a value from any source
func (l *Loader) IsSet(key string) bool { return l.v.IsSet(key) }

// AllSettings returns the merged settings tree
func (l *Loader) AllSettings() map[string]any { return l.v.AllSettings() }

// LoadWithPath loads configuration from a specific file path
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.v.SetConfigFile(configPath)
	loader.setupEnvironmentVariables()
	loader.setDefaults()

	if err := loader.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return loader.unmarshal()
}

// LoadFromEnv loads configuration only from environment variables
func LoadFromEnv() (*Config, error) {
	loader := NewLoader()
	loader.setupEnvironmentVariables()
	loader.setDefaults()
	return loader.unmarshal()
}
