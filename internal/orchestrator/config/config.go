package config

import (
	"fmt"
	"time"
)

// Config defines the configuration for the orchestrator service.
type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Log            LogConfig            `mapstructure:"log"`
	API            APIConfig            `mapstructure:"api"`
	DB             DBConfig             `mapstructure:"db"`
	Panel          PanelConfig          `mapstructure:"panel"`
	Transit        TransitConfig        `mapstructure:"transit"`
	TaskRunner     TaskRunnerConfig     `mapstructure:"task_runner"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// ServiceConfig defines service-level configuration options.
type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig defines the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig defines the API server configuration.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`

	// CORSOrigins enables CORS for the listed origins; empty disables it.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DBConfig defines the database configuration.
type DBConfig struct {
	Driver          string `mapstructure:"driver"` // sqlite, mysql, postgres
	DSN             string `mapstructure:"dsn"`
	Path            string `mapstructure:"path"` // sqlite only
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// PanelConfig defines how remote panels are driven.
type PanelConfig struct {
	LoginTimeout   time.Duration `mapstructure:"login_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PortMin        int           `mapstructure:"port_min"`
	PortMax        int           `mapstructure:"port_max"`
	RandomAttempts int           `mapstructure:"random_attempts"`
	UserAgent      string        `mapstructure:"user_agent"`
	// DefaultOutboundTags are round-robined for type-B routing rules when a node carries none.
	DefaultOutboundTags []string `mapstructure:"default_outbound_tags"`
}

// TransitConfig defines the UDP transit service client.
type TransitConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// TaskRunnerConfig defines the worker pool draining the durable task queue.
type TaskRunnerConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	UnitTimeout  time.Duration `mapstructure:"unit_timeout"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// SchedulerConfig defines the cron specs of periodic jobs.
type SchedulerConfig struct {
	HealthSweep      string `mapstructure:"health_sweep"`
	PendingCheck     string `mapstructure:"pending_check"`
	TransitRefresh   string `mapstructure:"transit_refresh"`
	SweepConcurrency int    `mapstructure:"sweep_concurrency"`
}

// CircuitBreakerConfig defines per-panel circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Validate validates the configuration for correctness and completeness
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	switch c.DB.Driver {
	case "", "sqlite":
	case "mysql", "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for driver %s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unsupported db.driver: %s (must be sqlite, mysql, or postgres)", c.DB.Driver)
	}

	if c.Service.ShutdownTimeout > 0 && c.Service.ShutdownTimeout < time.Second {
		return fmt.Errorf("service.shutdown_timeout must be at least 1 second")
	}

	if c.Panel.PortMin != 0 || c.Panel.PortMax != 0 {
		if c.Panel.PortMin < 1 || c.Panel.PortMax > 65535 || c.Panel.PortMin >= c.Panel.PortMax {
			return fmt.Errorf("panel port range [%d, %d] is invalid", c.Panel.PortMin, c.Panel.PortMax)
		}
	}

	if c.Transit.BackoffMin > 0 && c.Transit.BackoffMax > 0 && c.Transit.BackoffMin > c.Transit.BackoffMax {
		return fmt.Errorf("transit.backoff_min must not exceed transit.backoff_max")
	}

	c.setDefaults()

	return nil
}

// setDefaults sets default values for configuration fields that are not set
func (c *Config) setDefaults() {
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "./data/orchestrator.db"
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = 25
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = 5
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = 300
	}

	if c.Panel.LoginTimeout <= 0 {
		c.Panel.LoginTimeout = 10 * time.Second
	}
	if c.Panel.RequestTimeout <= 0 {
		c.Panel.RequestTimeout = 30 * time.Second
	}
	if c.Panel.PortMin == 0 && c.Panel.PortMax == 0 {
		c.Panel.PortMin = 10000
		c.Panel.PortMax = 65000
	}
	if c.Panel.RandomAttempts <= 0 {
		c.Panel.RandomAttempts = 100
	}
	if c.Panel.UserAgent == "" {
		c.Panel.UserAgent = DefaultUserAgent
	}

	if c.Transit.RequestTimeout <= 0 {
		c.Transit.RequestTimeout = 30 * time.Second
	}
	if c.Transit.MaxAttempts <= 0 {
		c.Transit.MaxAttempts = 4
	}
	if c.Transit.BackoffMin <= 0 {
		c.Transit.BackoffMin = 5 * time.Second
	}
	if c.Transit.BackoffMax <= 0 {
		c.Transit.BackoffMax = 15 * time.Second
	}

	if c.TaskRunner.Workers <= 0 {
		c.TaskRunner.Workers = 4
	}
	if c.TaskRunner.PollInterval <= 0 {
		c.TaskRunner.PollInterval = 2 * time.Second
	}
	if c.TaskRunner.UnitTimeout <= 0 {
		c.TaskRunner.UnitTimeout = 5 * time.Minute
	}
	if c.TaskRunner.LeaseTTL <= 0 {
		c.TaskRunner.LeaseTTL = 10 * time.Minute
	}
	if c.TaskRunner.MaxAttempts <= 0 {
		c.TaskRunner.MaxAttempts = 3
	}

	if c.Scheduler.HealthSweep == "" {
		c.Scheduler.HealthSweep = "@every 10m"
	}
	if c.Scheduler.PendingCheck == "" {
		c.Scheduler.PendingCheck = "@every 5m"
	}
	if c.Scheduler.SweepConcurrency <= 0 {
		c.Scheduler.SweepConcurrency = 8
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		c.CircuitBreaker.ResetTimeout = 60 * time.Second
	}
}

// DefaultUserAgent is sent to panels that reject requests without a browser agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
