package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis connection settings
//   - scheduling.go: temporal contract and slotting
//   - dispatch.go: dispatch target and worker pool
//   - services.go: service modes, backends and the reaper
type AppConfig struct {
	// LogLevel controls the slog level (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Services is a comma-delimited list of enabled background services.
	Services string `env:"DISPATCHER_SERVICES" envDefault:"sync,worker,reaper"`

	// StoreBackend selects the Job Store implementation: postgres or memory.
	StoreBackend Backend `env:"STORE_BACKEND" envDefault:"postgres"`
	// QueueBackend selects the Dispatch Queue implementation: redis or memory.
	QueueBackend Backend `env:"QUEUE_BACKEND" envDefault:"redis"`

	Scheduling     SchedulingConfig     `envPrefix:"SCHEDULING_"`
	Worker         WorkerConfig         `envPrefix:"WORKER_"`
	DispatchTarget DispatchTargetConfig `envPrefix:"DISPATCH_"`
	Reaper         ReaperConfig         `envPrefix:"REAPER_"`

	Observability ObservabilityConfig
}

// Backend names a storage or queue implementation.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMemory   Backend = "memory"
)

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.StoreBackend = Backend(strings.ToLower(strings.TrimSpace(string(c.StoreBackend))))
	c.QueueBackend = Backend(strings.ToLower(strings.TrimSpace(string(c.QueueBackend))))

	c.Scheduling.Sanitize()
	c.Worker.Sanitize()
	c.DispatchTarget.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports configuration combinations that cannot be started.
func (c *AppConfig) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q (valid: postgres, memory)", c.StoreBackend)
	}
	switch c.QueueBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q (valid: redis, memory)", c.QueueBackend)
	}
	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}
	if c.Scheduling.MinLeadTime >= c.Scheduling.MaxLeadTime {
		return errors.New("SCHEDULING_MIN_LEAD must be shorter than SCHEDULING_MAX_LEAD")
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsSyncEnabled returns true if the scheduler sync service is enabled.
func (c *AppConfig) IsSyncEnabled() bool {
	return c.isEnabled(ServiceModeSync)
}

// IsWorkerEnabled returns true if the dispatch worker pool is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.isEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.isEnabled(ServiceModeReaper)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
