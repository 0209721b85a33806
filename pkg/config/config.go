// Package config is the process-level configuration surface: a struct
// loadable from a YAML file with environment-variable overrides, and a
// Validate method the entrypoint runs before wiring any collaborator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RoleMode mirrors pkg/role.Mode as a YAML-friendly string so the config
// file never has to spell out the integer enum.
type RoleMode string

const (
	RoleModeStrict     RoleMode = "strict"
	RoleModePermissive RoleMode = "permissive"
)

// Config is the full set of tunables for an agentbus process.
type Config struct {
	Role struct {
		Mode RoleMode `yaml:"mode"`
	} `yaml:"role"`

	Breaker struct {
		FailureThreshold    int           `yaml:"failure_threshold"`
		FailureWindow       time.Duration `yaml:"failure_window"`
		Cooldown            time.Duration `yaml:"cooldown"`
		HalfOpenProbeBudget int           `yaml:"half_open_probe_budget"`
	} `yaml:"breaker"`

	Processor struct {
		ImpactScoreTimeout    time.Duration `yaml:"impact_score_timeout"`
		DeliberationThreshold float64       `yaml:"deliberation_threshold"`
		DeliberationDeadline  time.Duration `yaml:"deliberation_deadline"`
	} `yaml:"processor"`

	Deliberation struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"deliberation"`

	AgentBus struct {
		WorkerCount      int           `yaml:"worker_count"`
		QueueCapacity    int           `yaml:"queue_capacity"`
		SendTimeout      time.Duration `yaml:"send_timeout"`
		ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
	} `yaml:"agent_bus"`

	Audit struct {
		QueueCapacity int    `yaml:"queue_capacity"`
		DatabaseURL   string `yaml:"database_url"`
	} `yaml:"audit"`

	Metering struct {
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"metering"`

	Registry struct {
		RedisAddr string        `yaml:"redis_addr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"registry"`

	Policy struct {
		CacheSize   int           `yaml:"cache_size"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
		RedisAddr   string        `yaml:"redis_addr"`
		ExternalURL string        `yaml:"external_url"`
	} `yaml:"policy"`

	Health struct {
		Window time.Duration `yaml:"window"`
	} `yaml:"health"`

	Server struct {
		Addr       string `yaml:"addr"`
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"server"`
}

// Default returns the baseline configuration.
func Default() Config {
	var c Config
	c.Role.Mode = RoleModeStrict
	c.Breaker.FailureThreshold = 5
	c.Breaker.FailureWindow = 60 * time.Second
	c.Breaker.Cooldown = 30 * time.Second
	c.Breaker.HalfOpenProbeBudget = 1
	c.Processor.ImpactScoreTimeout = 5 * time.Second
	c.Processor.DeliberationThreshold = 0.8
	c.Processor.DeliberationDeadline = 24 * time.Hour
	c.Deliberation.Capacity = 1024
	c.AgentBus.WorkerCount = 4
	c.AgentBus.QueueCapacity = 1024
	c.AgentBus.SendTimeout = 5 * time.Second
	c.AgentBus.ShutdownDeadline = 30 * time.Second
	c.Audit.QueueCapacity = 4096
	c.Registry.TTL = 0
	c.Policy.CacheSize = 1024
	c.Policy.CacheTTL = 5 * time.Minute
	c.Health.Window = 5 * time.Minute
	c.Server.Addr = ":8090"
	c.Server.HealthAddr = ":8091"
	return c
}

// Load reads a YAML config from path (if non-empty and present), layers
// AGENTBUS_*/DATABASE_URL environment overrides on top, and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment-variable overrides scoped to the
// AGENTBUS_ prefix plus the shared DATABASE_URL variable.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Audit.DatabaseURL = v
		cfg.Metering.DatabaseURL = v
	}
	if v := os.Getenv("AGENTBUS_AUDIT_DATABASE_URL"); v != "" {
		cfg.Audit.DatabaseURL = v
	}
	if v := os.Getenv("AGENTBUS_METERING_DATABASE_URL"); v != "" {
		cfg.Metering.DatabaseURL = v
	}
	if v := os.Getenv("AGENTBUS_REGISTRY_REDIS_ADDR"); v != "" {
		cfg.Registry.RedisAddr = v
	}
	if v := os.Getenv("AGENTBUS_POLICY_REDIS_ADDR"); v != "" {
		cfg.Policy.RedisAddr = v
	}
	if v := os.Getenv("AGENTBUS_POLICY_EXTERNAL_URL"); v != "" {
		cfg.Policy.ExternalURL = v
	}
	if v := os.Getenv("AGENTBUS_ROLE_MODE"); v != "" {
		cfg.Role.Mode = RoleMode(v)
	}
	if v := os.Getenv("AGENTBUS_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentBus.WorkerCount = n
		}
	}
	if v := os.Getenv("AGENTBUS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate checks the structural invariants the rest of the wiring relies
// on (role mode, deliberation threshold, breaker failure threshold, worker
// count, queue capacity) without reaching out to any network resource.
// Durations are not checked.
func (c Config) Validate() error {
	switch c.Role.Mode {
	case RoleModeStrict, RoleModePermissive:
	default:
		return fmt.Errorf("config: role.mode must be %q or %q, got %q", RoleModeStrict, RoleModePermissive, c.Role.Mode)
	}
	if c.Processor.DeliberationThreshold < 0 || c.Processor.DeliberationThreshold > 1 {
		return fmt.Errorf("config: processor.deliberation_threshold must be in [0,1], got %v", c.Processor.DeliberationThreshold)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.AgentBus.WorkerCount <= 0 {
		return fmt.Errorf("config: agent_bus.worker_count must be positive, got %d", c.AgentBus.WorkerCount)
	}
	if c.AgentBus.QueueCapacity < 0 {
		return fmt.Errorf("config: agent_bus.queue_capacity must be >= 0, got %d", c.AgentBus.QueueCapacity)
	}
	return nil
}
