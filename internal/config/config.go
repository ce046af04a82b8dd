// Package config loads service configuration from a YAML file with APP_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	RBAC      RBACConfig      `yaml:"rbac"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty DSN runs on the in-memory store.
type DatabaseConfig struct {
	DSN         string        `yaml:"dsn"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// NATSConfig enables the NATS notification sink when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RBACConfig selects the role oracle: gRPC identity service, HTTP RBAC
// service, or the static user_roles table when neither is set.
type RBACConfig struct {
	GRPCAddress string              `yaml:"grpc_address"`
	BaseURL     string              `yaml:"base_url"`
	Timeout     time.Duration       `yaml:"timeout"`
	CacheTTL    time.Duration       `yaml:"cache_ttl"`
	UserRoles   map[string][]string `yaml:"user_roles"`
}

type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	EscalationSpec string        `yaml:"escalation_spec"`
	ReminderSpec   string        `yaml:"reminder_spec"`
	FailureRetry   time.Duration `yaml:"failure_retry"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// LockBackend is memory, postgres or redis.
	LockBackend    string        `yaml:"lock_backend"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	ReminderWindow time.Duration `yaml:"reminder_window"`
	ReminderDedup  time.Duration `yaml:"reminder_dedup"`
	BatchSize      int           `yaml:"batch_size"`
}

type PolicyConfig struct {
	HighValueThreshold     string `yaml:"high_value_threshold"`
	VeryHighValueThreshold string `yaml:"very_high_value_threshold"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "be-ops-approvals",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			HTTPPort:        8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: "notifications.approvals",
		},
		RBAC: RBACConfig{
			Timeout:  5 * time.Second,
			CacheTTL: time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			EscalationSpec: "@every 15m",
			ReminderSpec:   "@every 10m",
			FailureRetry:   30 * time.Minute,
			MaxBackoff:     2 * time.Hour,
			LockBackend:    "memory",
			LockTTL:        10 * time.Minute,
			ReminderWindow: 24 * time.Hour,
			ReminderDedup:  12 * time.Hour,
			BatchSize:      500,
		},
		Policy: PolicyConfig{
			HighValueThreshold:     "100000",
			VeryHighValueThreshold: "1000000",
		},
	}
}

// Load reads path (a missing file is not an error), then applies APP_*
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("APP_ENVIRONMENT", &cfg.Service.Environment)
	str("APP_VERSION", &cfg.Service.Version)
	str("APP_LOG_LEVEL", &cfg.Service.LogLevel)
	num("APP_HTTP_PORT", &cfg.Server.HTTPPort)
	num("APP_GRPC_PORT", &cfg.Server.GRPCPort)
	dur("APP_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("APP_DATABASE_DSN", &cfg.Database.DSN)
	num("APP_DATABASE_MAX_CONNS", &cfg.Database.MaxConns)
	str("APP_NATS_URL", &cfg.NATS.URL)
	str("APP_REDIS_ADDR", &cfg.Redis.Addr)
	str("APP_REDIS_PASSWORD", &cfg.Redis.Password)
	str("APP_RBAC_GRPC_ADDRESS", &cfg.RBAC.GRPCAddress)
	str("APP_RBAC_BASE_URL", &cfg.RBAC.BaseURL)
	dur("APP_RBAC_CACHE_TTL", &cfg.RBAC.CacheTTL)
	str("APP_SCHEDULER_LOCK_BACKEND", &cfg.Scheduler.LockBackend)
	str("APP_SCHEDULER_ESCALATION_SPEC", &cfg.Scheduler.EscalationSpec)
	str("APP_SCHEDULER_REMINDER_SPEC", &cfg.Scheduler.ReminderSpec)
	str("APP_POLICY_HIGH_VALUE_THRESHOLD", &cfg.Policy.HighValueThreshold)
	str("APP_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if v := strings.TrimSpace(os.Getenv("APP_SCHEDULER_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = parsed
		}
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, "server.http_port must be a valid port")
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		problems = append(problems, "server.grpc_port must be a valid port or 0 to disable")
	}
	switch c.Scheduler.LockBackend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "scheduler.lock_backend postgres requires database.dsn")
		}
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "scheduler.lock_backend redis requires redis.addr")
		}
	default:
		problems = append(problems, fmt.Sprintf("scheduler.lock_backend %q is not one of memory, postgres, redis", c.Scheduler.LockBackend))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
