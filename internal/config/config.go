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
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`
	Database    Database    `yaml:"database"`
	Redis       Redis       `yaml:"redis"`
	RabbitMQ    RabbitMQ    `yaml:"rabbitmq"`
	Auth        Auth        `yaml:"auth"`
	Transaction Transaction `yaml:"transaction"`
	Sweep       struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"sweep"`
	Assignment struct {
		InactiveAgentPolicy string `yaml:"inactive_agent_policy"`
	} `yaml:"assignment"`
	LogLevel string `yaml:"log_level"`
}

type Database struct {
	// Driver is "mysql", "pgx" or "memory".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type Redis struct {
	// Addr empty disables checkout idempotency.
	Addr           string        `yaml:"addr"`
	PoolSize       int           `yaml:"pool_size"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type RabbitMQ struct {
	// URL empty disables event publishing.
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type Transaction struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Addr = ":50051"
	cfg.Database = Database{
		Driver:          "mysql",
		DSN:             "root:root@tcp(localhost:3306)/mealdispatch?parseTime=true",
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Redis = Redis{Addr: "localhost:6379", PoolSize: 100, IdempotencyTTL: 24 * time.Hour}
	cfg.RabbitMQ.Exchange = "meal_dispatch.orders"
	cfg.Transaction = Transaction{MaxAttempts: 10, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
	cfg.Sweep.BatchSize = 200
	cfg.Assignment.InactiveAgentPolicy = "hold"
	cfg.LogLevel = "info"
	return cfg
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Assignment.InactiveAgentPolicy = getEnv("INACTIVE_AGENT_POLICY", c.Assignment.InactiveAgentPolicy)

	secret, err := getEnvFromFile("JWT_SECRET_FILE", "JWT_SECRET", c.Auth.JWTSecret)
	if err != nil {
		return err
	}
	c.Auth.JWTSecret = secret

	if v := os.Getenv("SWEEP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWEEP_BATCH_SIZE: %w", err)
		}
		c.Sweep.BatchSize = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "pgx", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	if c.Transaction.MaxAttempts < 1 {
		errs = append(errs, errors.New("transaction.max_attempts: must be at least 1"))
	}
	if c.Transaction.InitialBackoff <= 0 || c.Transaction.MaxBackoff < c.Transaction.InitialBackoff {
		errs = append(errs, errors.New("transaction: backoff must be positive and max_backoff >= initial_backoff"))
	}
	if c.Sweep.BatchSize < 1 {
		errs = append(errs, errors.New("sweep.batch_size: must be at least 1"))
	}
	switch c.Assignment.InactiveAgentPolicy {
	case "hold", "consume":
	default:
		errs = append(errs, fmt.Errorf("assignment.inactive_agent_policy: unknown policy %q", c.Assignment.InactiveAgentPolicy))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret: required (JWT_SECRET or JWT_SECRET_FILE)"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFromFile(fileKey, envKey, defaultValue string) (string, error) {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("%s: %w", fileKey, err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return getEnv(envKey, defaultValue), nil
}
