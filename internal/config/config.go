package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Host    HostConfig
	Sandbox SandboxConfig
	Logging LogConfig
}

// ServerConfig holds sandbox server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// HostConfig holds script host supervision configuration.
type HostConfig struct {
	EvalTimeout       time.Duration `envconfig:"EVAL_TIMEOUT" default:"30s"`
	InitTimeout       time.Duration `envconfig:"INIT_TIMEOUT" default:"10s"`
	PingInterval      time.Duration `envconfig:"PING_INTERVAL" default:"15s"`
	UnresponsiveAfter time.Duration `envconfig:"UNRESPONSIVE_AFTER" default:"45s"`
}

// SandboxConfig holds script execution limits for the embedded sandbox.
type SandboxConfig struct {
	ExecTimeout time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Host: HostConfig{
			EvalTimeout:       30 * time.Second,
			InitTimeout:       10 * time.Second,
			PingInterval:      15 * time.Second,
			UnresponsiveAfter: 45 * time.Second,
		},
		Sandbox: SandboxConfig{
			ExecTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
