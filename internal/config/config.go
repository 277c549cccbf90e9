package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Runner   RunnerConfig   `yaml:"runner"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Mail     MailConfig     `yaml:"mail"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RunnerConfig holds job runner configuration
type RunnerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MinReconnect    time.Duration `yaml:"min_reconnect"`
	MaxReconnect    time.Duration `yaml:"max_reconnect"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Environment     string        `yaml:"environment"`
}

// BridgeConfig holds the AMQP notify-bridge configuration
type BridgeConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Exchange      string        `yaml:"exchange"`
	RoutingKey    string        `yaml:"routing_key"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MinReconnect  time.Duration `yaml:"min_reconnect"`
	MaxReconnect  time.Duration `yaml:"max_reconnect"`
}

// MailConfig holds sysadmin failure-notice settings
type MailConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the fields the admin API needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateDatabase()
}

// ValidateRunnerConfig checks the fields the job runner needs
func (c *Config) ValidateRunnerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner concurrency must be greater than 0")
	}

	if c.Runner.JobTimeout <= 0 {
		return fmt.Errorf("runner job_timeout must be greater than 0")
	}

	if c.Runner.MinReconnect <= 0 || c.Runner.MaxReconnect < c.Runner.MinReconnect {
		return fmt.Errorf("runner reconnect interval is invalid")
	}

	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			return fmt.Errorf("mail host is required when mail is enabled")
		}
		if c.Mail.To == "" {
			return fmt.Errorf("mail recipient is required when mail is enabled")
		}
	}

	return nil
}

// ValidateBridgeConfig checks the fields the notify bridge needs
func (c *Config) ValidateBridgeConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Bridge.Host == "" {
		return fmt.Errorf("bridge host is required")
	}

	if c.Bridge.Port < MinPort || c.Bridge.Port > MaxPort {
		return fmt.Errorf("invalid bridge port: %d (must be between %d and %d)", c.Bridge.Port, MinPort, MaxPort)
	}

	if c.Bridge.Exchange == "" {
		return fmt.Errorf("bridge exchange is required")
	}

	return nil
}
