// internal/common/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// AWSConfig holds shared AWS client settings. Endpoint is only set for
// local development against dynamodb-local / localstack.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// StoreConfig selects the record-store backend and names its tables.
type StoreConfig struct {
	Driver               string `mapstructure:"driver"` // "dynamodb" or "postgres"
	TemplatesTable       string `mapstructure:"templates_table"`
	RoutingConfigsTable  string `mapstructure:"routing_configs_table"`
	DeletedRecordTTLDays int    `mapstructure:"deleted_record_ttl_days"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig holds settings for the template lifecycle event pipeline.
type EventsConfig struct {
	TopicARN     string `mapstructure:"topic_arn"`
	QueueURL     string `mapstructure:"queue_url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	WaitSeconds  int    `mapstructure:"wait_seconds"`
	Concurrency  int    `mapstructure:"concurrency"`
}

// CacheConfig holds TTLs for the template metadata caches.
type CacheConfig struct {
	PlanTemplatesTTL time.Duration `mapstructure:"plan_templates_ttl"`
	ClientConfigTTL  time.Duration `mapstructure:"client_config_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
