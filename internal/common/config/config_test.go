// internal/common/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}

	applyDefaults(cfg)

	assert.Equal(t, "eu-west-2", cfg.AWS.Region)
	assert.Equal(t, "dynamodb", cfg.Store.Driver)
	assert.Equal(t, "templates", cfg.Store.TemplatesTable)
	assert.Equal(t, "routing-configs", cfg.Store.RoutingConfigsTable)
	assert.Equal(t, 30, cfg.Store.DeletedRecordTTLDays)
	assert.Equal(t, 3, cfg.Events.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.PlanTemplatesTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Store.TemplatesTable = "my-templates"
	cfg.Logging.Level = "debug"

	applyDefaults(cfg)

	assert.Equal(t, "my-templates", cfg.Store.TemplatesTable)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateConfig(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	require.NoError(t, validateConfig(cfg))

	cfg.Store.Driver = "mongodb"
	assert.Error(t, validateConfig(cfg))

	cfg.Store.Driver = "postgres"
	assert.Error(t, validateConfig(cfg), "postgres driver requires a host")

	cfg.Database.Postgres.Host = "localhost"
	assert.NoError(t, validateConfig(cfg))
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{
		Host: "db", Port: 5432, User: "svc", Password: "secret",
		Database: "records", SSLMode: "require",
	}

	assert.Equal(t,
		"host=db port=5432 user=svc password=secret dbname=records sslmode=require",
		p.GetDSN())
}
