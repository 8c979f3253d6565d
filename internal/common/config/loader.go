// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV overrides like STORE_TEMPLATES_TABLE
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, e.g. config.production.yaml
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig() // ignore error if not found

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or the project root so
// binaries and tests behave the same regardless of where they run from.
func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up directories looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "template-management"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "eu-west-2"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "dynamodb"
	}
	if cfg.Store.TemplatesTable == "" {
		cfg.Store.TemplatesTable = "templates"
	}
	if cfg.Store.RoutingConfigsTable == "" {
		cfg.Store.RoutingConfigsTable = "routing-configs"
	}
	if cfg.Store.DeletedRecordTTLDays == 0 {
		cfg.Store.DeletedRecordTTLDays = 30
	}
	if cfg.Events.MaxRetries == 0 {
		cfg.Events.MaxRetries = 3
	}
	if cfg.Events.WaitSeconds == 0 {
		cfg.Events.WaitSeconds = 20
	}
	if cfg.Events.Concurrency == 0 {
		cfg.Events.Concurrency = 4
	}
	if cfg.Cache.PlanTemplatesTTL == 0 {
		cfg.Cache.PlanTemplatesTTL = 5 * time.Minute
	}
	if cfg.Cache.ClientConfigTTL == 0 {
		cfg.Cache.ClientConfigTTL = 15 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Driver {
	case "dynamodb", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Store.Driver == "postgres" && cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("postgres store driver requires database.postgres.host")
	}

	return nil
}
