package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DataDir        string        `mapstructure:"DATA_DIR"`
	InboxDir       string        `mapstructure:"INBOX_DIR"`
	InboxRetention time.Duration `mapstructure:"INBOX_RETENTION"`
	RegistryDriver string        `mapstructure:"REGISTRY_DRIVER"`
	RegistryPath   string        `mapstructure:"REGISTRY_PATH"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`

	BodyLimit       string `mapstructure:"BODY_LIMIT"`
	ImportBodyLimit string `mapstructure:"IMPORT_BODY_LIMIT"`
}

const (
	RegistrySQLite   = "sqlite"
	RegistryPostgres = "postgres"
	RegistryMemory   = "memory"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "./data/amiko")
	v.SetDefault("INBOX_RETENTION", "720h")
	v.SetDefault("REGISTRY_DRIVER", RegistrySQLite)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("IMPORT_BODY_LIMIT", "10M")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATA_DIR")
	v.BindEnv("INBOX_DIR")
	v.BindEnv("INBOX_RETENTION")
	v.BindEnv("REGISTRY_DRIVER")
	v.BindEnv("REGISTRY_PATH")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("IMPORT_BODY_LIMIT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	// The inbox and the registry file sit next to the record tree unless
	// configured otherwise.
	if cfg.InboxDir == "" {
		cfg.InboxDir = filepath.Join(filepath.Dir(filepath.Clean(cfg.DataDir)), "inbox")
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(filepath.Dir(filepath.Clean(cfg.DataDir)), "patients.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: AUTH_SIGNING_KEY is empty, the HTTP API accepts unauthenticated requests.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable. The postgres registry
// needs DATABASE_URL, and production refuses to run without a signing key.
// DATA_DIR and INBOX_DIR must not nest, otherwise imported files would be
// indistinguishable from managed records.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}

	switch c.RegistryDriver {
	case RegistrySQLite:
		if c.RegistryPath == "" {
			return fmt.Errorf("REGISTRY_PATH is required when REGISTRY_DRIVER is %q", RegistrySQLite)
		}
	case RegistryPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when REGISTRY_DRIVER is %q", RegistryPostgres)
		}
	case RegistryMemory:
		if c.IsProduction() {
			return fmt.Errorf("REGISTRY_DRIVER %q is not allowed in production", RegistryMemory)
		}
	default:
		return fmt.Errorf("REGISTRY_DRIVER must be %q, %q, or %q, got %q",
			RegistrySQLite, RegistryPostgres, RegistryMemory, c.RegistryDriver)
	}

	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}

	if c.InboxRetention < 0 {
		return fmt.Errorf("INBOX_RETENTION must not be negative")
	}

	data := filepath.Clean(c.DataDir)
	inbox := filepath.Clean(c.InboxDir)
	if isWithin(data, inbox) || isWithin(inbox, data) {
		return fmt.Errorf("INBOX_DIR (%s) and DATA_DIR (%s) must not contain each other", inbox, data)
	}

	return nil
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
