package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration, read from the environment
type Config struct {
	Port  string `env:"PORT" envDefault:"8080"`
	Env   string `env:"ENV" envDefault:"development"`
	Debug bool   `env:"DEBUG" envDefault:"false"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"klear.db"`

	JWTSecret      string `env:"JWT_SECRET" envDefault:"klear-secret-key"`
	InternalSecret string `env:"INTERNAL_SECRET"`

	RailSweepInterval time.Duration `env:"RAIL_SWEEP_INTERVAL" envDefault:"30s"`
	OverrideMaxTTL    time.Duration `env:"OVERRIDE_MAX_TTL" envDefault:"24h"`
	SeedReferenceData bool          `env:"SEED_REFERENCE_DATA" envDefault:"true"`
	RailSeed          int64         `env:"RAIL_SEED"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the server configuration
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.DBDriver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.IsProduction() && c.JWTSecret == "klear-secret-key" {
		return fmt.Errorf("JWT_SECRET must be changed in production")
	}
	if c.RailSweepInterval <= 0 {
		return fmt.Errorf("RAIL_SWEEP_INTERVAL must be positive")
	}
	if c.OverrideMaxTTL <= 0 {
		return fmt.Errorf("OVERRIDE_MAX_TTL must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// InternalSigningSecret is the secret for internal routes, falling back to
// the JWT secret
func (c Config) InternalSigningSecret() string {
	if c.InternalSecret != "" {
		return c.InternalSecret
	}
	return c.JWTSecret
}
