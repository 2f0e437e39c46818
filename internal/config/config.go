// Package config reads the jobworker configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

type Config struct {
	// memory, postgres or firestore
	Store string `env:"STORE" envDefault:"memory"`

	DatabaseURL string `env:"DATABASE_URL"`
	Table       string `env:"TABLE"        envDefault:"jobs"`

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
	Collection         string `env:"COLLECTION"           envDefault:"jobs"`

	JobKind         string        `env:"JOB_KIND"         envDefault:"checksum"`
	Codec           string        `env:"CODEC"            envDefault:"json"`
	PollingInterval time.Duration `env:"POLLING_INTERVAL" envDefault:"250ms"`
	LeaseDuration   time.Duration `env:"LEASE_DURATION"   envDefault:"5m"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS"     envDefault:"3"`
	// Zero keeps store faults fatal.
	StoreRetryAttempts int `env:"STORE_RETRY_ATTEMPTS" envDefault:"0"`

	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load parses and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store %q", c.Store)
		}
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for store %q", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	return nil
}
