// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// DatabaseURL enables the PostgreSQL store when set; the engine runs on
	// the in-memory store otherwise.
	DatabaseURL string `env:"DATABASE_URL"`
	// NATSURL enables event publication when set.
	NATSURL   string `env:"NATS_URL"`
	LedgerURL string `env:"LEDGER_URL" envDefault:"http://localhost:9090"`
	JWTSecret string `env:"JWT_SECRET,required"`
	// AdminID may add participants to any agreement and swap the ledger client.
	AdminID  string `env:"ADMIN_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
