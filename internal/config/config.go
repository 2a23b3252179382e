// Package config loads server configuration the way the rest of this
// repo's lineage does: environment variables with struct-tag defaults,
// an optional .env file for local development, and a validation pass.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	Addr string `env:"WS_ADDR" envDefault:"0.0.0.0:5000"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:""`

	MaxConnections     int           `env:"WS_MAX_CONNECTIONS" envDefault:"2000"`
	MaxBroadcastRate   int           `env:"WS_MAX_BROADCAST_RATE" envDefault:"50"`
	LoginLockoutFails  int           `env:"LOGIN_LOCKOUT_FAILS" envDefault:"10"`
	LoginLockoutWindow time.Duration `env:"LOGIN_LOCKOUT_WINDOW" envDefault:"60s"`
	ScheduleWarnBefore time.Duration `env:"SCHEDULE_WARN_BEFORE" envDefault:"60s"`
	XDHReplayDelay     time.Duration `env:"XDH_REPLAY_DELAY" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and then the real
// environment. Priority: real env vars > .env file > envDefault tags.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.LoginLockoutFails < 1 {
		return fmt.Errorf("LOGIN_LOCKOUT_FAILS must be > 0, got %d", c.LoginLockoutFails)
	}
	return nil
}

// NewLogger builds a zerolog logger from the requested level/format. Used
// once before config is loaded (so early failures are still observable)
// and again after, with the real configured level/format.
func NewLogger(level, format string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
