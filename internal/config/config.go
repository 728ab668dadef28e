// Package config loads server and CLI settings from SURVEY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

type Config struct {
	Addr           string        `env:"ADDR" envDefault:":8080"`
	Store          string        `env:"STORE" envDefault:"sqlite"`
	DBPath         string        `env:"DB_PATH" envDefault:"data/survey.db"`
	BusyTimeout    time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
	MigrationsDir  string        `env:"MIGRATIONS_DIR"`
	DefinitionsDir string        `env:"DEFINITIONS_DIR"`

	JWTSecret         string        `env:"JWT_SECRET"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	AdminUser         string        `env:"ADMIN_USER" envDefault:"admin"`
	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	LoginRate         float64       `env:"LOGIN_RATE" envDefault:"20"`
	LoginBurst        int           `env:"LOGIN_BURST" envDefault:"5"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON"`

	RegrowPolicy  string        `env:"REGROW_POLICY" envDefault:"restore"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyTries   uint          `env:"NOTIFY_TRIES" envDefault:"3"`
	RetryMaxTries uint          `env:"RETRY_MAX_TRIES" envDefault:"5"`
	ReportDir     string        `env:"REPORT_DIR"`

	TraceStdout bool   `env:"TRACE_STDOUT"`
	Commit      string `env:"COMMIT"`
	BuildTime   string `env:"BUILD_TIME"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SURVEY_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("SURVEY_DB_PATH is required for the sqlite store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("SURVEY_STORE %q: want sqlite or memory", c.Store))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("SURVEY_LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.RegrowPolicy {
	case "", "restore", "fresh":
	default:
		errs = append(errs, fmt.Errorf("SURVEY_REGROW_POLICY %q: want restore or fresh", c.RegrowPolicy))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SURVEY_SESSION_TTL must be positive"))
	}
	if c.LoginRate <= 0 {
		errs = append(errs, errors.New("SURVEY_LOGIN_RATE must be positive"))
	}
	if c.RetryMaxTries == 0 || c.NotifyTries == 0 {
		errs = append(errs, errors.New("retry and notify tries must be at least 1"))
	}
	return errors.Join(errs...)
}

// RequireSecret fails when no session signing secret is configured.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("SURVEY_JWT_SECRET is required")
	}
	return nil
}
