package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config holds the exchange server configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"4000"`

	// Storage. An empty DATABASE_URL runs on the in-memory store.
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET" envDefault:"dev-secret-at-least-32-characters!!"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"72h"`

	// Book cache. Empty REDIS_URL disables it.
	RedisURL      string        `env:"REDIS_URL"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	BookCacheTTL  time.Duration `env:"BOOK_CACHE_TTL" envDefault:"30s"`
	BookDepth     int           `env:"BOOK_DEPTH" envDefault:"20"`

	// Wallet credit granted on sign-up, in USDC.
	SignupCredit string `env:"SIGNUP_CREDIT" envDefault:"1000"`

	// Market catalog applied at boot.
	MarketsFile string `env:"MARKETS_FILE"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"json"`
	LogOutput     string `env:"LOG_OUTPUT" envDefault:"stdout"`
	LogFile       string `env:"LOG_FILE" envDefault:"logs/exchange.log"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"14"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := LoadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.BookDepth <= 0 {
		return fmt.Errorf("book depth must be positive, got %d", c.BookDepth)
	}
	if c.RedisURL != "" && c.BookCacheTTL < time.Second {
		return fmt.Errorf("book cache TTL must be at least 1 second")
	}
	if _, err := c.Credit(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	switch c.LogOutput {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("invalid log output: %s", c.LogOutput)
	}
	return nil
}

// Credit parses SignupCredit.
func (c *Config) Credit() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.SignupCredit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid signup credit %q: %w", c.SignupCredit, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("signup credit must not be negative")
	}
	return d, nil
}

// LoadEnvFile sets KEY=VALUE pairs from path, dotenv-style. Variables that
// are already set win.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return nil
}
