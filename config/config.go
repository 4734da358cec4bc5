/*
Package config loads server configuration.

ORDER OF PRECEDENCE (last wins):
  1. Built-in defaults
  2. .env file in the working directory (optional)
  3. Process environment
  4. Command-line flags (-port, -db, -driver)

ENVIRONMENT:
  PORT                  HTTP port (8080)
  DATABASE_DRIVER       sqlite3 | postgres (sqlite3)
  DATABASE_URL          SQLite path or Postgres DSN (waitlist.db)
                        Use ":memory:" for an in-memory SQLite database
  RECONCILE_INTERVAL    rank reconciliation period, Go duration (10m)
  JOIN_RATE_PER_MINUTE  join requests per client per minute, 0 disables (30)
  ALLOWED_ORIGINS       comma-separated CORS origins (*)
  SIGNUP_POINTS         evaluate SIGNUP rules on join (false)
*/
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              int
	Driver            string
	DatabaseURL       string
	ReconcileInterval time.Duration
	JoinRatePerMinute int
	AllowedOrigins    []string
	SignupPoints      bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              8080,
		Driver:            "sqlite3",
		DatabaseURL:       "waitlist.db",
		ReconcileInterval: 10 * time.Minute,
		JoinRatePerMinute: 30,
		AllowedOrigins:    []string{"*"},
	}
}

// Load reads .env, the environment and then args (usually os.Args[1:]).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] No .env file found, reading environment variables directly")
	}
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv applies environment variables over the defaults.
func FromEnv() (*Config, error) {
	cfg := Default()
	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.Driver = envString("DATABASE_DRIVER", cfg.Driver)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if cfg.ReconcileInterval, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("RECONCILE_INTERVAL: %w", err)
		}
	}
	if cfg.JoinRatePerMinute, err = envInt("JOIN_RATE_PER_MINUTE", cfg.JoinRatePerMinute); err != nil {
		return nil, err
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SIGNUP_POINTS"); v != "" {
		if cfg.SignupPoints, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("SIGNUP_POINTS: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.DatabaseURL, "db", c.DatabaseURL, "SQLite database path or Postgres DSN")
	fs.StringVar(&c.Driver, "driver", c.Driver, "database driver: sqlite3 or postgres")
	return fs.Parse(args)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
