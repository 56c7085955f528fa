// Package config loads PutraLib settings from the environment and opens the
// configured store and authenticator.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/gorqlite"
	"github.com/medatechnology/putralib/memory"
	"github.com/medatechnology/putralib/notifier"
	"github.com/medatechnology/putralib/postgres"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/medatechnology/putralib/supabase"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRqlite   = "rqlite"
	BackendSupabase = "supabase"
)

type Config struct {
	Backend string `env:"PUTRALIB_BACKEND,default=memory"`

	HTTPAddr        string        `env:"PUTRALIB_HTTP_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"PUTRALIB_SHUTDOWN_TIMEOUT,default=10s"`
	RateLimit       float64       `env:"PUTRALIB_RATE_LIMIT,default=10"`
	RateBurst       int           `env:"PUTRALIB_RATE_BURST,default=20"`

	LogLevel  string `env:"PUTRALIB_LOG_LEVEL,default=info"`
	LogFormat string `env:"PUTRALIB_LOG_FORMAT,default=json"`
	Timezone  string `env:"PUTRALIB_TIMEZONE,default=Asia/Kuala_Lumpur"`

	PostgresDSN             string        `env:"PUTRALIB_POSTGRES_DSN"`
	PostgresMaxOpenConns    int           `env:"PUTRALIB_POSTGRES_MAX_OPEN_CONNS,default=25"`
	PostgresMaxIdleConns    int           `env:"PUTRALIB_POSTGRES_MAX_IDLE_CONNS,default=5"`
	PostgresConnMaxLifetime time.Duration `env:"PUTRALIB_POSTGRES_CONN_MAX_LIFETIME,default=5m"`
	RqliteURL               string        `env:"PUTRALIB_RQLITE_URL"`
	RqliteConsistency       string        `env:"PUTRALIB_RQLITE_CONSISTENCY,default=strong"`
	SupabaseURL             string        `env:"PUTRALIB_SUPABASE_URL"`
	SupabaseKey             string        `env:"PUTRALIB_SUPABASE_KEY"`

	JWTSecret string        `env:"PUTRALIB_JWT_SECRET"`
	TokenTTL  time.Duration `env:"PUTRALIB_TOKEN_TTL,default=24h"`

	OverdueSchedule string `env:"PUTRALIB_OVERDUE_SCHEDULE,default=@daily"`
	SeedFile        string `env:"PUTRALIB_SEED_FILE"`
}

// Load reads envFile when it exists, without overriding variables already
// set, then decodes the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("PUTRALIB_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRqlite:
		if c.RqliteURL == "" {
			return fmt.Errorf("PUTRALIB_RQLITE_URL is required for the rqlite backend")
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("PUTRALIB_SUPABASE_URL and PUTRALIB_SUPABASE_KEY are required for the supabase backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend != BackendSupabase && len(c.JWTSecret) < 16 {
		return fmt.Errorf("PUTRALIB_JWT_SECRET must be at least 16 characters")
	}
	if _, err := orm.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("PUTRALIB_LOG_FORMAT must be json or console")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("PUTRALIB_TIMEZONE: %w", err)
	}
	if err := notifier.ValidateSchedule(c.OverdueSchedule); err != nil {
		return fmt.Errorf("PUTRALIB_OVERDUE_SCHEDULE: %w", err)
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit and burst must be positive")
	}
	return nil
}

// Location is the library's local time zone; Validate has checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Logger(w io.Writer) orm.Logger {
	level, err := orm.ParseLogLevel(c.LogLevel)
	if err != nil {
		level = orm.LogLevelInfo
	}
	return orm.NewLogger(w, level, c.LogFormat == "console")
}

// Dialect is the DDL flavour the backend needs.
func (c *Config) Dialect() schema.Dialect {
	if c.Backend == BackendRqlite || c.Backend == BackendMemory {
		return schema.DialectSQLite
	}
	return schema.DialectPostgres
}

// OpenStore connects the configured backend.
func (c *Config) OpenStore(ctx context.Context, logger orm.Logger) (orm.Database, error) {
	switch c.Backend {
	case BackendPostgres:
		pc, err := c.postgresConfig()
		if err != nil {
			return nil, err
		}
		db, err := postgres.NewDatabase(ctx, *pc, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendRqlite:
		db, err := gorqlite.NewDatabase(gorqlite.RqliteConfig{URL: c.RqliteURL, Consistency: c.RqliteConsistency, Logger: logger})
		if err != nil {
			return nil, err
		}
		return db, nil
	case BackendSupabase:
		db, err := supabase.NewDatabase(c.supabaseConfig(logger))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return memory.New(memory.WithUniqueKeys(schema.UniqueKeys())), nil
}

// Authenticator is GoTrue for the supabase backend and the local JWT
// authenticator everywhere else.
func (c *Config) Authenticator(db orm.Database, logger orm.Logger) (session.Authenticator, error) {
	if c.Backend == BackendSupabase {
		client, err := supabase.New(c.supabaseConfig(logger))
		if err != nil {
			return nil, err
		}
		return supabase.NewAuth(client, db), nil
	}
	auth, err := session.NewLocalAuthenticator(db, c.JWTSecret,
		session.WithTokenTTL(c.TokenTTL),
		session.WithAuthLogger(logger))
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// postgresConfig parses the DSN and applies the pool settings. A time zone
// in the DSN wins over PUTRALIB_TIMEZONE.
func (c *Config) postgresConfig() (*postgres.Config, error) {
	pc, err := postgres.ParseDSN(c.PostgresDSN)
	if err != nil {
		return nil, err
	}
	pc.WithConnectionPool(c.PostgresMaxOpenConns, c.PostgresMaxIdleConns, c.PostgresConnMaxLifetime)
	if pc.Timezone == "" {
		pc.WithTimezone(c.Timezone)
	}
	return pc, nil
}

func (c *Config) supabaseConfig(logger orm.Logger) supabase.Config {
	return supabase.Config{URL: c.SupabaseURL, APIKey: c.SupabaseKey, Logger: logger}
}
