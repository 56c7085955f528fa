package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/memory"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "a-long-enough-jwt-secret"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PUTRALIB_JWT_SECRET", secret)
	t.Setenv("PUTRALIB_TIMEZONE", "UTC")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, "@daily", cfg.OverdueSchedule)
	assert.Equal(t, 10.0, cfg.RateLimit)
	assert.Equal(t, 20, cfg.RateBurst)
	assert.Equal(t, schema.DialectSQLite, cfg.Dialect())
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PUTRALIB_JWT_SECRET=" + secret + "\nPUTRALIB_TIMEZONE=UTC\nPUTRALIB_HTTP_ADDR=:9090\nPUTRALIB_LOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	// godotenv sets variables with os.Setenv; register them for cleanup
	for _, k := range []string{"PUTRALIB_JWT_SECRET", "PUTRALIB_TIMEZONE", "PUTRALIB_HTTP_ADDR", "PUTRALIB_LOG_LEVEL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	// an explicitly set variable wins over the file
	t.Setenv("PUTRALIB_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, secret, cfg.JWTSecret)
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	t.Setenv("PUTRALIB_JWT_SECRET", secret)
	t.Setenv("PUTRALIB_TIMEZONE", "UTC")
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Backend: "memory", JWTSecret: secret, LogLevel: "info", LogFormat: "json",
			Timezone: "UTC", OverdueSchedule: "@daily", RateLimit: 1, RateBurst: 1,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"backend case", func(c *Config) { c.Backend = " Memory " }, true},
		{"unknown backend", func(c *Config) { c.Backend = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.Backend = "postgres" }, false},
		{"rqlite without url", func(c *Config) { c.Backend = "rqlite" }, false},
		{"supabase without key", func(c *Config) { c.Backend = "supabase"; c.SupabaseURL = "https://x.supabase.co" }, false},
		{"supabase needs no jwt secret", func(c *Config) {
			c.Backend = "supabase"
			c.SupabaseURL = "https://x.supabase.co"
			c.SupabaseKey = "anon"
			c.JWTSecret = ""
		}, true},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"bad schedule", func(c *Config) { c.OverdueSchedule = "sometimes" }, false},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenMemoryStoreAndLocalAuth(t *testing.T) {
	cfg := &Config{Backend: BackendMemory, JWTSecret: secret, TokenTTL: time.Hour}
	db, err := cfg.OpenStore(context.Background(), orm.NewNoopLogger())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, db)

	auth, err := cfg.Authenticator(db, orm.NewNoopLogger())
	require.NoError(t, err)
	assert.IsType(t, &session.LocalAuthenticator{}, auth)
}

func TestPostgresConfig(t *testing.T) {
	cfg := &Config{
		PostgresDSN:             "postgres://lib:pw@db.internal:5433/putralib?sslmode=require",
		PostgresMaxOpenConns:    40,
		PostgresMaxIdleConns:    8,
		PostgresConnMaxLifetime: 15 * time.Minute,
		Timezone:                "Asia/Kuala_Lumpur",
	}
	pc, err := cfg.postgresConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", pc.Host)
	assert.Equal(t, 5433, pc.Port)
	assert.Equal(t, 40, pc.MaxOpenConns)
	assert.Equal(t, 8, pc.MaxIdleConns)
	assert.Equal(t, 15*time.Minute, pc.ConnMaxLifetime)
	assert.Equal(t, "Asia/Kuala_Lumpur", pc.Timezone)

	cfg.PostgresDSN = "postgres://lib:pw@db.internal/putralib?timezone=UTC"
	pc, err = cfg.postgresConfig()
	require.NoError(t, err)
	assert.Equal(t, "UTC", pc.Timezone, "a time zone in the DSN wins")

	cfg.PostgresDSN = "postgres://db.internal/putralib"
	_, err = cfg.postgresConfig()
	assert.Error(t, err, "user is required")
}
