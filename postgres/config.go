package postgres

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default configuration values
const (
	DefaultHost            = "localhost"
	DefaultPort            = 5432
	DefaultSSLMode         = "disable"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultQueryTimeout    = 30 * time.Second
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = 10 * time.Minute
	DefaultApplicationName = "putralib"
)

var validSSLModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
	"prefer":      true,
	"allow":       true,
}

// Config holds the connection settings for the catalog database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration // applied per statement when the caller's context has no deadline

	ApplicationName string
	Timezone        string // optional, e.g. "Asia/Kuala_Lumpur"
}

// NewDefaultConfig creates a Config with default values and no credentials.
func NewDefaultConfig() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		SSLMode:         DefaultSSLMode,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		ConnMaxIdleTime: DefaultConnMaxIdleTime,
		ConnectTimeout:  DefaultConnectTimeout,
		QueryTimeout:    DefaultQueryTimeout,
		ApplicationName: DefaultApplicationName,
	}
}

// Validate fills zero values with defaults and rejects missing credentials
// or an unknown SSL mode.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("%w: user is required", ErrPostgresInvalidConfig)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: database name is required", ErrPostgresInvalidConfig)
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = DefaultSSLMode
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = DefaultConnMaxIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ApplicationName == "" {
		c.ApplicationName = DefaultApplicationName
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("%w: invalid SSL mode '%s'", ErrPostgresInvalidConfig, c.SSLMode)
	}
	return nil
}

// ToSimpleDSN renders the key=value connection string understood by lib/pq.
func (c *Config) ToSimpleDSN() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("user=%s", c.User),
		fmt.Sprintf("password=%s", c.Password),
		fmt.Sprintf("dbname=%s", c.DBName),
		fmt.Sprintf("sslmode=%s", c.SSLMode),
		fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())),
		fmt.Sprintf("application_name=%s", c.ApplicationName),
	}
	if c.Timezone != "" {
		parts = append(parts, fmt.Sprintf("timezone=%s", c.Timezone))
	}
	return strings.Join(parts, " "), nil
}

// String returns a safe string representation of the config (without password)
func (c *Config) String() string {
	return fmt.Sprintf("PostgreSQL{host=%s, port=%d, user=%s, dbname=%s, sslmode=%s}",
		c.Host, c.Port, c.User, c.DBName, c.SSLMode)
}

// WithConnectionPool sets the connection pool parameters and returns the config for method chaining
func (c *Config) WithConnectionPool(maxOpen, maxIdle int, maxLifetime time.Duration) *Config {
	c.MaxOpenConns = maxOpen
	c.MaxIdleConns = maxIdle
	c.ConnMaxLifetime = maxLifetime
	return c
}

// WithTimezone sets the session timezone and returns the config for method chaining
func (c *Config) WithTimezone(tz string) *Config {
	c.Timezone = tz
	return c
}

// ParseDSN parses a postgres:// URL (the form DATABASE_URL is usually given in)
// or a key=value connection string.
func ParseDSN(dsn string) (*Config, error) {
	config := NewDefaultConfig()

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPostgresInvalidDSN, err)
		}
		if u.User != nil {
			config.User = u.User.Username()
			if password, ok := u.User.Password(); ok {
				config.Password = password
			}
		}
		if host := u.Hostname(); host != "" {
			config.Host = host
		}
		if port, err := strconv.Atoi(u.Port()); err == nil && port > 0 {
			config.Port = port
		}
		config.DBName = strings.TrimPrefix(u.Path, "/")

		params := u.Query()
		for key := range params {
			if err := config.setParam(key, params.Get(key)); err != nil {
				return nil, err
			}
		}
	} else {
		for _, pair := range strings.Fields(dsn) {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("%w: malformed pair %q", ErrPostgresInvalidDSN, pair)
			}
			if err := config.setParam(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
				return nil, err
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) setParam(key, value string) error {
	switch key {
	case "host":
		c.Host = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: port %q", ErrPostgresInvalidDSN, value)
		}
		c.Port = port
	case "user":
		c.User = value
	case "password":
		c.Password = value
	case "dbname":
		c.DBName = value
	case "sslmode":
		c.SSLMode = value
	case "application_name":
		c.ApplicationName = value
	case "timezone":
		c.Timezone = value
	case "connect_timeout":
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: connect_timeout %q", ErrPostgresInvalidDSN, value)
		}
		c.ConnectTimeout = time.Duration(seconds) * time.Second
	}
	return nil
}
