package db

import (
	"fmt"
	"time"

	"github.com/perimetra/perimetra/internal/errors"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

// Config holds database connection configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a database configuration with sane defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "perimetra",
		Username:        "perimetra",
		SSLMode:         "prefer",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnectTimeout:  defaultConnectTimeout,
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"database host is required", "database.host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"database port must be between 1 and 65535", "database.port")
	}
	if c.Database == "" {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"database name is required", "database.database")
	}
	if c.Username == "" {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"database username is required", "database.username")
	}
	return nil
}

// ConnectionString builds a lib/pq connection string from the configuration.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}
