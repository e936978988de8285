// Package config handles loading and validating perimetra configuration
// from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/errors"
	"github.com/perimetra/perimetra/internal/logging"
)

const (
	defaultAPIPort        = 8080
	defaultAPIHost        = "127.0.0.1"
	defaultScanTimeout    = 30 * time.Minute
	defaultVulnTimeout    = 30 * time.Minute
	defaultReconTimeout   = 60 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config holds the complete service configuration.
type Config struct {
	Database  db.Config       `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Workers   WorkersConfig   `yaml:"workers"`
	Providers ProvidersConfig `yaml:"providers"`
	Recon     ReconConfig     `yaml:"recon"`
	Logging   logging.Config  `yaml:"logging"`
}

// APIConfig holds the REST API server configuration.
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      int           `yaml:"rate_limit"`
	EnableCORS     bool          `yaml:"enable_cors"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// WorkersConfig holds the remote scanning worker endpoints. The shared
// token authenticates perimetra to both workers and is mandatory.
type WorkersConfig struct {
	ScannerURL  string        `yaml:"scanner_url"`
	VulnURL     string        `yaml:"vuln_url"`
	Token       string        `yaml:"token"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	VulnTimeout time.Duration `yaml:"vuln_timeout"`
}

// ProvidersConfig holds host-intelligence provider credentials.
// Keys are optional: a provider without a key is skipped during recon.
type ProvidersConfig struct {
	ShodanAPIKey string `yaml:"shodan_api_key"`
	CensysAPIKey string `yaml:"censys_api_key"`
	CensysSecret string `yaml:"censys_secret"`
}

// ReconConfig controls the passive reconnaissance pipeline.
type ReconConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	DNSServer     string        `yaml:"dns_server"`
}

// Default returns a configuration populated with sane defaults.
// Worker endpoints and the token have no defaults on purpose.
func Default() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		API: APIConfig{
			Host:           defaultAPIHost,
			Port:           defaultAPIPort,
			RequestTimeout: defaultRequestTimeout,
			RateLimit:      60,
			EnableCORS:     false,
		},
		Workers: WorkersConfig{
			ScanTimeout: defaultScanTimeout,
			VulnTimeout: defaultVulnTimeout,
		},
		Recon: ReconConfig{
			LookupTimeout: defaultReconTimeout,
			DNSServer:     "8.8.8.8:53",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from a YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from operator flags
		if err != nil {
			return nil, errors.NewConfigError(errors.CodeConfiguration,
				fmt.Sprintf("failed to read config file %s: %v", path, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewConfigError(errors.CodeConfiguration,
				fmt.Sprintf("failed to parse config file %s: %v", path, err))
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can stay out
// of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("PERIMETRA_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("PERIMETRA_WORKER_TOKEN"); v != "" {
		c.Workers.Token = v
	}
	if v := os.Getenv("PERIMETRA_SHODAN_API_KEY"); v != "" {
		c.Providers.ShodanAPIKey = v
	}
	if v := os.Getenv("PERIMETRA_CENSYS_API_KEY"); v != "" {
		c.Providers.CensysAPIKey = v
	}
	if v := os.Getenv("PERIMETRA_CENSYS_SECRET"); v != "" {
		c.Providers.CensysSecret = v
	}
}

// Validate checks the configuration for missing or inconsistent values.
// The worker token is mandatory whenever a worker URL is set: dispatching
// without authentication is never allowed.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"api port must be between 1 and 65535", "api.port")
	}
	if c.API.RequestTimeout <= 0 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"api request timeout must be positive", "api.request_timeout")
	}
	if c.Workers.ScannerURL != "" || c.Workers.VulnURL != "" {
		if c.Workers.Token == "" {
			return errors.ErrConfigMissing("workers.token")
		}
	}
	for _, u := range []string{c.Workers.ScannerURL, c.Workers.VulnURL} {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"worker URL must start with http:// or https://", "workers")
		}
	}
	if c.Recon.LookupTimeout <= 0 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"recon lookup timeout must be positive", "recon.lookup_timeout")
	}
	return nil
}

// HasShodan reports whether Shodan lookups are configured.
func (c *Config) HasShodan() bool {
	return c.Providers.ShodanAPIKey != ""
}

// HasCensys reports whether Censys lookups are configured.
func (c *Config) HasCensys() bool {
	return c.Providers.CensysAPIKey != "" && c.Providers.CensysSecret != ""
}
