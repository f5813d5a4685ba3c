// Package config loads and validates the commune proxy's runtime
// configuration: a single YAML file plus environment variable overrides,
// with defaults centralized here and a Validate pass that enforces the
// numeric bounds the rest of the system assumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationRule is one content rule a provider enforces on forwarded requests.
type ValidationRule struct {
	Type  string `yaml:"type"` // body-json | path | query
	Key   string `yaml:"key"`
	Regex string `yaml:"regex"`
}

// Provider describes the single upstream this process fronts, plus any
// siblings configured but not selected (server.provider picks one by name).
type Provider struct {
	Name          string           `yaml:"name"`
	BaseURL       string           `yaml:"base_url"`
	AuthHeader    string           `yaml:"auth_header"`
	TimeoutMS     int              `yaml:"timeout_ms"`
	Validation    []ValidationRule `yaml:"validation"`
	CacheablePaths []CacheableRule `yaml:"cacheable_paths"`
}

// CacheableRule names a GET path pattern eligible for the response cache.
type CacheableRule struct {
	Pattern   string `yaml:"pattern"`
	TTLSeconds int   `yaml:"ttl_seconds"`
}

// Server holds listener configuration.
type Server struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Provider string `yaml:"provider"`
	// TrustedProxyHostHeader names the inbound header, when present, whose
	// value must resolve to the selected provider's host (spec §4.8 step 2).
	TrustedProxyHostHeader string `yaml:"trusted_proxy_host_header"`
}

// Database selects and configures the persistent Credential/Statistics Store.
type Database struct {
	Driver  string `yaml:"driver"` // bolt | postgres | redis
	Path    string `yaml:"path"`
	MaxKeys int    `yaml:"max_keys"`
	DSN     string `yaml:"dsn"`    // postgres connection string
	Addr    string `yaml:"addr"`   // redis address
	Password string `yaml:"password"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// Blocking configures the credential lifecycle state machine.
type Blocking struct {
	PresentedKeyRateLimitSeconds int `yaml:"presented_key_rate_limit_seconds"`
	AuthFailureBlockMinutes      int `yaml:"auth_failure_block_minutes"`
	AuthFailureDeleteThreshold   int `yaml:"auth_failure_delete_threshold"`
	ThrottleBackoffBaseMinutes   int `yaml:"throttle_backoff_base_minutes"`
	ThrottleDeleteThreshold      int `yaml:"throttle_delete_threshold"`
}

// Stats configures the Statistics Store's hot cache and janitor.
type Stats struct {
	RetentionDays         int  `yaml:"retention_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	AutoCleanup           bool `yaml:"auto_cleanup"`
	CacheExpirySeconds    int  `yaml:"cache_expiry_seconds"`
}

// SSL configures optional TLS termination.
type SSL struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Logging configures the global logrus logger.
type Logging struct {
	Debug bool   `yaml:"debug"`
	File  string `yaml:"file"`
}

// Management guards /metrics and the status page with optional basic auth.
type Management struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash; empty disables auth
}

// EdgeRateLimit configures the token-bucket limiter applied to every inbound
// request before it reaches the admission pipeline, keyed by presented
// credential (falling back to client IP), plus a small global guard.
type EdgeRateLimit struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// Config is the full set of recognized options (§6 of the spec).
type Config struct {
	Server        Server        `yaml:"server"`
	Database      Database      `yaml:"database"`
	Blocking      Blocking      `yaml:"blocking"`
	Stats         Stats         `yaml:"stats"`
	Providers     []Provider    `yaml:"providers"`
	SSL           SSL           `yaml:"ssl"`
	Logging       Logging       `yaml:"logging"`
	Management    Management    `yaml:"management"`
	EdgeRateLimit EdgeRateLimit `yaml:"edge_rate_limit"`
	EncryptionKey string        `yaml:"encryption_key"`

	// path is the file this config was loaded from, retained for the
	// fsnotify watcher and for deriving the default encryption key path.
	path string
}

// Defaults returns a Config populated with every documented default.
func Defaults() *Config {
	return &Config{
		Server: Server{Port: 8080, Host: "0.0.0.0", TrustedProxyHostHeader: "X-Forwarded-Host"},
		Database: Database{
			Driver:  "bolt",
			Path:    "./data/commune.db",
			MaxKeys: 500,
			Prefix:  "commune:",
		},
		Blocking: Blocking{
			PresentedKeyRateLimitSeconds: 1,
			AuthFailureBlockMinutes:      1440,
			AuthFailureDeleteThreshold:   3,
			ThrottleBackoffBaseMinutes:   1,
			ThrottleDeleteThreshold:      10,
		},
		Stats: Stats{
			RetentionDays:          30,
			CleanupIntervalMinutes: 60,
			AutoCleanup:            true,
			CacheExpirySeconds:     60,
		},
		EdgeRateLimit: EdgeRateLimit{
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads path (YAML), layers environment overrides, applies defaults
// for anything left unset, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			loaded := Defaults()
			if err := yaml.Unmarshal(data, loaded); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg = loaded
		}
	}
	cfg.path = path

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file this config was loaded from, or "" if none.
func (c *Config) Path() string { return c.path }

// SelectedProvider returns the provider named by server.provider.
func (c *Config) SelectedProvider() (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == c.Server.Provider {
			return p, true
		}
	}
	return Provider{}, false
}

// Validate enforces the numeric bounds the rest of the system assumes and
// expands relative paths against the working directory.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	if c.Server.Provider == "" {
		c.Server.Provider = c.Providers[0].Name
	}
	if _, ok := c.SelectedProvider(); !ok {
		return fmt.Errorf("server.provider %q does not match any configured provider", c.Server.Provider)
	}
	for i := range c.Providers {
		if c.Providers[i].TimeoutMS <= 0 {
			c.Providers[i].TimeoutMS = 60_000
		}
		if c.Providers[i].AuthHeader == "" {
			c.Providers[i].AuthHeader = "Authorization"
		}
	}
	if c.Database.MaxKeys <= 0 {
		c.Database.MaxKeys = 500
	}
	if c.Database.Path != "" && !filepath.IsAbs(c.Database.Path) {
		if abs, err := filepath.Abs(c.Database.Path); err == nil {
			c.Database.Path = abs
		}
	}
	if c.Blocking.PresentedKeyRateLimitSeconds <= 0 {
		c.Blocking.PresentedKeyRateLimitSeconds = 1
	}
	if c.Blocking.AuthFailureDeleteThreshold <= 0 {
		c.Blocking.AuthFailureDeleteThreshold = 3
	}
	if c.Blocking.ThrottleDeleteThreshold <= 0 {
		c.Blocking.ThrottleDeleteThreshold = 10
	}
	if c.Blocking.ThrottleBackoffBaseMinutes <= 0 {
		c.Blocking.ThrottleBackoffBaseMinutes = 1
	}
	if c.Blocking.AuthFailureBlockMinutes <= 0 {
		c.Blocking.AuthFailureBlockMinutes = 1440
	}
	if c.Stats.CacheExpirySeconds < 60 {
		if c.Stats.CacheExpirySeconds != 0 {
			fmt.Fprintf(os.Stderr, "warning: stats.cache_expiry_seconds=%d is below the 60s floor; clamping to 60\n", c.Stats.CacheExpirySeconds)
		}
		c.Stats.CacheExpirySeconds = 60
	}
	if c.Stats.RetentionDays <= 0 {
		c.Stats.RetentionDays = 30
	}
	if c.Stats.CleanupIntervalMinutes <= 0 {
		c.Stats.CleanupIntervalMinutes = 60
	}
	if c.EdgeRateLimit.RequestsPerSecond <= 0 {
		c.EdgeRateLimit.RequestsPerSecond = 10
	}
	if c.EdgeRateLimit.Burst <= 0 {
		c.EdgeRateLimit.Burst = 20
	}
	return nil
}

// CacheRefreshInterval is the Hot Cache's effective refresh period.
func (c *Config) CacheRefreshInterval() time.Duration {
	return time.Duration(c.Stats.CacheExpirySeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COMMUNE_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("COMMUNE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("COMMUNE_SERVER_PROVIDER"); v != "" {
		cfg.Server.Provider = v
	}
	if v := os.Getenv("COMMUNE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("COMMUNE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("COMMUNE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("COMMUNE_DATABASE_ADDR"); v != "" {
		cfg.Database.Addr = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("COMMUNE_DEBUG"); v != "" {
		cfg.Logging.Debug = strings.EqualFold(v, "true") || v == "1"
	}
}
