package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when CONFIG_PATH is not set.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for superset-importer.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, tokens) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"5050"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`
	Version  string `yaml:"-"`

	Superset SupersetConfig `yaml:"superset"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Import   ImportConfig   `yaml:"import"`

	// SessionSecret signs the flash-message cookie. Any passphrase works; it is
	// hashed to a 32-byte key.
	SessionSecret string `yaml:"-" env:"SESSION_SECRET"`
}

// SupersetConfig locates and authenticates against the Superset instance.
type SupersetConfig struct {
	URL      string        `yaml:"url" env:"SUPERSET_URL" env-default:""`
	User     string        `yaml:"user" env:"SUPERSET_USER" env-default:""`
	Password string        `yaml:"-" env:"SUPERSET_PASSWORD"` // Secret - not in YAML
	Provider string        `yaml:"provider" env:"SUPERSET_PROVIDER" env-default:"db"`
	Refresh  bool          `yaml:"refresh" env:"SUPERSET_REFRESH" env-default:"true"`
	Timeout  time.Duration `yaml:"timeout" env:"SUPERSET_TIMEOUT" env-default:"30s"`
}

// ProxyConfig optionally routes Superset traffic through an HTTP proxy.
type ProxyConfig struct {
	URL      string `yaml:"url" env:"PROXY_URL" env-default:""`
	Port     int    `yaml:"port" env:"PROXY_PORT" env-default:"3128"`
	User     string `yaml:"user" env:"PROXY_USER" env-default:""`
	Password string `yaml:"-" env:"PROXY_PASSWORD"` // Secret - not in YAML
}

// CatalogConfig locates the CKAN action API.
type CatalogConfig struct {
	URL      string        `yaml:"url" env:"CATALOG_URL" env-default:""`
	APIToken string        `yaml:"-" env:"CATALOG_API_TOKEN"` // Secret - not in YAML
	Timeout  time.Duration `yaml:"timeout" env:"CATALOG_TIMEOUT" env-default:"60s"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// CookieName is the browser cookie carrying the JWT.
	CookieName string `yaml:"cookie_name" env:"AUTH_COOKIE_NAME" env-default:"catalog_jwt"`

	// Audience, when set, must appear in the token's aud claim.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:""`

	// TrustedProxiesStr is a comma-separated list of proxy addresses or CIDRs
	// whose X-Forwarded-For header is believed. Empty trusts nobody.
	TrustedProxiesStr string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// TrustedProxies is parsed from TrustedProxiesStr.
	TrustedProxies []netip.Prefix `yaml:"-"`
}

// DatabaseConfig configures the optional import ledger. An empty URL disables it.
type DatabaseConfig struct {
	URL            string `yaml:"-" env:"DATABASE_URL"` // Secret - may embed a password
	MaxConnections int32  `yaml:"max_connections" env:"DATABASE_MAX_CONNECTIONS" env-default:"5"`
}

// Enabled reports whether the import ledger should be used.
func (c *DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig configures the optional shared import lock. An empty host
// keeps the lock in-process.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ImportConfig tunes the import orchestrator.
type ImportConfig struct {
	MaxNameAttempts   int           `yaml:"max_name_attempts" env:"IMPORT_MAX_NAME_ATTEMPTS" env-default:"100"`
	RollbackOnFailure bool          `yaml:"rollback_on_failure" env:"IMPORT_ROLLBACK_ON_FAILURE" env-default:"true"`
	TempDir           string        `yaml:"temp_dir" env:"IMPORT_TEMP_DIR" env-default:""`
	LockTTL           time.Duration `yaml:"lock_ttl" env:"IMPORT_LOCK_TTL" env-default:"5m"`
}

// Load reads configuration from config.yaml (or CONFIG_PATH) with environment
// variable overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	proxies, err := parseTrustedProxies(c.Auth.TrustedProxiesStr)
	if err != nil {
		return err
	}
	c.Auth.TrustedProxies = proxies
	c.Superset.URL = ResolveURLForDocker(strings.TrimRight(c.Superset.URL, "/"))
	c.Catalog.URL = ResolveURLForDocker(strings.TrimRight(c.Catalog.URL, "/"))
	c.Proxy.URL = ResolveHostForDocker(c.Proxy.URL)
	return nil
}

func (c *Config) validate() error {
	if c.Superset.URL == "" {
		return fmt.Errorf("superset.url is required")
	}
	if c.Catalog.URL == "" {
		return fmt.Errorf("catalog.url is required")
	}
	if c.Import.MaxNameAttempts < 1 {
		return fmt.Errorf("import.max_name_attempts must be positive, got %d", c.Import.MaxNameAttempts)
	}
	if c.Auth.EnableVerification && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth.jwks_endpoints is required when verification is enabled")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// parseTrustedProxies parses "10.0.0.0/8,192.0.2.7" into prefixes. A bare
// address becomes a single-host prefix.
func parseTrustedProxies(value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("auth.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("auth.trusted_proxies: %w", err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// Describe renders the non-secret configuration as YAML for the startup log.
func (c *Config) Describe() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(out)
}
