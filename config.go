package authx

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"
)

const (
	defaultTTL            = time.Hour
	defaultAlgorithm      = "HS256"
	defaultListenAddr     = ":8080"
	defaultIssueRate      = "5-S"
	defaultRevokedPrefix  = "authx:revoked:"
	defaultPruneInterval  = time.Minute
	defaultMaxTTL         = 24 * time.Hour
	defaultRequestTimeout = 10 * time.Second
)

// Config is the file-level configuration consumed by cmd/authx.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Redis   RedisConfig   `yaml:"redis"`
	Server  ServerConfig  `yaml:"server"`
}

// ServiceConfig describes how tokens are signed and checked.
type ServiceConfig struct {
	Issuer         string        `yaml:"issuer"`
	Algorithm      string        `yaml:"algorithm"`
	SigningSecret  string        `yaml:"signing_secret"`
	SigningKeyFile string        `yaml:"signing_key_file"`
	KeyID          string        `yaml:"key_id"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	Leeway         time.Duration `yaml:"leeway"`

	// Key overrides SigningSecret and SigningKeyFile when set.
	Key *SigningKey `yaml:"-"`
}

// RedisConfig enables the shared revocation list.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ServerConfig configures the demo HTTP API.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	IssueRate      string        `yaml:"issue_rate"`
	DevIssue       bool          `yaml:"dev_issue"`
	DevBypass      bool          `yaml:"dev_bypass"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// normalize sets default values for optional fields.
func (c *ServiceConfig) normalize() {
	if c.Algorithm == "" {
		c.Algorithm = defaultAlgorithm
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = defaultMaxTTL
	}
	if c.MaxTTL < c.DefaultTTL {
		c.MaxTTL = c.DefaultTTL
	}
	if c.Leeway < 0 {
		c.Leeway = 0
	}
}

// validate ensures the service configuration is usable.
func (c ServiceConfig) validate() error {
	switch {
	case c.Key != nil:
		return nil
	case c.SigningSecret == "" && c.SigningKeyFile == "":
		return errors.New("signing_secret or signing_key_file is required")
	case c.SigningSecret != "" && c.SigningKeyFile != "":
		return errors.New("signing_secret and signing_key_file are mutually exclusive")
	}
	return nil
}

// signingKey resolves the configured key material.
func (c ServiceConfig) signingKey() (*SigningKey, error) {
	if c.Key != nil {
		return c.Key, nil
	}
	if c.SigningKeyFile != "" {
		data, err := os.ReadFile(c.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key file: %w", err)
		}
		return ParseSigningKey(data, c.KeyID)
	}
	var alg jwa.SignatureAlgorithm
	if err := alg.Accept(c.Algorithm); err != nil {
		return nil, fmt.Errorf("algorithm %q: %w", c.Algorithm, err)
	}
	key, err := NewHMACKey([]byte(c.SigningSecret), alg)
	if err != nil {
		return nil, err
	}
	if c.KeyID != "" {
		if err := key.sign.Set(jwk.KeyIDKey, c.KeyID); err != nil {
			return nil, fmt.Errorf("set kid: %w", err)
		}
	}
	return key, nil
}

func (c *ServerConfig) normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.IssueRate == "" {
		c.IssueRate = defaultIssueRate
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

func (c *RedisConfig) normalize() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultRevokedPrefix
	}
}

// LoadConfig reads YAML configuration from path (optional) and applies
// AUTHX_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Service.normalize()
	cfg.Server.normalize()
	cfg.Redis.normalize()
	if err := cfg.Service.validate(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service.Issuer = getEnv("AUTHX_ISSUER", c.Service.Issuer)
	c.Service.Algorithm = getEnv("AUTHX_ALGORITHM", c.Service.Algorithm)
	c.Service.SigningSecret = getEnv("AUTHX_SIGNING_SECRET", c.Service.SigningSecret)
	c.Service.SigningKeyFile = getEnv("AUTHX_SIGNING_KEY_FILE", c.Service.SigningKeyFile)
	c.Service.KeyID = getEnv("AUTHX_KEY_ID", c.Service.KeyID)
	c.Redis.URL = getEnv("AUTHX_REDIS_URL", c.Redis.URL)
	c.Server.ListenAddr = getEnv("AUTHX_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.DevIssue = getEnvBool("AUTHX_DEV_ISSUE", c.Server.DevIssue)
	c.Server.DevBypass = getEnvBool("AUTHX_DEV_BYPASS", c.Server.DevBypass)
	if origins := os.Getenv("AUTHX_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	ttl, err := getEnvDuration("AUTHX_DEFAULT_TTL", c.Service.DefaultTTL)
	if err != nil {
		return err
	}
	c.Service.DefaultTTL = ttl
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return value == "yes"
		}
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
