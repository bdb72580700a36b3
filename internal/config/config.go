// ABOUTME: Configuration loading and parsing for consult-relay and consult-chat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultWebSocketPath    = "/ws"
	DefaultRetryInterval    = 5 * time.Second
	DefaultMaxAttempts      = 10
	DefaultPublishTimeout   = 15 * time.Second
	DefaultMatchTolerance   = 10 * time.Second
	DefaultHistoryPageSize  = 50
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeSize       = 10000
	DefaultRedisChannel     = "consult"
	DefaultMetricsPath      = "/metrics"
	DefaultTokenLifetime    = 24 * time.Hour
	DefaultShutdownDeadline = 10 * time.Second
)

// Config represents the complete relay and client configuration
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Client   ClientConfig   `yaml:"client"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RelayConfig holds the relay listener configuration
type RelayConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	WebSocketPath  string   `yaml:"ws_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	DedupeTTL        time.Duration `yaml:"-"`
	DedupeSize       int           `yaml:"dedupe_size"`
	ShutdownDeadline time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DedupeTTLRaw        string `yaml:"dedupe_ttl"`
	ShutdownDeadlineRaw string `yaml:"shutdown_deadline"`
}

// ClientConfig holds the session manager's tuning
type ClientConfig struct {
	RelayURL string `yaml:"relay_url"`
	APIURL   string `yaml:"api_url"`

	// StrictSystem disables the legacy phrase fallback for system messages.
	StrictSystem    bool `yaml:"strict_system"`
	MaxAttempts     int  `yaml:"max_attempts"`
	HistoryPageSize int  `yaml:"history_page_size"`

	RetryInterval  time.Duration `yaml:"-"`
	PublishTimeout time.Duration `yaml:"-"`
	MatchTolerance time.Duration `yaml:"-"`

	RetryIntervalRaw  string `yaml:"retry_interval"`
	PublishTimeoutRaw string `yaml:"publish_timeout"`
	MatchToleranceRaw string `yaml:"match_tolerance"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenLifetime time.Duration `yaml:"-"`

	TokenLifetimeRaw string `yaml:"token_lifetime"`
}

// RedisConfig enables Redis pub/sub fan-out between relay replicas
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Relay.HTTPAddr == "" {
		c.Relay.HTTPAddr = DefaultHTTPAddr
	}
	if c.Relay.WebSocketPath == "" {
		c.Relay.WebSocketPath = DefaultWebSocketPath
	}
	if c.Relay.DedupeTTL == 0 {
		c.Relay.DedupeTTL = DefaultDedupeTTL
	}
	if c.Relay.DedupeSize == 0 {
		c.Relay.DedupeSize = DefaultDedupeSize
	}
	if c.Relay.ShutdownDeadline == 0 {
		c.Relay.ShutdownDeadline = DefaultShutdownDeadline
	}
	if c.Client.MaxAttempts == 0 {
		c.Client.MaxAttempts = DefaultMaxAttempts
	}
	if c.Client.HistoryPageSize == 0 {
		c.Client.HistoryPageSize = DefaultHistoryPageSize
	}
	if c.Client.RetryInterval == 0 {
		c.Client.RetryInterval = DefaultRetryInterval
	}
	if c.Client.PublishTimeout == 0 {
		c.Client.PublishTimeout = DefaultPublishTimeout
	}
	if c.Client.MatchTolerance == 0 {
		c.Client.MatchTolerance = DefaultMatchTolerance
	}
	if c.Auth.TokenLifetime == 0 {
		c.Auth.TokenLifetime = DefaultTokenLifetime
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if !strings.HasPrefix(c.Relay.WebSocketPath, "/") {
		return fmt.Errorf("relay.ws_path must start with /")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	if c.Client.MaxAttempts < 0 {
		return fmt.Errorf("client.max_attempts must not be negative")
	}
	if c.Client.HistoryPageSize < 0 || c.Client.HistoryPageSize > 500 {
		return fmt.Errorf("client.history_page_size must be between 1 and 500")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL},
		{"relay.shutdown_deadline", cfg.Relay.ShutdownDeadlineRaw, &cfg.Relay.ShutdownDeadline},
		{"client.retry_interval", cfg.Client.RetryIntervalRaw, &cfg.Client.RetryInterval},
		{"client.publish_timeout", cfg.Client.PublishTimeoutRaw, &cfg.Client.PublishTimeout},
		{"client.match_tolerance", cfg.Client.MatchToleranceRaw, &cfg.Client.MatchTolerance},
		{"auth.token_lifetime", cfg.Auth.TokenLifetimeRaw, &cfg.Auth.TokenLifetime},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
