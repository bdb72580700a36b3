// ABOUTME: TOML profile for consult-chat: relay endpoints and the local identity
// ABOUTME: Loaded from the XDG config dir with ${VAR} expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile is one identity on one relay.
type Profile struct {
	RelayURL string `toml:"relay_url"`
	APIURL   string `toml:"api_url"`
	Token    string `toml:"token"`
	UserID   int64  `toml:"user_id"`
	Name     string `toml:"name"`

	StrictSystem   bool     `toml:"strict_system"`
	PublishTimeout duration `toml:"publish_timeout"`
	RetryInterval  duration `toml:"retry_interval"`
	MaxAttempts    int      `toml:"max_attempts"`
	// MetricsAddr serves client metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `toml:"metrics_addr"`

	Logging ProfileLogging `toml:"logging"`
}

// ProfileLogging mirrors the relay's logging section.
type ProfileLogging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration decodes TOML strings like "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = parsed
	return nil
}

// getProfilePath returns the profile path.
// Priority: CONSULT_PROFILE env var > XDG_CONFIG_HOME/consult/chat.toml > ~/.config/consult/chat.toml
func getProfilePath() string {
	if envPath := os.Getenv("CONSULT_PROFILE"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "consult", "chat.toml")
}

// LoadProfile reads the profile at path, expanding environment variables.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	var p Profile
	if _, err := toml.Decode(expandEnvVars(string(data)), &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating profile: %w", err)
	}
	return &p, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Validate checks required fields and URL schemes.
func (p *Profile) Validate() error {
	if p.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	u, err := url.Parse(p.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay_url must use ws or wss, got %q", u.Scheme)
	}

	if p.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err = url.Parse(p.APIURL)
	if err != nil {
		return fmt.Errorf("api_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api_url must use http or https, got %q", u.Scheme)
	}

	if p.Token == "" {
		return fmt.Errorf("token is required")
	}
	if p.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	return nil
}
