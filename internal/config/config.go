// Package config loads the relay's TOML configuration file (spec.md §6).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// AccountKind discriminates the [[accounts]] table's "type" field.
type AccountKind string

const (
	KindClaudeOAuth      AccountKind = "claude-oauth"
	KindClaudeAPI        AccountKind = "claude-api"
	KindGemini           AccountKind = "gemini"
	KindOpenAIResponses  AccountKind = "openai-responses"
)

// ProxyConfig is the optional [accounts.proxy] subtable.
type ProxyConfig struct {
	Type     string `toml:"type"` // socks5, http
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// AccountConfig is one repeated [[accounts]] table.
type AccountConfig struct {
	ID           string       `toml:"id"`
	Type         AccountKind  `toml:"type"`
	Priority     int          `toml:"priority"`
	Enabled      *bool        `toml:"enabled"`
	RefreshToken string       `toml:"refresh_token"`
	APIKey       string       `toml:"api_key"`
	ClientID     string       `toml:"client_id"`
	BaseURL      string       `toml:"base_url"`
	Proxy        *ProxyConfig `toml:"proxy"`
}

// IsEnabled returns the configured value, defaulting to true when unset —
// an account omits "enabled" in the overwhelming common case.
func (a AccountConfig) IsEnabled() bool {
	if a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

// SessionConfig is the [session] table.
type SessionConfig struct {
	StickyTTLSeconds           int `toml:"sticky_ttl_seconds"`
	RenewalThresholdSeconds    int `toml:"renewal_threshold_seconds"`
	UnavailableCooldownSeconds int `toml:"unavailable_cooldown_seconds"`
}

// Config is the fully decoded TOML configuration.
type Config struct {
	APIKeys  []string        `toml:"api_keys"`
	Server   ServerConfig    `toml:"server"`
	Session  SessionConfig   `toml:"session"`
	Accounts []AccountConfig `toml:"accounts"`
}

// Load reads and decodes path, applying defaults, then validating.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Server.DatabasePath == "" {
		c.Server.DatabasePath = "./cc-relay.db"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		c.Server.LogLevel = env
	}
	if c.Session.StickyTTLSeconds == 0 {
		c.Session.StickyTTLSeconds = 3600
	}
	if c.Session.RenewalThresholdSeconds == 0 {
		c.Session.RenewalThresholdSeconds = 300
	}
	if c.Session.UnavailableCooldownSeconds == 0 {
		c.Session.UnavailableCooldownSeconds = 3600
	}
}

// ConfigError wraps a configuration problem detected at load time; the CLI
// maps this to exit code 2 (spec.md §6).
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Field, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks structural invariants spec.md §3 requires of each account:
// exactly one of {refresh_token, api_key} per OAuth vs static kind.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return &ConfigError{Field: fmt.Sprintf("accounts[%d].id", i), Err: fmt.Errorf("must be non-empty")}
		}
		if seen[a.ID] {
			return &ConfigError{Field: fmt.Sprintf("accounts[%d].id", i), Err: fmt.Errorf("duplicate account id %q", a.ID)}
		}
		seen[a.ID] = true

		switch a.Type {
		case KindClaudeOAuth, KindGemini:
			if a.RefreshToken == "" {
				return &ConfigError{Field: a.ID, Err: fmt.Errorf("oauth account requires refresh_token")}
			}
			if a.APIKey != "" {
				return &ConfigError{Field: a.ID, Err: fmt.Errorf("oauth account must not set api_key")}
			}
		case KindClaudeAPI, KindOpenAIResponses:
			if a.APIKey == "" {
				return &ConfigError{Field: a.ID, Err: fmt.Errorf("static account requires api_key")}
			}
			if a.RefreshToken != "" {
				return &ConfigError{Field: a.ID, Err: fmt.Errorf("static account must not set refresh_token")}
			}
		default:
			return &ConfigError{Field: a.ID, Err: fmt.Errorf("unknown account type %q", a.Type)}
		}

		if a.Priority < 0 {
			return &ConfigError{Field: a.ID, Err: fmt.Errorf("priority must be >= 0")}
		}

		if a.Proxy != nil {
			switch a.Proxy.Type {
			case "socks5", "http":
			default:
				return &ConfigError{Field: a.ID, Err: fmt.Errorf("unknown proxy type %q", a.Proxy.Type)}
			}
		}
	}
	return nil
}

func (c *Config) StickyTTL() time.Duration {
	return time.Duration(c.Session.StickyTTLSeconds) * time.Second
}

func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.Session.RenewalThresholdSeconds) * time.Second
}

func (c *Config) UnavailableCooldown() time.Duration {
	return time.Duration(c.Session.UnavailableCooldownSeconds) * time.Second
}
