// Package config loads and validates the gateway's TOML configuration.
// Validation is eager: a malformed value fails startup instead of surfacing
// mid-request.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"
)

// Config is the root configuration.
type Config struct {
	Proxy     ProxyConfig     `toml:"proxy"`
	Admin     AdminConfig     `toml:"admin"`
	Headers   []Header        `toml:"headers"`
	OAuth     *OAuthConfig    `toml:"oauth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Log       LogConfig       `toml:"log"`
}

// ProxyConfig configures the proxy listener and the upstream connection.
type ProxyConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	UpstreamURL    string `toml:"upstream_url"`
	TimeoutSecs    int    `toml:"timeout_secs"`
	MaxConnections int    `toml:"max_connections"`
}

// AdminConfig configures the admin/metrics listener.
type AdminConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Header is one static header injection rule (passthrough mode).
type Header struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// OAuthConfig enables OAuth pool mode. Its presence selects the mode.
type OAuthConfig struct {
	CredentialsPath      string `toml:"credentials_path"`
	CooldownSecs         int    `toml:"cooldown_secs"`
	RefreshIntervalSecs  int    `toml:"refresh_interval_secs"`
	RefreshThresholdSecs int    `toml:"refresh_threshold_secs"`
}

// RateLimitConfig throttles inbound requests per client IP.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Defaults applied before validation.
const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultAdminListenAddr = "127.0.0.1:9090"
	DefaultUpstreamURL     = "https://api.anthropic.com"
	DefaultTimeoutSecs     = 60
	DefaultMaxConnections  = 100
	DefaultCooldownSecs    = 3600
	DefaultLogLevel        = "info"
)

// Load reads, decodes, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw TOML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = DefaultListenAddr
	}
	if c.Proxy.UpstreamURL == "" {
		c.Proxy.UpstreamURL = DefaultUpstreamURL
	}
	if c.Proxy.TimeoutSecs == 0 {
		c.Proxy.TimeoutSecs = DefaultTimeoutSecs
	}
	if c.Proxy.MaxConnections == 0 {
		c.Proxy.MaxConnections = DefaultMaxConnections
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = DefaultAdminListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.OAuth != nil {
		if c.OAuth.CooldownSecs == 0 {
			c.OAuth.CooldownSecs = DefaultCooldownSecs
		}
		if c.OAuth.RefreshIntervalSecs == 0 {
			c.OAuth.RefreshIntervalSecs = 300
		}
		if c.OAuth.RefreshThresholdSecs == 0 {
			c.OAuth.RefreshThresholdSecs = 900
		}
	}
}

// Validate checks every field the gateway will rely on at runtime.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Proxy.ListenAddr); err != nil {
		return fmt.Errorf("proxy.listen_addr %q: %w", c.Proxy.ListenAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.Admin.ListenAddr); err != nil {
		return fmt.Errorf("admin.listen_addr %q: %w", c.Admin.ListenAddr, err)
	}

	u, err := url.Parse(c.Proxy.UpstreamURL)
	if err != nil {
		return fmt.Errorf("proxy.upstream_url %q: %w", c.Proxy.UpstreamURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("proxy.upstream_url %q: scheme must be http or https", c.Proxy.UpstreamURL)
	}
	if u.Host == "" {
		return fmt.Errorf("proxy.upstream_url %q: missing host", c.Proxy.UpstreamURL)
	}

	if c.Proxy.TimeoutSecs <= 0 {
		return fmt.Errorf("proxy.timeout_secs must be > 0, got %d", c.Proxy.TimeoutSecs)
	}
	if c.Proxy.MaxConnections <= 0 {
		return fmt.Errorf("proxy.max_connections must be > 0, got %d", c.Proxy.MaxConnections)
	}

	for i, h := range c.Headers {
		if !validHeaderName(h.Name) {
			return fmt.Errorf("headers[%d]: invalid header name %q", i, h.Name)
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return fmt.Errorf("headers[%d] %q: value contains line break", i, h.Name)
		}
	}

	if c.OAuth != nil {
		if c.OAuth.CredentialsPath == "" {
			return fmt.Errorf("oauth.credentials_path is required in oauth mode")
		}
		if c.OAuth.CooldownSecs <= 0 {
			return fmt.Errorf("oauth.cooldown_secs must be > 0, got %d", c.OAuth.CooldownSecs)
		}
		if c.OAuth.RefreshIntervalSecs <= 0 || c.OAuth.RefreshThresholdSecs <= 0 {
			return fmt.Errorf("oauth refresh interval and threshold must be > 0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("ratelimit.requests_per_second must be > 0 when enabled")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be >= 1 when enabled")
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return nil
}

// Mode reports "oauth" or "passthrough".
func (c *Config) Mode() string {
	if c.OAuth != nil {
		return "oauth"
	}
	return "passthrough"
}

// Timeout returns the per-request upstream timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Proxy.TimeoutSecs) * time.Second
}

// Cooldown returns the quota cooldown duration (oauth mode).
func (c *Config) Cooldown() time.Duration {
	if c.OAuth == nil {
		return 0
	}
	return time.Duration(c.OAuth.CooldownSecs) * time.Second
}

// RefreshInterval returns the background refresh cadence (oauth mode).
func (c *Config) RefreshInterval() time.Duration {
	if c.OAuth == nil {
		return 0
	}
	return time.Duration(c.OAuth.RefreshIntervalSecs) * time.Second
}

// RefreshThreshold returns the background refresh expiry window (oauth mode).
func (c *Config) RefreshThreshold() time.Duration {
	if c.OAuth == nil {
		return 0
	}
	return time.Duration(c.OAuth.RefreshThresholdSecs) * time.Second
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
