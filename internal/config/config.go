// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	humanize "github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	StaticDir string `kong:"help='Directory served for non-proxy paths (overrides config).',env='STATIC_DIR'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Security SecurityConfig `toml:"security" yaml:"security"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host" yaml:"host"`
	Port          int             `toml:"port" yaml:"port"` // 0 means "use default" (5000)
	BodyLimit     string          `toml:"body_limit" yaml:"body_limit"`
	ProxyProtocol bool            `toml:"proxy_protocol" yaml:"proxy_protocol"`
	StaticDir     string          `toml:"static_dir" yaml:"static_dir"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`

	// TrustedProxies lists the CIDRs or addresses of load balancers whose
	// X-Forwarded-For entries are believed. Empty means the socket peer is
	// always the client.
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies"`

	bodyLimitBytes  uint64
	trustedNetworks []*net.IPNet
}

// RateLimitConfig controls per-client request rate limiting.
type RateLimitConfig struct {
	// Enabled is a pointer so an omitted key can default to true.
	Enabled       *bool       `toml:"enabled" yaml:"enabled"`
	Requests      int         `toml:"requests" yaml:"requests"`
	WindowSeconds int         `toml:"window_seconds" yaml:"window_seconds"`
	Store         string      `toml:"store" yaml:"store"`
	Redis         RedisConfig `toml:"redis" yaml:"redis"`
}

// RedisConfig locates the shared rate limit store.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Prefix   string `toml:"prefix" yaml:"prefix"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds       int                  `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections      int                  `toml:"idle_connections" yaml:"idle_connections"`
	MaxRedirects         int                  `toml:"max_redirects" yaml:"max_redirects"`
	FollowRedirects      *bool                `toml:"follow_redirects" yaml:"follow_redirects"`
	BlockPrivateNetworks bool                 `toml:"block_private_networks" yaml:"block_private_networks"`
	ForwardedHeaders     bool                 `toml:"forwarded_headers" yaml:"forwarded_headers"`
	CAFile               string               `toml:"ca_file" yaml:"ca_file"`
	CircuitBreaker       CircuitBreakerConfig `toml:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the per-host upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled" yaml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold" yaml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds" yaml:"open_seconds"`
	MaxHosts         int  `toml:"max_hosts" yaml:"max_hosts"`
}

// SecurityConfig holds the response security header policy.
type SecurityConfig struct {
	FrameOptions      string `toml:"frame_options" yaml:"frame_options"`
	ReferrerPolicy    string `toml:"referrer_policy" yaml:"referrer_policy"`
	HSTSMaxAgeSeconds int    `toml:"hsts_max_age_seconds" yaml:"hsts_max_age_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry export settings.
// SampleRate is a pointer so an explicit 0 disables sampling.
type TracingConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Endpoint    string   `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool     `toml:"insecure" yaml:"insecure"`
	SampleRate  *float64 `toml:"sample_rate" yaml:"sample_rate"`
	ServiceName string   `toml:"service_name" yaml:"service_name"`
}

// Load reads the config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	_ = cfg.validate()
	return &cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StaticDir != "" {
		c.Server.StaticDir = cli.StaticDir
	}
}

// validate reports every problem at once rather than stopping at the first.
func (c *Config) validate() error {
	var errs error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if n, err := humanize.ParseBytes(c.Server.BodyLimit); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server.body_limit is not a size: %w", err))
	} else if n == 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_limit must be positive; got %q", c.Server.BodyLimit))
	} else {
		c.Server.bodyLimitBytes = n
	}

	c.Server.trustedNetworks = nil
	for _, p := range c.Server.TrustedProxies {
		n, err := parseNetwork(p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
			continue
		}
		c.Server.trustedNetworks = append(c.Server.trustedNetworks, n)
	}

	rl := c.Server.RateLimit
	if rl.IsEnabled() {
		if rl.Requests <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.requests must be > 0 when rate limiting is enabled; got %d", rl.Requests))
		}
		if rl.WindowSeconds <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.window_seconds must be > 0 when rate limiting is enabled; got %d", rl.WindowSeconds))
		}
		switch rl.Store {
		case "memory":
		case "redis":
			if rl.Redis.Addr == "" {
				errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.redis.addr is required for the redis store"))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.store must be one of: memory, redis; got %q", rl.Store))
		}
	}

	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.MaxRedirects < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects))
	}
	if c.Upstream.CAFile != "" {
		if _, err := os.Stat(c.Upstream.CAFile); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upstream.ca_file: %w", err))
		}
	}
	cb := c.Upstream.CircuitBreaker
	if cb.Enabled && (cb.FailureThreshold < 0 || cb.OpenSeconds < 0 || cb.MaxHosts < 0) {
		errs = multierr.Append(errs, fmt.Errorf("upstream.circuit_breaker values must be non-negative"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		switch {
		case p[0] != '/':
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		case p == "/":
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/"))
		default:
			for _, reserved := range []string{"/p", "/healthz", "/proxy/status"} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
				}
			}
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			errs = multierr.Append(errs, fmt.Errorf("tracing.endpoint is required when tracing is enabled"))
		}
		if r := c.Tracing.Ratio(); r < 0 || r > 1 {
			errs = multierr.Append(errs, fmt.Errorf("tracing.sample_rate must be within 0–1; got %v", r))
		}
	}

	return errs
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyLimit == "" {
		c.Server.BodyLimit = "10MiB"
	}

	rl := &c.Server.RateLimit
	if rl.Enabled == nil {
		enabled := true
		rl.Enabled = &enabled
	}
	if rl.Requests == 0 {
		rl.Requests = 120
	}
	if rl.WindowSeconds == 0 {
		rl.WindowSeconds = 60
	}
	if rl.Store == "" {
		rl.Store = "memory"
	}
	if rl.Redis.Prefix == "" {
		rl.Redis.Prefix = "relay-proxy:ratelimit:"
	}

	up := &c.Upstream
	if up.TimeoutSeconds == 0 {
		up.TimeoutSeconds = 30
	}
	if up.IdleConnections == 0 {
		up.IdleConnections = 100
	}
	if up.MaxRedirects == 0 {
		up.MaxRedirects = 10
	}
	if up.FollowRedirects == nil {
		follow := true
		up.FollowRedirects = &follow
	}
	if up.CircuitBreaker.FailureThreshold == 0 {
		up.CircuitBreaker.FailureThreshold = 5
	}
	if up.CircuitBreaker.OpenSeconds == 0 {
		up.CircuitBreaker.OpenSeconds = 30
	}
	if up.CircuitBreaker.MaxHosts == 0 {
		up.CircuitBreaker.MaxHosts = 10000
	}

	if c.Security.FrameOptions == "" {
		c.Security.FrameOptions = "SAMEORIGIN"
	}
	if c.Security.ReferrerPolicy == "" {
		c.Security.ReferrerPolicy = "no-referrer"
	}
	if c.Security.HSTSMaxAgeSeconds == 0 {
		c.Security.HSTSMaxAgeSeconds = 15552000 // 180 days
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.SampleRate == nil {
		rate := 1.0
		c.Tracing.SampleRate = &rate
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relay-proxy"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BodyLimitBytes returns the parsed request body limit.
func (c *ServerConfig) BodyLimitBytes() uint64 {
	return c.bodyLimitBytes
}

// TrustedNetworks returns the parsed trusted proxy ranges.
func (c *ServerConfig) TrustedNetworks() []*net.IPNet {
	return c.trustedNetworks
}

// parseNetwork accepts a CIDR or a bare address, which is taken as a single host.
func parseNetwork(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", s)
		}
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	bits := 128
	if ip4 := ip.To4(); ip4 != nil {
		ip, bits = ip4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// IsEnabled reports whether rate limiting is on. An unset value counts as on.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ShouldFollowRedirects reports whether upstream redirects are followed.
func (u UpstreamConfig) ShouldFollowRedirects() bool {
	return u.FollowRedirects == nil || *u.FollowRedirects
}

// Ratio returns the trace sampling ratio. An unset value samples everything.
func (t TracingConfig) Ratio() float64 {
	if t.SampleRate == nil {
		return 1
	}
	return *t.SampleRate
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold the redis password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && c.Server.RateLimit.Redis.Password != "" {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
