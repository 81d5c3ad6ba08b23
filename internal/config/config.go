package config

import (
	"time"
)

// Config is the immutable top-level gateway configuration. It is built once
// at startup and shared read-only by every component.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Routes    []RouteConfig   `yaml:"routes"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Stores    StoresConfig    `yaml:"stores"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the entry listener.
type ServerConfig struct {
	BindAddress         string        `yaml:"bind_address"`
	Port                int           `yaml:"port"`
	TLS                 TLSConfig     `yaml:"tls"`
	MaxInFlight         int64         `yaml:"max_in_flight"`
	RequestBodyMax      int64         `yaml:"request_body_max"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	RequireStoreOnStart bool          `yaml:"require_store_on_start"`
}

// TLSConfig configures TLS termination on the entry listener.
type TLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	CertFile   string   `yaml:"cert"`
	KeyFile    string   `yaml:"key"`
	MinVersion string   `yaml:"min_version"` // "1.2" or "1.3"
	Ciphers    []string `yaml:"ciphers"`
}

// AdminConfig configures the admin listener serving health and metrics.
type AdminConfig struct {
	BindAddress    string        `yaml:"bind_address"`
	Port           int           `yaml:"port"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeFreshness time.Duration `yaml:"probe_freshness"`
}

// RouteConfig declares one route: match criteria, upstream, and policy.
type RouteConfig struct {
	ID           string          `yaml:"id"`
	Path         string          `yaml:"path"`
	Methods      []string        `yaml:"methods"`
	Upstream     string          `yaml:"upstream"`
	AuthRequired bool            `yaml:"auth_required"`
	Permissions  [][]string      `yaml:"permissions"` // any-of sets
	RateLimit    *RuleConfig     `yaml:"rate_limit"`
	Timeouts     TimeoutConfig   `yaml:"timeouts"`
	Retry        RetryConfig     `yaml:"retry"`
	PassSession  bool            `yaml:"pass_session"`
	AllowRefresh *bool           `yaml:"allow_refresh"`
	Priority     int             `yaml:"priority"`
	Security     SecurityHeaders `yaml:"security_headers"`
}

// Refreshable reports whether the route permits session refresh. Routes allow
// refresh unless they opt out.
func (r *RouteConfig) Refreshable() bool {
	return r.AllowRefresh == nil || *r.AllowRefresh
}

// TimeoutConfig holds per-request deadlines; zero values inherit globals.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Overall time.Duration `yaml:"overall"`
}

// RetryConfig controls upstream retries for idempotent requests.
type RetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SecurityHeaders configures gateway-owned response headers, added only when
// the upstream did not supply them.
type SecurityHeaders struct {
	Enabled               bool   `yaml:"enabled"`
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	HSTSMaxAge            int    `yaml:"hsts_max_age"`
}

// SessionConfig controls token extraction and validation.
type SessionConfig struct {
	CookieName       string        `yaml:"cookie_name"`
	TokenKind        string        `yaml:"token_kind"` // opaque, signed, auto
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	BindIP           bool          `yaml:"bind_ip"`
	SigningSecret    string        `yaml:"signing_secret"`
	RefreshEnabled   bool          `yaml:"refresh_enabled"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	// CookieSecure is a tri-state: nil follows server TLS, otherwise forced.
	CookieSecure *bool    `yaml:"cookie_secure"`
	AdminRoles   []string `yaml:"admin_roles"`
}

// SecureCookies reports whether refreshed session cookies carry the Secure
// flag. Defaults to the presence of TLS on the entry listener.
func (s *SessionConfig) SecureCookies(tlsEnabled bool) bool {
	if s.CookieSecure != nil {
		return *s.CookieSecure
	}
	return tlsEnabled
}

// RateLimitConfig holds the global fallback rule and failure policy.
// FailOpen is a tri-state: when neither it nor the rule says, public routes
// fail open on store outages and authenticated routes fail closed.
type RateLimitConfig struct {
	Default  *RuleConfig `yaml:"default"`
	FailOpen *bool       `yaml:"fail_open"`
}

// RuleConfig is one rate-limit rule.
type RuleConfig struct {
	Algorithm  string        `yaml:"algorithm"` // token_bucket, fixed_window, sliding_window
	Key        string        `yaml:"key"`       // template: {ip}, {user}, {route}, literals
	Capacity   float64       `yaml:"capacity"`
	RefillRate float64       `yaml:"refill_rate"` // tokens/sec, token_bucket only
	Limit      int64         `yaml:"limit"`       // window algorithms
	Window     time.Duration `yaml:"window"`
	FailOpen   *bool         `yaml:"fail_open"` // nil inherits rate_limit.fail_open
}

// UpstreamConfig controls the shared connection pool and default deadlines.
type UpstreamConfig struct {
	Pool     PoolConfig    `yaml:"pool"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// PoolConfig sizes the per-host upstream connection pool.
type PoolConfig struct {
	PerHost     int           `yaml:"per_host"`
	IdleSeconds time.Duration `yaml:"idle_seconds"`
}

// StoresConfig selects the backing stores. Kind "redis" uses the shared
// address; "memory" runs in-process (dev and tests).
type StoresConfig struct {
	Kind          string `yaml:"kind"` // redis, memory
	RedisAddress  string `yaml:"redis_address"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
	SessionPrefix string `yaml:"session_prefix"`
	RatePrefix    string `yaml:"rate_prefix"`
}

// LogConfig controls observability output.
type LogConfig struct {
	Level         string   `yaml:"level"`
	Format        string   `yaml:"format"`
	File          string   `yaml:"file"`
	RedactHeaders []string `yaml:"redact_headers"`
}

// Default returns a Config populated with defaults. The loader overlays the
// file and environment on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:       "0.0.0.0",
			Port:              8080,
			MaxInFlight:       1024,
			RequestBodyMax:    10 << 20,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownGrace:     30 * time.Second,
		},
		Admin: AdminConfig{
			BindAddress:    "127.0.0.1",
			Port:           9090,
			MaxConcurrent:  16,
			ProbeInterval:  5 * time.Second,
			ProbeFreshness: 15 * time.Second,
		},
		Session: SessionConfig{
			CookieName:       "session_token",
			TokenKind:        "auto",
			RefreshThreshold: 5 * time.Minute,
			AdminRoles:       []string{"admin"},
		},
		Upstream: UpstreamConfig{
			Pool: PoolConfig{
				PerHost:     10,
				IdleSeconds: 90 * time.Second,
			},
			Timeouts: TimeoutConfig{
				Connect: 5 * time.Second,
				Read:    30 * time.Second,
				Overall: 60 * time.Second,
			},
		},
		Stores: StoresConfig{
			Kind:          "memory",
			SessionPrefix: "sess:",
			RatePrefix:    "rl:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
