package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Load reads the YAML file at path, overlays environment variables, applies
// defaults, and validates. Precedence: env > file > defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar config fields from PASSAGE_* environment
// variables. The name maps section and field with underscores, e.g.
// PASSAGE_SERVER_PORT, PASSAGE_SESSION_SIGNING_SECRET.
func applyEnv(cfg *Config) {
	envString("PASSAGE_SERVER_BIND_ADDRESS", &cfg.Server.BindAddress)
	envInt("PASSAGE_SERVER_PORT", &cfg.Server.Port)
	envInt64("PASSAGE_SERVER_MAX_IN_FLIGHT", &cfg.Server.MaxInFlight)
	envInt64("PASSAGE_SERVER_REQUEST_BODY_MAX", &cfg.Server.RequestBodyMax)
	envBool("PASSAGE_SERVER_REQUIRE_STORE_ON_START", &cfg.Server.RequireStoreOnStart)
	envBool("PASSAGE_SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	envString("PASSAGE_SERVER_TLS_CERT", &cfg.Server.TLS.CertFile)
	envString("PASSAGE_SERVER_TLS_KEY", &cfg.Server.TLS.KeyFile)
	envString("PASSAGE_SERVER_TLS_MIN_VERSION", &cfg.Server.TLS.MinVersion)

	envString("PASSAGE_ADMIN_BIND_ADDRESS", &cfg.Admin.BindAddress)
	envInt("PASSAGE_ADMIN_PORT", &cfg.Admin.Port)

	envString("PASSAGE_SESSION_COOKIE_NAME", &cfg.Session.CookieName)
	envString("PASSAGE_SESSION_TOKEN_KIND", &cfg.Session.TokenKind)
	envString("PASSAGE_SESSION_SIGNING_SECRET", &cfg.Session.SigningSecret)
	envDuration("PASSAGE_SESSION_IDLE_TTL", &cfg.Session.IdleTTL)
	envBool("PASSAGE_SESSION_BIND_IP", &cfg.Session.BindIP)
	envBool("PASSAGE_SESSION_REFRESH_ENABLED", &cfg.Session.RefreshEnabled)

	if v := os.Getenv("PASSAGE_RATE_LIMIT_FAIL_OPEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.FailOpen = &b
		}
	}

	envString("PASSAGE_STORES_KIND", &cfg.Stores.Kind)
	envString("PASSAGE_STORES_REDIS_ADDRESS", &cfg.Stores.RedisAddress)
	envInt("PASSAGE_STORES_REDIS_DB", &cfg.Stores.RedisDB)
	envString("PASSAGE_STORES_REDIS_PASSWORD", &cfg.Stores.RedisPassword)

	envString("PASSAGE_LOG_LEVEL", &cfg.Log.Level)
	envString("PASSAGE_LOG_FORMAT", &cfg.Log.Format)
	envString("PASSAGE_LOG_FILE", &cfg.Log.File)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validAlgorithms = map[string]bool{
	"token_bucket": true, "fixed_window": true, "sliding_window": true,
}

// Validate checks the configuration for structural errors. Route pattern
// conflicts are detected separately when the router compiles the table.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxInFlight < 1 {
		return fmt.Errorf("server.max_in_flight must be positive")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires cert and key")
		}
		switch cfg.Server.TLS.MinVersion {
		case "", "1.2", "1.3":
		default:
			return fmt.Errorf("server.tls.min_version %q: minimum supported is 1.2", cfg.Server.TLS.MinVersion)
		}
	}

	switch cfg.Session.TokenKind {
	case "opaque":
	case "signed", "auto", "":
		if len(cfg.Session.SigningSecret) < 32 {
			return fmt.Errorf("session.signing_secret must be at least 32 bytes when signed tokens are enabled")
		}
	default:
		return fmt.Errorf("session.token_kind %q: must be opaque, signed, or auto", cfg.Session.TokenKind)
	}

	switch cfg.Stores.Kind {
	case "memory":
	case "redis":
		if cfg.Stores.RedisAddress == "" {
			return fmt.Errorf("stores.redis_address required when stores.kind is redis")
		}
	default:
		return fmt.Errorf("stores.kind %q: must be redis or memory", cfg.Stores.Kind)
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.ID == "" {
			return fmt.Errorf("routes[%d]: id required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("route %s: duplicate id", r.ID)
		}
		seen[r.ID] = true

		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route %s: path must start with /", r.ID)
		}
		if r.Upstream == "" {
			return fmt.Errorf("route %s: upstream required", r.ID)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("route %s: invalid upstream %q", r.ID, r.Upstream)
		}
		for _, m := range r.Methods {
			if !validMethods[strings.ToUpper(m)] {
				return fmt.Errorf("route %s: unknown method %q", r.ID, m)
			}
		}
		if r.RateLimit != nil {
			if err := validateRule(r.RateLimit); err != nil {
				return fmt.Errorf("route %s: %w", r.ID, err)
			}
		}
	}

	if cfg.RateLimit.Default != nil {
		if err := validateRule(cfg.RateLimit.Default); err != nil {
			return fmt.Errorf("rate_limit.default: %w", err)
		}
	}

	return nil
}

func validateRule(rule *RuleConfig) error {
	if rule.Algorithm == "" {
		rule.Algorithm = "token_bucket"
	}
	if !validAlgorithms[rule.Algorithm] {
		return fmt.Errorf("unknown rate limit algorithm %q", rule.Algorithm)
	}
	if rule.Key == "" {
		rule.Key = "{route}:{ip}"
	}
	switch rule.Algorithm {
	case "token_bucket":
		if rule.Capacity <= 0 {
			return fmt.Errorf("token_bucket requires positive capacity")
		}
		if rule.RefillRate < 0 {
			return fmt.Errorf("refill_rate must not be negative")
		}
	default:
		if rule.Limit <= 0 {
			return fmt.Errorf("%s requires positive limit", rule.Algorithm)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("%s requires positive window", rule.Algorithm)
		}
	}
	return nil
}
