package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  port: 8088
session:
  token_kind: opaque
routes:
  - id: ping
    path: /v1/ping
    methods: [GET]
    upstream: http://localhost:9001
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("port = %d, want 8088", cfg.Server.Port)
	}
	// Defaults survive the overlay
	if cfg.Session.CookieName != "session_token" {
		t.Errorf("cookie name default lost: %q", cfg.Session.CookieName)
	}
	if cfg.Admin.ProbeInterval != 5*time.Second {
		t.Errorf("probe interval default lost: %v", cfg.Admin.ProbeInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PASSAGE_SERVER_PORT", "9999")
	t.Setenv("PASSAGE_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("env override lost: port = %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("env override lost: level = %q", cfg.Log.Level)
	}
}

func TestSigningSecretRequired(t *testing.T) {
	content := strings.Replace(minimalYAML, "token_kind: opaque", "token_kind: signed", 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("want signing_secret error, got %v", err)
	}
}

func TestSigningSecretTooShort(t *testing.T) {
	content := strings.Replace(minimalYAML, "token_kind: opaque",
		"token_kind: signed\n  signing_secret: short", 1)
	_, err := Load(writeConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("want min length error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "port",
		},
		{
			name:   "duplicate route id",
			mutate: func(c *Config) { c.Routes = append(c.Routes, c.Routes[0]) },
			want:   "duplicate id",
		},
		{
			name: "relative path",
			mutate: func(c *Config) {
				c.Routes[0].Path = "v1/ping"
			},
			want: "must start with /",
		},
		{
			name: "bad upstream",
			mutate: func(c *Config) {
				c.Routes[0].Upstream = "not a url"
			},
			want: "invalid upstream",
		},
		{
			name: "unknown method",
			mutate: func(c *Config) {
				c.Routes[0].Methods = []string{"FETCH"}
			},
			want: "unknown method",
		},
		{
			name: "weak tls",
			mutate: func(c *Config) {
				c.Server.TLS = TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"}
			},
			want: "minimum supported is 1.2",
		},
		{
			name: "rate rule without capacity",
			mutate: func(c *Config) {
				c.Routes[0].RateLimit = &RuleConfig{Algorithm: "token_bucket"}
			},
			want: "positive capacity",
		},
		{
			name: "window rule without window",
			mutate: func(c *Config) {
				c.Routes[0].RateLimit = &RuleConfig{Algorithm: "fixed_window", Limit: 10}
			},
			want: "positive window",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Stores.Kind = "redis"
			},
			want: "redis_address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.TokenKind = "opaque"
			cfg.Routes = []RouteConfig{{
				ID:       "ping",
				Path:     "/v1/ping",
				Methods:  []string{"GET"},
				Upstream: "http://localhost:9001",
			}}
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("want error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSecureCookiesFollowsTLS(t *testing.T) {
	s := &SessionConfig{}
	if s.SecureCookies(false) {
		t.Error("secure without TLS")
	}
	if !s.SecureCookies(true) {
		t.Error("not secure with TLS")
	}
	forced := false
	s.CookieSecure = &forced
	if s.SecureCookies(true) {
		t.Error("explicit cookie_secure=false must win")
	}
}
