package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
)

func testConfig(routes ...config.RouteConfig) *config.Config {
	cfg := config.Default()
	cfg.Routes = routes
	return cfg
}

func newProxy(t *testing.T, cfg *config.Config) *Proxy {
	t.Helper()
	p, err := New(cfg, NewPool(cfg.Upstream.Pool), Hooks{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestForwardBasics(t *testing.T) {
	var got struct {
		path, query, host  string
		xff, proto, reqID  string
		cookie, connection string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.host = r.Host
		got.xff = r.Header.Get("X-Forwarded-For")
		got.proto = r.Header.Get("X-Forwarded-Proto")
		got.reqID = r.Header.Get("X-Request-ID")
		got.cookie = r.Header.Get("Cookie")
		got.connection = r.Header.Get("Keep-Alive")
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "pong")
	}))
	defer upstream.Close()

	route := config.RouteConfig{ID: "ping", Path: "/v1/ping", Methods: []string{"GET"}, Upstream: upstream.URL}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/v1/ping?x=1", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	r.Header.Set("Keep-Alive", "300")
	r.AddCookie(&http.Cookie{Name: "session_token", Value: "secret"})
	r.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	r.RemoteAddr = "10.0.0.1:5555"
	r, rc := reqctx.Acquire(r)
	rc.CorrelationID = "cid-1"

	w := httptest.NewRecorder()
	if err := p.Forward(w, r, &route, nil); err != nil {
		t.Fatal(err)
	}

	if w.Code != 200 || w.Body.String() != "pong" {
		t.Fatalf("response %d %q", w.Code, w.Body.String())
	}
	if got.path != "/v1/ping" || got.query != "x=1" {
		t.Errorf("upstream saw %s?%s", got.path, got.query)
	}
	if got.xff != "1.2.3.4, 10.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want appended", got.xff)
	}
	if got.reqID != "cid-1" {
		t.Errorf("X-Request-ID = %q", got.reqID)
	}
	if got.proto != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.proto)
	}
	if strings.Contains(got.cookie, "session_token") || !strings.Contains(got.cookie, "theme=dark") {
		t.Errorf("Cookie = %q, want session stripped and theme kept", got.cookie)
	}
	if got.connection != "" {
		t.Errorf("hop-by-hop Keep-Alive forwarded: %q", got.connection)
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header lost")
	}
	if rc.UpstreamDuration <= 0 {
		t.Error("upstream duration not recorded")
	}
}

func TestForwardPassSession(t *testing.T) {
	var cookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
	}))
	defer upstream.Close()

	route := config.RouteConfig{ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: upstream.URL, PassSession: true}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/x", nil)
	r.AddCookie(&http.Cookie{Name: "session_token", Value: "secret"})
	r, _ = reqctx.Acquire(r)
	if err := p.Forward(httptest.NewRecorder(), r, &route, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cookie, "session_token=secret") {
		t.Errorf("pass_session route lost the cookie: %q", cookie)
	}
}

func TestForwardPlaceholderSubstitution(t *testing.T) {
	var path string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer upstream.Close()

	route := config.RouteConfig{
		ID: "user", Path: "/v1/users/{id}", Methods: []string{"GET"},
		Upstream: upstream.URL + "/internal/accounts/{id}",
	}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/v1/users/42", nil)
	r, _ = reqctx.Acquire(r)
	if err := p.Forward(httptest.NewRecorder(), r, &route, map[string]string{"id": "42"}); err != nil {
		t.Fatal(err)
	}
	if path != "/internal/accounts/42" {
		t.Errorf("upstream path = %q", path)
	}
}

func TestForwardConnectFailure(t *testing.T) {
	route := config.RouteConfig{ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: "http://127.0.0.1:1"}
	var kind string
	cfg := testConfig(route)
	p, err := New(cfg, NewPool(cfg.Upstream.Pool), Hooks{UpstreamError: func(k string) { kind = k }}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/x", nil)
	r, _ = reqctx.Acquire(r)
	err = p.Forward(httptest.NewRecorder(), r, &route, nil)
	if errors.AsGatewayError(err).Kind != errors.KindBadGateway {
		t.Fatalf("want bad_gateway, got %v", err)
	}
	if kind != "connect" {
		t.Errorf("error kind = %q", kind)
	}
}

func TestForwardHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	route := config.RouteConfig{
		ID: "slow", Path: "/x", Methods: []string{"POST"}, Upstream: upstream.URL,
		Timeouts: config.TimeoutConfig{Read: 100 * time.Millisecond},
	}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("POST", "/x", nil)
	r, _ = reqctx.Acquire(r)
	start := time.Now()
	err := p.Forward(httptest.NewRecorder(), r, &route, nil)
	if errors.AsGatewayError(err).Kind != errors.KindGatewayTimeout {
		t.Fatalf("want gateway_timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestForwardNoRetryForPost(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	route := config.RouteConfig{
		ID: "r", Path: "/x", Methods: []string{"POST"}, Upstream: upstream.URL,
		Timeouts: config.TimeoutConfig{Read: 50 * time.Millisecond},
		Retry:    config.RetryConfig{Enabled: true, MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond},
	}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("POST", "/x", strings.NewReader("data"))
	r, _ = reqctx.Acquire(r)
	p.Forward(httptest.NewRecorder(), r, &route, nil)

	if calls.Load() != 1 {
		t.Fatalf("POST attempted %d times", calls.Load())
	}
}

func TestForwardRetriesIdempotent(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			time.Sleep(300 * time.Millisecond)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	route := config.RouteConfig{
		ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: upstream.URL,
		Timeouts: config.TimeoutConfig{Read: 100 * time.Millisecond, Overall: 5 * time.Second},
		Retry:    config.RetryConfig{Enabled: true, MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond},
	}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/x", nil)
	r, _ = reqctx.Acquire(r)
	w := httptest.NewRecorder()
	if err := p.Forward(w, r, &route, nil); err != nil {
		t.Fatal(err)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body %q", w.Body.String())
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}
}

func TestForwardBodyTooLarge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	route := config.RouteConfig{ID: "r", Path: "/x", Methods: []string{"POST"}, Upstream: upstream.URL}
	cfg := testConfig(route)
	cfg.Server.RequestBodyMax = 16
	p := newProxy(t, cfg)

	r := httptest.NewRequest("POST", "/x", strings.NewReader(strings.Repeat("a", 64)))
	r, _ = reqctx.Acquire(r)
	err := p.Forward(httptest.NewRecorder(), r, &route, nil)
	if errors.AsGatewayError(err).Kind != errors.KindPayloadTooLarge {
		t.Fatalf("want payload_too_large, got %v", err)
	}
}

func TestForwardCRLFHeaderRejected(t *testing.T) {
	route := config.RouteConfig{ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: "http://127.0.0.1:1"}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header["X-Evil"] = []string{"a\r\nInjected: yes"}
	r, _ = reqctx.Acquire(r)
	err := p.Forward(httptest.NewRecorder(), r, &route, nil)
	if errors.AsGatewayError(err).Kind != errors.KindBadRequest {
		t.Fatalf("want bad_request, got %v", err)
	}
}

func TestForwardClientCancellation(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	route := config.RouteConfig{ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: upstream.URL}
	p := newProxy(t, testConfig(route))

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/x", nil).WithContext(ctx)
	r, _ = reqctx.Acquire(r)

	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- p.Forward(httptest.NewRecorder(), r, &route, nil) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled request succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abort the upstream request")
	}
}

func TestSecurityHeadersOnlyIfAbsent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	}))
	defer upstream.Close()

	route := config.RouteConfig{
		ID: "r", Path: "/x", Methods: []string{"GET"}, Upstream: upstream.URL,
		Security: config.SecurityHeaders{Enabled: true, ContentSecurityPolicy: "default-src 'self'"},
	}
	p := newProxy(t, testConfig(route))

	r := httptest.NewRequest("GET", "/x", nil)
	r, _ = reqctx.Acquire(r)
	w := httptest.NewRecorder()
	if err := p.Forward(w, r, &route, nil); err != nil {
		t.Fatal(err)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("upstream value overridden: %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff not added")
	}
	if w.Header().Get("Content-Security-Policy") != "default-src 'self'" {
		t.Error("CSP not added")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
