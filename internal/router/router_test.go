package router

import (
	"testing"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/v1/ping", "/v1/ping"},
		{"/v1/ping/", "/v1/ping"},
		{"/v1//ping", "/v1/ping"},
		{"///", "/"},
		{"/v1/%70ing", "/v1/ping"},       // %70 = p, unreserved
		{"/v1/a%2Fb", "/v1/a%2Fb"},       // %2F = /, reserved, kept
		{"/v1/%2e%2e/x", "/v1/../x"},     // dots decode; router rejects later
		{"/V1/Ping", "/V1/Ping"},         // case preserved
		{"/v1/x%ZZy", "/v1/x%ZZy"},       // bad escape left alone
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	paths := []string{"/", "/v1//a/", "/v1/%70ing", "/a%2Fb/c", "/%2e%2e"}
	for _, p := range paths {
		once := Normalize(p)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", p, once, twice)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []string{
		"v1/ping",          // no leading slash
		"/v1/*/x",          // wildcard not last
		"/v1/{}",           // empty capture
		"/v1/{id}/{id}",    // duplicate name
		"/v1/a{b}c",        // malformed segment
		"/v1//x",           // empty segment
	}
	for _, p := range bad {
		if _, err := Compile(p); err == nil {
			t.Errorf("Compile(%q) succeeded, want error", p)
		}
	}
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		ok      bool
		params  map[string]string
	}{
		{"/", "/", true, nil},
		{"/v1/ping", "/v1/ping", true, nil},
		{"/v1/ping", "/v1/pong", false, nil},
		{"/v1/ping", "/v1/ping/x", false, nil},
		{"/v1/users/{id}", "/v1/users/42", true, map[string]string{"id": "42"}},
		{"/v1/users/{id}", "/v1/users", false, nil},
		{"/v1/users/{id}/posts/{post}", "/v1/users/7/posts/9", true,
			map[string]string{"id": "7", "post": "9"}},
		{"/static/*", "/static/css/site.css", true, map[string]string{"rest": "css/site.css"}},
		{"/static/*", "/static", true, map[string]string{"rest": ""}},
		{"/files/{path*}", "/files/a/b/c", true, map[string]string{"path": "a/b/c"}},
	}
	for _, tt := range tests {
		p, err := Compile(tt.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.pattern, err)
		}
		params, ok := p.Match(tt.path)
		if ok != tt.ok {
			t.Errorf("%q match %q = %v, want %v", tt.pattern, tt.path, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if len(params) != len(tt.params) {
			t.Errorf("%q match %q params = %v, want %v", tt.pattern, tt.path, params, tt.params)
			continue
		}
		for k, v := range tt.params {
			if params[k] != v {
				t.Errorf("%q match %q param %s = %q, want %q", tt.pattern, tt.path, k, params[k], v)
			}
		}
	}
}

func routeTable() []config.RouteConfig {
	return []config.RouteConfig{
		{ID: "ping", Path: "/v1/ping", Methods: []string{"GET"}, Upstream: "http://a"},
		{ID: "users-get", Path: "/v1/users/{id}", Methods: []string{"GET"}, Upstream: "http://a"},
		{ID: "users-del", Path: "/v1/users/{id}", Methods: []string{"DELETE"}, Upstream: "http://a"},
		{ID: "users-me", Path: "/v1/users/me", Methods: []string{"GET"}, Upstream: "http://a"},
		{ID: "static", Path: "/v1/*", Methods: []string{"GET"}, Upstream: "http://b"},
		{ID: "override", Path: "/v1/special", Methods: []string{"GET"}, Upstream: "http://c", Priority: 10},
	}
}

func TestMatchSpecificity(t *testing.T) {
	rt, err := New(routeTable())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method, path, wantID string
	}{
		{"GET", "/v1/ping", "ping"},
		{"GET", "/v1/users/42", "users-get"},
		{"DELETE", "/v1/users/42", "users-del"},
		{"GET", "/v1/users/me", "users-me"}, // literal beats capture
		{"GET", "/v1/anything/else", "static"},
		{"GET", "/v1/special", "override"}, // priority beats specificity
	}
	for _, tt := range tests {
		r, _, err := rt.Match(tt.method, tt.path)
		if err != nil {
			t.Errorf("%s %s: %v", tt.method, tt.path, err)
			continue
		}
		if r.Config.ID != tt.wantID {
			t.Errorf("%s %s matched %s, want %s", tt.method, tt.path, r.Config.ID, tt.wantID)
		}
	}
}

func TestMatchDeterministic(t *testing.T) {
	rt, err := New(routeTable())
	if err != nil {
		t.Fatal(err)
	}
	first, _, err := rt.Match("GET", "/v1/users/me")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		r, _, err := rt.Match("GET", "/v1/users/me")
		if err != nil || r.Config.ID != first.Config.ID {
			t.Fatalf("iteration %d: matched %v, want %s", i, r, first.Config.ID)
		}
	}
}

func TestMatchNotFound(t *testing.T) {
	rt, err := New([]config.RouteConfig{
		{ID: "ping", Path: "/v1/ping", Methods: []string{"GET"}, Upstream: "http://a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = rt.Match("GET", "/v2/ping")
	ge := errors.AsGatewayError(err)
	if ge.Kind != errors.KindRouteNotFound {
		t.Fatalf("kind = %s, want route_not_found", ge.Kind)
	}
}

func TestMethodNotAllowedUnion(t *testing.T) {
	rt, err := New(routeTable())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = rt.Match("PATCH", "/v1/users/42")
	ge := errors.AsGatewayError(err)
	if ge.Kind != errors.KindMethodNotAllowed {
		t.Fatalf("kind = %s, want method_not_allowed", ge.Kind)
	}
	// DELETE and GET from the two capture routes, GET from the wildcard.
	want := []string{"DELETE", "GET"}
	if len(ge.Allow) != len(want) {
		t.Fatalf("Allow = %v, want %v", ge.Allow, want)
	}
	for i := range want {
		if ge.Allow[i] != want[i] {
			t.Fatalf("Allow = %v, want %v", ge.Allow, want)
		}
	}
}

func TestParamValidation(t *testing.T) {
	rt, err := New([]config.RouteConfig{
		{ID: "users", Path: "/v1/users/{id}", Methods: []string{"GET"}, Upstream: "http://a"},
	})
	if err != nil {
		t.Fatal(err)
	}

	bad := []string{
		Normalize("/v1/users/%2e%2e%2fadmin"), // decodes to ../admin
		"/v1/users/..",
		"/v1/users/a%0d%0ax", // CR LF smuggled in the value
	}
	for _, p := range bad {
		_, _, err := rt.Match("GET", p)
		ge := errors.AsGatewayError(err)
		if ge.Kind != errors.KindBadRequest {
			t.Errorf("%q: kind = %s, want bad_request", p, ge.Kind)
		}
	}

	if _, params, err := rt.Match("GET", "/v1/users/a.b"); err != nil || params["id"] != "a.b" {
		t.Errorf("benign dotted id rejected: %v %v", params, err)
	}
}

func TestConflictRejected(t *testing.T) {
	_, err := New([]config.RouteConfig{
		{ID: "a", Path: "/v1/users/{id}", Methods: []string{"GET"}, Upstream: "http://a"},
		{ID: "b", Path: "/v1/users/{uid}", Methods: []string{"GET", "POST"}, Upstream: "http://b"},
	})
	if err == nil {
		t.Fatal("overlapping routes accepted")
	}

	// Same pattern, disjoint methods: fine.
	_, err = New([]config.RouteConfig{
		{ID: "a", Path: "/v1/users/{id}", Methods: []string{"GET"}, Upstream: "http://a"},
		{ID: "b", Path: "/v1/users/{uid}", Methods: []string{"POST"}, Upstream: "http://b"},
	})
	if err != nil {
		t.Fatalf("disjoint methods rejected: %v", err)
	}

	// Same pattern, different priority: fine.
	_, err = New([]config.RouteConfig{
		{ID: "a", Path: "/v1/users/{id}", Methods: []string{"GET"}, Upstream: "http://a", Priority: 1},
		{ID: "b", Path: "/v1/users/{uid}", Methods: []string{"GET"}, Upstream: "http://b"},
	})
	if err != nil {
		t.Fatalf("distinct priorities rejected: %v", err)
	}
}
