package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAndExposition(t *testing.T) {
	m := New(func() int64 { return 3 })
	m.ObserveRequest("ping", "GET", 200, 12*time.Millisecond, 8*time.Millisecond)
	m.ObserveRequest("", "GET", 404, time.Millisecond, 0)
	m.AuthFailures.WithLabelValues("invalid_token").Inc()
	m.SetStoreUp("session", true)
	m.SetStoreUp("ratelimit", false)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()

	for _, want := range []string{
		`passage_requests_total{method="GET",route="ping",status="200"} 1`,
		`passage_requests_total{method="GET",route="unmatched",status="404"} 1`,
		`passage_auth_failures_total{reason="invalid_token"} 1`,
		`passage_store_up{store="session"} 1`,
		`passage_store_up{store="ratelimit"} 0`,
		`passage_upstream_pool_in_use 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.RequestsTotal.WithLabelValues("r", "GET", "200").Inc()

	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(w.Body.String(), `route="r"`) {
		t.Error("registries shared state")
	}
}
