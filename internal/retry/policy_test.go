package retry

import (
	"testing"
	"time"

	"github.com/passage-io/passage/internal/config"
)

func TestIdempotent(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS"} {
		if !Idempotent(m) {
			t.Errorf("%s not idempotent", m)
		}
	}
	for _, m := range []string{"POST", "PATCH", "CONNECT"} {
		if Idempotent(m) {
			t.Errorf("%s reported idempotent", m)
		}
	}
}

func TestRetryable(t *testing.T) {
	p := New(config.RetryConfig{Enabled: true, MaxAttempts: 3})

	if !p.Retryable("GET", 1) || !p.Retryable("GET", 2) {
		t.Error("GET within budget not retryable")
	}
	if p.Retryable("GET", 3) {
		t.Error("attempt budget exceeded but still retryable")
	}
	if p.Retryable("POST", 1) {
		t.Error("POST retryable")
	}

	off := New(config.RetryConfig{Enabled: false, MaxAttempts: 3})
	if off.Retryable("GET", 1) {
		t.Error("disabled policy retryable")
	}
	if off.MaxAttempts() != 1 {
		t.Errorf("disabled MaxAttempts = %d, want 1", off.MaxAttempts())
	}
}

func TestBackOffBounds(t *testing.T) {
	p := New(config.RetryConfig{
		Enabled:        true,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	b := p.NewBackOff()
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		if d < 0 {
			t.Fatalf("backoff stopped at attempt %d", i)
		}
		// Jitter may push past MaxInterval by the randomization factor.
		if d > 2*50*time.Millisecond {
			t.Fatalf("backoff %v far past the cap", d)
		}
	}
}
