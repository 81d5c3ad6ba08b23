// Package retry decides whether and when a failed upstream attempt may be
// repeated.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/passage-io/passage/internal/config"
)

var idempotent = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
}

// Idempotent reports whether the method is safe to retry. POST and PATCH
// never are, regardless of configuration.
func Idempotent(method string) bool {
	return idempotent[method]
}

// Policy is the per-route retry configuration with its backoff schedule.
type Policy struct {
	cfg config.RetryConfig
}

func New(cfg config.RetryConfig) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts is the total number of tries including the first.
func (p *Policy) MaxAttempts() int {
	if !p.cfg.Enabled {
		return 1
	}
	return p.cfg.MaxAttempts
}

// Retryable reports whether another attempt is permitted after attempt
// failures of a request with the given method. Only pre-response failures
// qualify; the caller enforces that.
func (p *Policy) Retryable(method string, attempt int) bool {
	return p.cfg.Enabled && Idempotent(method) && attempt < p.cfg.MaxAttempts
}

// NewBackOff returns a fresh schedule for one request: exponential growth
// with jitter, bounded by the configured maximum interval.
func (p *Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
