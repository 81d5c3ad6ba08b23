package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Principal is the validated caller identity attached after authentication.
type Principal struct {
	UserID      string
	SessionID   string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	BoundIP     string
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds the given permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, q := range p.Permissions {
		if q == perm {
			return true
		}
	}
	return false
}

// RateDecision records the rate limiter's verdict for the request.
type RateDecision struct {
	Key       string
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Duration
}

// Context is the per-request record threaded through every pipeline stage.
// The correlation id is set before any stage runs and never changes; all
// other fields are append-only until the response is emitted.
type Context struct {
	CorrelationID string
	Start         time.Time
	ClientIP      string

	NormalizedPath string
	RouteID        string
	PathParams     map[string]string

	Principal *Principal
	RateLimit *RateDecision

	UpstreamDuration time.Duration
	Status           int
	BytesSent        int64
}

var pool = sync.Pool{
	New: func() any { return &Context{} },
}

// ctxKey keys the *Context inside a request context.
type ctxKey struct{}

// Acquire creates a pooled Context for the request and returns the request
// with the context attached.
func Acquire(r *http.Request) (*http.Request, *Context) {
	c := pool.Get().(*Context)
	c.Start = time.Now()
	c.ClientIP = ClientIP(r)
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, c)), c
}

// Release resets and returns a Context to the pool. The caller must not touch
// it afterwards.
func Release(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	pool.Put(c)
}

// FromRequest returns the Context stored in the request, or nil.
func FromRequest(r *http.Request) *Context {
	c, _ := r.Context().Value(ctxKey{}).(*Context)
	return c
}

// ClientIP extracts the client address: first X-Forwarded-For entry,
// then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
