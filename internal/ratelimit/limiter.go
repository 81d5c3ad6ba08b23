package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
)

// Hooks lets the owner observe limiter outcomes without coupling this
// package to a metrics registry.
type Hooks struct {
	StoreUp func(up bool)
	Denied  func(rule string)
}

// Limiter evaluates rate-limit rules against the shared store. Per-route
// rules override the global default; routes with neither are unlimited.
type Limiter struct {
	store       Store
	defaultRule *config.RuleConfig
	failOpen    *bool
	hooks       Hooks
	log         *zap.Logger
	now         func() time.Time
}

func New(store Store, cfg *config.RateLimitConfig, hooks Hooks, log *zap.Logger) *Limiter {
	return &Limiter{
		store:       store,
		defaultRule: cfg.Default,
		failOpen:    cfg.FailOpen,
		hooks:       hooks,
		log:         log,
		now:         time.Now,
	}
}

// RuleFor returns the effective rule for a route, or nil when the route is
// unlimited. When neither the rule nor the global policy states fail_open,
// public routes fail open and authenticated routes fail closed.
func (l *Limiter) RuleFor(route *config.RouteConfig) *config.RuleConfig {
	rule := l.defaultRule
	if route != nil && route.RateLimit != nil {
		rule = route.RateLimit
	}
	if rule == nil || rule.FailOpen != nil || l.failOpen != nil {
		return rule
	}
	eff := *rule
	open := route == nil || !route.AuthRequired
	eff.FailOpen = &open
	return &eff
}

// BuildKey expands the rule's key template. {route} is the route id, never
// the raw path; {user} falls back to the client IP for anonymous callers.
func BuildKey(template, routeID, clientIP string, p *reqctx.Principal) string {
	user := clientIP
	if p != nil && p.UserID != "" {
		user = p.UserID
	}
	r := strings.NewReplacer(
		"{route}", routeID,
		"{ip}", clientIP,
		"{user}", user,
	)
	return r.Replace(template)
}

// Allow evaluates the rule and returns the decision. A store failure falls
// back to the rule's fail_open policy; the decision then carries no counters.
func (l *Limiter) Allow(ctx context.Context, rule *config.RuleConfig, routeID, clientIP string, p *reqctx.Principal) (*reqctx.RateDecision, error) {
	if rule == nil {
		return &reqctx.RateDecision{Allowed: true}, nil
	}

	key := BuildKey(rule.Key, routeID, clientIP, p)
	now := l.now()

	var d *reqctx.RateDecision
	var err error
	switch rule.Algorithm {
	case "fixed_window":
		d, err = l.fixedWindow(ctx, key, rule, now)
	case "sliding_window":
		d, err = l.slidingWindow(ctx, key, rule, now)
	default:
		d, err = l.tokenBucket(ctx, key, rule, now)
	}

	if err != nil {
		open := false
		if l.failOpen != nil {
			open = *l.failOpen
		}
		if rule.FailOpen != nil {
			open = *rule.FailOpen
		}
		l.log.Error("rate limit store unavailable",
			zap.String("key", key),
			zap.Bool("fail_open", open),
			zap.Error(err))
		if l.hooks.StoreUp != nil {
			l.hooks.StoreUp(false)
		}
		if open {
			return &reqctx.RateDecision{Key: key, Allowed: true}, nil
		}
		return &reqctx.RateDecision{Key: key, Allowed: false},
			errors.ErrServiceUnavailable.Wrap(err)
	}
	if l.hooks.StoreUp != nil {
		l.hooks.StoreUp(true)
	}
	if !d.Allowed && l.hooks.Denied != nil {
		l.hooks.Denied(routeID)
	}
	return d, nil
}

func (l *Limiter) tokenBucket(ctx context.Context, key string, rule *config.RuleConfig, now time.Time) (*reqctx.RateDecision, error) {
	allowed, remaining, err := l.store.TokenBucketConsume(ctx, key, rule.Capacity, rule.RefillRate, now)
	if err != nil {
		return nil, err
	}
	d := &reqctx.RateDecision{
		Key:       key,
		Allowed:   allowed,
		Limit:     int64(rule.Capacity),
		Remaining: int64(math.Floor(remaining)),
	}
	if remaining < 1 {
		if rule.RefillRate > 0 {
			d.Reset = time.Duration((1 - remaining) / rule.RefillRate * float64(time.Second))
		} else {
			d.Reset = time.Second
		}
	}
	return d, nil
}

func (l *Limiter) fixedWindow(ctx context.Context, key string, rule *config.RuleConfig, now time.Time) (*reqctx.RateDecision, error) {
	curr, _, err := l.store.WindowIncrement(ctx, key, rule.Window, now)
	if err != nil {
		return nil, err
	}
	remaining := rule.Limit - curr
	if remaining < 0 {
		remaining = 0
	}
	return &reqctx.RateDecision{
		Key:       key,
		Allowed:   curr <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		Reset:     windowRemaining(now, rule.Window),
	}, nil
}

func (l *Limiter) slidingWindow(ctx context.Context, key string, rule *config.RuleConfig, now time.Time) (*reqctx.RateDecision, error) {
	curr, prev, err := l.store.WindowIncrement(ctx, key, rule.Window, now)
	if err != nil {
		return nil, err
	}
	elapsed := float64(int64(rule.Window)-int64(windowRemaining(now, rule.Window))) / float64(rule.Window)
	estimate := float64(prev)*(1-elapsed) + float64(curr)

	remaining := rule.Limit - int64(math.Ceil(estimate))
	if remaining < 0 {
		remaining = 0
	}
	return &reqctx.RateDecision{
		Key:       key,
		Allowed:   estimate <= float64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: remaining,
		Reset:     windowRemaining(now, rule.Window),
	}, nil
}

// SetHeaders writes the X-RateLimit trio. Denials additionally get
// Retry-After through the error path.
func SetHeaders(h http.Header, d *reqctx.RateDecision) {
	if d == nil || d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(d.Reset.Seconds())), 10))
}

// RetryAfterSeconds converts the decision's reset into a Retry-After value,
// floored at one second.
func RetryAfterSeconds(d *reqctx.RateDecision) int {
	s := int(math.Ceil(d.Reset.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
