package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/passage-io/passage/internal/auth"
	"github.com/passage-io/passage/internal/authz"
	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/logging"
	"github.com/passage-io/passage/internal/metrics"
	"github.com/passage-io/passage/internal/middleware"
	"github.com/passage-io/passage/internal/proxy"
	"github.com/passage-io/passage/internal/ratelimit"
	"github.com/passage-io/passage/internal/reqctx"
	"github.com/passage-io/passage/internal/router"
	"github.com/passage-io/passage/internal/session"
)

// Gateway wires the route table, stores, validator, limiter, and proxy into
// one request pipeline.
type Gateway struct {
	cfg        *config.Config
	log        *zap.Logger
	router     *router.Router
	validator  *auth.Validator
	refresher  *auth.Refresher
	authorizer *authz.Authorizer
	limiter    *ratelimit.Limiter
	proxy      *proxy.Proxy
	pool       *proxy.Pool
	metrics    *metrics.Metrics
	sessions   session.Store
	rateStore  ratelimit.Store
	admission  *semaphore.Weighted
}

// New builds a Gateway from validated configuration.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	rt, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	var sessions session.Store
	var rateStore ratelimit.Store
	switch cfg.Stores.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Stores.RedisAddress,
			DB:       cfg.Stores.RedisDB,
			Password: cfg.Stores.RedisPassword,
		})
		sessions = session.NewRedisStore(client, cfg.Stores.SessionPrefix)
		rateStore = ratelimit.NewRedisStore(client, cfg.Stores.RatePrefix)
	default:
		sessions = session.NewMemoryStore()
		rateStore = ratelimit.NewLocalStore()
	}

	var signer *auth.Signer
	if cfg.Session.SigningSecret != "" {
		signer = auth.NewSigner([]byte(cfg.Session.SigningSecret))
	}

	pool := proxy.NewPool(cfg.Upstream.Pool)
	m := metrics.New(pool.InUse)

	limiter := ratelimit.New(rateStore, &cfg.RateLimit, ratelimit.Hooks{
		StoreUp: func(up bool) { m.SetStoreUp("ratelimit", up) },
		Denied:  func(rule string) { m.RateLimitDenials.WithLabelValues(rule).Inc() },
	}, log)

	px, err := proxy.New(cfg, pool, proxy.Hooks{
		UpstreamError: func(kind string) { m.UpstreamErrors.WithLabelValues(kind).Inc() },
	}, log)
	if err != nil {
		return nil, err
	}

	secure := cfg.Session.SecureCookies(cfg.Server.TLS.Enabled)
	return &Gateway{
		cfg:        cfg,
		log:        log,
		router:     rt,
		validator:  auth.NewValidator(&cfg.Session, sessions, signer, log),
		refresher:  auth.NewRefresher(&cfg.Session, sessions, signer, secure, log),
		authorizer: authz.New(cfg.Session.AdminRoles, log),
		limiter:    limiter,
		proxy:      px,
		pool:       pool,
		metrics:    m,
		sessions:   sessions,
		rateStore:  rateStore,
		admission:  semaphore.NewWeighted(cfg.Server.MaxInFlight),
	}, nil
}

// Sessions exposes the session store for health probing.
func (g *Gateway) Sessions() session.Store { return g.sessions }

// RateStore exposes the rate-limit store for health probing.
func (g *Gateway) RateStore() ratelimit.Store { return g.rateStore }

// Metrics exposes the metrics bundle for the admin listener.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Handler assembles the pipeline: correlation, recovery, access log, then
// the route-driven stages.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewChain(
		middleware.RequestID(),
		g.observe(),
		middleware.Recovery(g.log),
		middleware.AccessLog(g.log, logging.NewRedactor(g.cfg.Log.RedactHeaders)),
	).Then(http.HandlerFunc(g.handle))
}

// observe maintains the in-flight gauge and records the request series after
// every other stage has finished.
func (g *Gateway) observe() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.metrics.InFlight.Inc()
			start := time.Now()
			defer func() {
				g.metrics.InFlight.Dec()
				rc := reqctx.FromRequest(r)
				if rc == nil {
					return
				}
				g.metrics.ObserveRequest(rc.RouteID, r.Method, rc.Status, time.Since(start), rc.UpstreamDuration)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// handle runs route-resolve, auth, authorize, rate-limit, and proxy in the
// fixed order. Any stage may short-circuit with a GatewayError.
func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)

	if !g.admission.TryAcquire(1) {
		g.fail(w, rc, errors.ErrServiceUnavailable.WithRetryAfter(1))
		return
	}
	defer g.admission.Release(1)

	// EscapedPath keeps reserved octets encoded; Normalize only decodes the
	// unreserved ones, so an encoded slash cannot change segment structure.
	path := router.Normalize(r.URL.EscapedPath())
	rc.NormalizedPath = path
	route, params, err := g.router.Match(r.Method, path)
	if err != nil {
		g.fail(w, rc, err)
		return
	}
	rc.RouteID = route.Config.ID
	rc.PathParams = params

	token, source := auth.ExtractToken(r, g.cfg.Session.CookieName)
	if token == "" {
		if route.Config.AuthRequired {
			g.fail(w, rc, errors.ErrMissingToken)
			return
		}
	} else {
		principal, err := g.validator.Validate(r.Context(), token, rc.ClientIP)
		if err != nil {
			g.fail(w, rc, err)
			return
		}
		rc.Principal = principal
	}

	if err := g.authorizer.Authorize(rc.Principal, route.Config, rc.CorrelationID); err != nil {
		g.fail(w, rc, err)
		return
	}

	rule := g.limiter.RuleFor(route.Config)
	decision, err := g.limiter.Allow(r.Context(), rule, route.Config.ID, rc.ClientIP, rc.Principal)
	rc.RateLimit = decision
	ratelimit.SetHeaders(w.Header(), decision)
	if err != nil {
		g.fail(w, rc, err)
		return
	}
	if !decision.Allowed {
		g.fail(w, rc, errors.ErrRateLimited.WithRetryAfter(ratelimit.RetryAfterSeconds(decision)))
		return
	}

	if rc.Principal != nil && route.Config.Refreshable() && g.refresher.ShouldRefresh(rc.Principal) {
		signed := source != auth.SourceNone && auth.IsSignedShape(token)
		if err := g.refresher.Refresh(r.Context(), w, rc.Principal, token, signed); err != nil {
			g.log.Warn("session refresh failed",
				zap.String("correlation_id", rc.CorrelationID),
				zap.Error(err))
		}
	}

	if err := g.proxy.Forward(w, r, route.Config, params); err != nil {
		g.fail(w, rc, err)
	}
}

// fail renders a GatewayError and records it on the request context.
func (g *Gateway) fail(w http.ResponseWriter, rc *reqctx.Context, err error) {
	ge := errors.AsGatewayError(err)
	correlationID := ""
	if rc != nil {
		rc.Status = ge.Status
		correlationID = rc.CorrelationID
	}
	if ge.Status == http.StatusUnauthorized {
		g.metrics.AuthFailures.WithLabelValues(string(ge.Kind)).Inc()
	}
	ge.WriteJSON(w, correlationID)
}

// Close releases pooled resources.
func (g *Gateway) Close() {
	g.pool.CloseIdle()
	if ls, ok := g.rateStore.(*ratelimit.LocalStore); ok {
		ls.Close()
	}
}
