package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
	"github.com/passage-io/passage/internal/retry"
)

// Hooks lets the owner count upstream failures without coupling this
// package to a metrics registry.
type Hooks struct {
	UpstreamError func(kind string)
}

// Proxy forwards requests to configured upstreams: header rewriting, body
// streaming with a size cap, deadlines, bounded retries for idempotent
// methods, and response pass-through.
type Proxy struct {
	pool      *Pool
	upstreams map[string]*url.URL
	policies  map[string]*retry.Policy
	cfg       *config.Config
	hooks     Hooks
	log       *zap.Logger
}

// New parses every route's upstream once. Config validation already
// guaranteed the URLs parse; an error here means the config was mutated.
func New(cfg *config.Config, pool *Pool, hooks Hooks, log *zap.Logger) (*Proxy, error) {
	p := &Proxy{
		pool:      pool,
		upstreams: make(map[string]*url.URL, len(cfg.Routes)),
		policies:  make(map[string]*retry.Policy, len(cfg.Routes)),
		cfg:       cfg,
		hooks:     hooks,
		log:       log,
	}
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		p.upstreams[rc.ID] = u
		p.policies[rc.ID] = retry.New(rc.Retry)
	}
	return p, nil
}

// errBodyTooLarge marks a request body that crossed the configured cap
// while streaming.
var errBodyTooLarge = stderrors.New("request body exceeds limit")

// cappedReader counts bytes as they stream and fails once past the limit.
type cappedReader struct {
	r     io.Reader
	left  int64
	burst bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		c.burst = true
		return n, errBodyTooLarge
	}
	return n, err
}

func (c *cappedReader) Close() error {
	if rc, ok := c.r.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}

// Forward proxies the request to the route's upstream. Errors returned are
// GatewayErrors ready for the error responder; once response headers have
// been written a failure aborts the connection instead.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route *config.RouteConfig, params map[string]string) error {
	rc := reqctx.FromRequest(r)
	correlationID := ""
	clientIP := reqctx.ClientIP(r)
	if rc != nil {
		correlationID = rc.CorrelationID
		clientIP = rc.ClientIP
	}

	timeouts := p.effectiveTimeouts(route)
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Overall)
	defer cancel()

	target := p.buildTarget(route, params, r.URL)

	outHeader := r.Header.Clone()
	if err := validateHeaders(outHeader); err != nil {
		return err
	}
	removeHopHeaders(outHeader)
	if !route.PassSession {
		stripSessionCookie(outHeader, p.cfg.Session.CookieName)
	}
	proto := "http"
	if r.TLS != nil || p.cfg.Server.TLS.Enabled {
		proto = "https"
	}
	// The appended XFF hop is the directly connected peer; clientIP may
	// already be an earlier hop taken from the inbound XFF chain.
	peer := clientIP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	appendForwarded(outHeader, peer, proto, correlationID)

	var body io.ReadCloser = r.Body
	var capped *cappedReader
	if r.Body != nil && r.Body != http.NoBody && p.cfg.Server.RequestBodyMax > 0 {
		capped = &cappedReader{r: r.Body, left: p.cfg.Server.RequestBodyMax}
		body = capped
	}

	transport := p.pool.For(target.Host, timeouts.Connect, timeouts.Read)
	policy := p.policies[route.ID]
	retryable := r.Body == nil || r.Body == http.NoBody

	start := time.Now()
	p.pool.Acquire()
	defer p.pool.Release()

	var resp *http.Response
	var err error
	backoffSchedule := policy.NewBackOff()
	for attempt := 1; ; attempt++ {
		outReq, buildErr := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
		if buildErr != nil {
			return errors.ErrInternal.Wrap(buildErr)
		}
		outReq.Header = outHeader
		outReq.Host = target.Host
		outReq.ContentLength = r.ContentLength

		resp, err = transport.RoundTrip(outReq)
		if err == nil {
			break
		}
		if !retryable || !policy.Retryable(r.Method, attempt) || ctx.Err() != nil {
			if rc != nil {
				rc.UpstreamDuration = time.Since(start)
			}
			return p.classifyError(err, route, correlationID, capped)
		}
		wait := backoffSchedule.NextBackOff()
		p.log.Warn("upstream attempt failed, retrying",
			zap.String("correlation_id", correlationID),
			zap.String("route_id", route.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return p.classifyError(ctx.Err(), route, correlationID, capped)
		case <-time.After(wait):
		}
	}
	defer resp.Body.Close()
	if rc != nil {
		rc.UpstreamDuration = time.Since(start)
	}

	removeHopHeaders(resp.Header)
	// Append rather than assign: headers the gateway already wrote, such as
	// a refreshed session cookie, must survive the upstream's own values.
	dst := w.Header()
	for name, vals := range resp.Header {
		dst[name] = append(dst[name], vals...)
	}
	applySecurityHeaders(dst, &route.Security, p.cfg.Server.TLS.Enabled)
	if correlationID != "" {
		dst.Set("X-Request-ID", correlationID)
	}
	w.WriteHeader(resp.StatusCode)
	if rc != nil {
		rc.Status = resp.StatusCode
	}

	// Cancel the upstream read if the gap between body chunks exceeds the
	// read timeout; past this point a failure must not produce a second
	// status line.
	watched := &watchdogReader{r: resp.Body, timeout: timeouts.Read, cancel: cancel}
	defer watched.stop()

	n, copyErr := io.Copy(w, watched)
	if rc != nil {
		rc.BytesSent = n
	}
	if copyErr != nil {
		p.log.Warn("upstream body interrupted",
			zap.String("correlation_id", correlationID),
			zap.String("route_id", route.ID),
			zap.Int64("bytes_sent", n),
			zap.Error(copyErr))
		if p.hooks.UpstreamError != nil {
			p.hooks.UpstreamError("reset")
		}
		panic(http.ErrAbortHandler)
	}
	return nil
}

// classifyError maps a transport failure to the client-facing taxonomy.
func (p *Proxy) classifyError(err error, route *config.RouteConfig, correlationID string, capped *cappedReader) error {
	kind := "connect"
	var ge *errors.GatewayError
	var netErr net.Error
	switch {
	case capped != nil && capped.burst:
		kind = "body_too_large"
		ge = errors.ErrPayloadTooLarge
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.As(err, &netErr) && netErr.Timeout():
		kind = "timeout"
		ge = errors.ErrGatewayTimeout.Wrap(err)
	default:
		ge = errors.ErrBadGateway.Wrap(err)
	}
	if p.hooks.UpstreamError != nil {
		p.hooks.UpstreamError(kind)
	}
	p.log.Error("upstream request failed",
		zap.String("correlation_id", correlationID),
		zap.String("route_id", route.ID),
		zap.String("kind", kind),
		zap.Error(err))
	return ge
}

// effectiveTimeouts merges route overrides onto the global upstream
// deadlines.
func (p *Proxy) effectiveTimeouts(route *config.RouteConfig) config.TimeoutConfig {
	t := p.cfg.Upstream.Timeouts
	if route.Timeouts.Connect > 0 {
		t.Connect = route.Timeouts.Connect
	}
	if route.Timeouts.Read > 0 {
		t.Read = route.Timeouts.Read
	}
	if route.Timeouts.Overall > 0 {
		t.Overall = route.Timeouts.Overall
	}
	return t
}

// buildTarget computes the outbound URL. Upstream paths may carry {name}
// placeholders filled from validated route params; otherwise the request
// path is joined onto the upstream base. The query string passes through
// untouched.
func (p *Proxy) buildTarget(route *config.RouteConfig, params map[string]string, reqURL *url.URL) *url.URL {
	base := p.upstreams[route.ID]
	target := *base

	if strings.Contains(base.Path, "{") {
		path := base.Path
		for name, value := range params {
			path = strings.ReplaceAll(path, "{"+name+"}", value)
		}
		target.Path = path
	} else {
		target.Path = singleJoiningSlash(base.Path, reqURL.Path)
	}
	target.RawQuery = reqURL.RawQuery
	return &target
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// watchdogReader cancels the upstream context when a single Read stalls
// longer than the timeout.
type watchdogReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
}

func (wr *watchdogReader) Read(p []byte) (int, error) {
	if wr.timeout > 0 {
		if wr.timer == nil {
			wr.timer = time.AfterFunc(wr.timeout, wr.cancel)
		} else {
			wr.timer.Reset(wr.timeout)
		}
	}
	n, err := wr.r.Read(p)
	if wr.timer != nil {
		wr.timer.Stop()
	}
	return n, err
}

func (wr *watchdogReader) stop() {
	if wr.timer != nil {
		wr.timer.Stop()
	}
}
