package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
)

// hopHeaders are transport-level headers that must not cross the proxy in
// either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips the fixed hop-by-hop set plus anything the
// Connection header names.
func removeHopHeaders(h http.Header) {
	for _, c := range h.Values("Connection") {
		for _, name := range strings.Split(c, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// validateHeaders rejects header names or values carrying CR or LF. The
// transport would refuse them too, but rejecting here yields a clean 400
// instead of an opaque upstream failure.
func validateHeaders(h http.Header) error {
	for name, vals := range h {
		if strings.ContainsAny(name, "\r\n") {
			return errors.ErrBadRequest
		}
		for _, v := range vals {
			if strings.ContainsAny(v, "\r\n") {
				return errors.ErrBadRequest
			}
		}
	}
	return nil
}

// stripSessionCookie removes the gateway's session cookie from the Cookie
// header, preserving all other cookies.
func stripSessionCookie(h http.Header, cookieName string) {
	raw := h.Values("Cookie")
	if len(raw) == 0 {
		return
	}
	var kept []string
	for _, line := range raw {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name := part
			if i := strings.IndexByte(part, '='); i >= 0 {
				name = part[:i]
			}
			if name != cookieName {
				kept = append(kept, part)
			}
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

// appendForwarded adds the standard forwarding headers. X-Forwarded-For is
// appended, never replaced.
func appendForwarded(h http.Header, clientIP, proto, correlationID string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Request-ID", correlationID)
}

// applySecurityHeaders adds gateway-owned response headers, never
// overriding values the upstream already supplied.
func applySecurityHeaders(h http.Header, sec *config.SecurityHeaders, tls bool) {
	if sec == nil || !sec.Enabled {
		return
	}
	setIfAbsent := func(name, value string) {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
	setIfAbsent("X-Content-Type-Options", "nosniff")
	setIfAbsent("X-Frame-Options", "DENY")
	setIfAbsent("Referrer-Policy", "strict-origin-when-cross-origin")
	if sec.ContentSecurityPolicy != "" {
		setIfAbsent("Content-Security-Policy", sec.ContentSecurityPolicy)
	}
	if tls && sec.HSTSMaxAge > 0 {
		setIfAbsent("Strict-Transport-Security", "max-age="+strconv.Itoa(sec.HSTSMaxAge))
	}
}
