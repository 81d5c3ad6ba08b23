package logging

import (
	"net/http"
	"net/textproto"
)

// DefaultRedactedHeaders are always redacted from logs unless the config
// overrides the list.
var DefaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"X-API-Key",
	"Proxy-Authorization",
}

// Redactor rewrites sensitive header values before they reach a log sink.
type Redactor struct {
	names map[string]bool
}

// NewRedactor builds a Redactor for the given header names. An empty list
// falls back to DefaultRedactedHeaders.
func NewRedactor(names []string) *Redactor {
	if len(names) == 0 {
		names = DefaultRedactedHeaders
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[textproto.CanonicalMIMEHeaderKey(n)] = true
	}
	return &Redactor{names: m}
}

// Redacted returns true if the header name is on the redaction list.
func (r *Redactor) Redacted(name string) bool {
	return r.names[textproto.CanonicalMIMEHeaderKey(name)]
}

// Headers returns a loggable copy of h with redacted values replaced.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		if len(vals) == 0 {
			continue
		}
		if r.names[name] {
			out[name] = "[REDACTED]"
		} else {
			out[name] = vals[0]
		}
	}
	return out
}
