package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
)

// Route is one compiled entry of the route table.
type Route struct {
	Config  *config.RouteConfig
	Pattern *CompiledPattern
	methods map[string]bool
}

// Allows reports whether the route accepts the method. An empty method list
// in config means all methods.
func (r *Route) Allows(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	return r.methods[method]
}

// Methods returns the configured method list in sorted order.
func (r *Route) Methods() []string {
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Router resolves (method, path) against the compiled route table. The table
// is built once at startup and read-only afterwards.
type Router struct {
	routes []*Route
}

// New compiles the configured routes and sorts them by priority, then
// specificity, then configuration order. It rejects tables where two routes
// of equal priority share a pattern and overlap in methods.
func New(routes []config.RouteConfig) (*Router, error) {
	rt := &Router{routes: make([]*Route, 0, len(routes))}
	for i := range routes {
		rc := &routes[i]
		pat, err := Compile(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		methods := make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			methods[strings.ToUpper(m)] = true
		}
		rt.routes = append(rt.routes, &Route{Config: rc, Pattern: pat, methods: methods})
	}

	if err := rt.checkConflicts(); err != nil {
		return nil, err
	}

	sort.SliceStable(rt.routes, func(i, j int) bool {
		a, b := rt.routes[i], rt.routes[j]
		if a.Config.Priority != b.Config.Priority {
			return a.Config.Priority > b.Config.Priority
		}
		return a.Pattern.Specificity() > b.Pattern.Specificity()
	})
	return rt, nil
}

func (rt *Router) checkConflicts() error {
	for i := 0; i < len(rt.routes); i++ {
		for j := i + 1; j < len(rt.routes); j++ {
			a, b := rt.routes[i], rt.routes[j]
			if a.Config.Priority != b.Config.Priority {
				continue
			}
			if !a.Pattern.SamePattern(b.Pattern) {
				continue
			}
			if methodsOverlap(a, b) {
				return fmt.Errorf("routes %s and %s: same pattern %s with overlapping methods at equal priority",
					a.Config.ID, b.Config.ID, a.Pattern)
			}
		}
	}
	return nil
}

func methodsOverlap(a, b *Route) bool {
	if len(a.methods) == 0 || len(b.methods) == 0 {
		return true
	}
	for m := range a.methods {
		if b.methods[m] {
			return true
		}
	}
	return false
}

// Match resolves a request. The path must already be normalized. Returns the
// route and captured params, or a GatewayError: not_found, method_not_allowed
// with the Allow union, or bad_request for hostile captured values.
func (rt *Router) Match(method, path string) (*Route, map[string]string, error) {
	var allow map[string]bool

	for _, r := range rt.routes {
		params, ok := r.Pattern.Match(path)
		if !ok {
			continue
		}
		if !r.Allows(method) {
			if allow == nil {
				allow = make(map[string]bool)
			}
			for m := range r.methods {
				allow[m] = true
			}
			continue
		}
		if err := validateParams(params); err != nil {
			return nil, nil, err
		}
		return r, params, nil
	}

	if allow != nil {
		union := make([]string, 0, len(allow))
		for m := range allow {
			union = append(union, m)
		}
		sort.Strings(union)
		return nil, nil, errors.ErrMethodNotAllowed.WithAllow(union)
	}
	return nil, nil, errors.ErrNotFound
}

// validateParams rejects captured values that could smuggle traversal or
// header tricks past the gateway: control characters, and any `..` segment
// once residual percent-encoding is decoded.
func validateParams(params map[string]string) error {
	for _, v := range params {
		decoded := decodeAll(v)
		for i := 0; i < len(decoded); i++ {
			if decoded[i] < 0x20 {
				return errors.ErrBadRequest
			}
		}
		if hasDotDotSegment(decoded) {
			return errors.ErrBadRequest
		}
	}
	return nil
}

func hasDotDotSegment(decoded string) bool {
	for decoded != "" {
		var seg string
		if i := strings.IndexByte(decoded, '/'); i >= 0 {
			seg, decoded = decoded[:i], decoded[i+1:]
		} else {
			seg, decoded = decoded, ""
		}
		if seg == ".." {
			return true
		}
	}
	return false
}

// decodeAll resolves every remaining percent escape, including reserved
// octets that Normalize deliberately left encoded.
func decodeAll(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
