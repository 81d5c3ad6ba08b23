package router

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segCapture
	segWildcard
)

type segment struct {
	kind    segmentKind
	literal string // segLiteral
	name    string // segCapture, segWildcard
}

// CompiledPattern is the deterministic matcher derived from a route path at
// startup. Specificity ranks literal segments above captures above the
// wildcard tail; longer patterns win ties.
type CompiledPattern struct {
	raw         string
	segments    []segment
	paramNames  []string
	specificity int
}

// Compile parses a route path into a CompiledPattern. The grammar is
// /-separated segments: a literal, a capture {name}, or a greedy tail
// wildcard written * (anonymous) or {name*} as the final segment.
func Compile(path string) (*CompiledPattern, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", path)
	}

	p := &CompiledPattern{raw: path}
	raw := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if path == "/" {
		raw = nil
	}

	seen := make(map[string]bool)
	for i, s := range raw {
		last := i == len(raw)-1
		switch {
		case s == "*" || (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "*}")):
			if !last {
				return nil, fmt.Errorf("pattern %q: wildcard must be the final segment", path)
			}
			name := "rest"
			if s != "*" {
				name = s[1 : len(s)-2]
			}
			if name == "" || seen[name] {
				return nil, fmt.Errorf("pattern %q: invalid wildcard name %q", path, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segWildcard, name: name})
			p.paramNames = append(p.paramNames, name)
			p.specificity += 1
		case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
			name := s[1 : len(s)-1]
			if name == "" || strings.ContainsAny(name, "{}*") || seen[name] {
				return nil, fmt.Errorf("pattern %q: invalid capture %q", path, s)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segCapture, name: name})
			p.paramNames = append(p.paramNames, name)
			p.specificity += 10
		case s == "":
			return nil, fmt.Errorf("pattern %q: empty segment", path)
		case strings.ContainsAny(s, "{}"):
			return nil, fmt.Errorf("pattern %q: malformed segment %q", path, s)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: s})
			p.specificity += 100
		}
	}
	return p, nil
}

// String returns the original pattern text.
func (p *CompiledPattern) String() string { return p.raw }

// Specificity is the ordering score: literals outrank captures outrank the
// wildcard, and longer patterns outrank shorter ones at equal shape.
func (p *CompiledPattern) Specificity() int { return p.specificity }

// Match attempts to match a normalized path. On success it returns the
// captured parameters (nil when the pattern declares none).
func (p *CompiledPattern) Match(path string) (map[string]string, bool) {
	rest := strings.TrimPrefix(path, "/")
	if path == "/" {
		rest = ""
	}

	var params map[string]string
	bind := func(name, value string) {
		if params == nil {
			params = make(map[string]string, len(p.paramNames))
		}
		params[name] = value
	}

	for _, seg := range p.segments {
		if seg.kind == segWildcard {
			bind(seg.name, rest)
			return params, true
		}

		if rest == "" {
			return nil, false
		}
		var part string
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			part, rest = rest[:j], rest[j+1:]
		} else {
			part, rest = rest, ""
		}
		if part == "" {
			return nil, false
		}

		switch seg.kind {
		case segLiteral:
			if part != seg.literal {
				return nil, false
			}
		case segCapture:
			bind(seg.name, part)
		}
	}

	if rest != "" {
		return nil, false
	}
	return params, true
}

// SamePattern reports whether two patterns match the same set of paths,
// ignoring capture names. Used by the startup conflict check.
func (p *CompiledPattern) SamePattern(q *CompiledPattern) bool {
	if len(p.segments) != len(q.segments) {
		return false
	}
	for i := range p.segments {
		a, b := p.segments[i], q.segments[i]
		if a.kind != b.kind {
			return false
		}
		if a.kind == segLiteral && a.literal != b.literal {
			return false
		}
	}
	return true
}
