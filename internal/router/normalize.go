package router

import "strings"

// isUnreserved reports whether b is an RFC 3986 unreserved octet. Only these
// are percent-decoded during normalization; reserved octets such as %2F keep
// their encoded form so they cannot change the segment structure.
func isUnreserved(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '.' || b == '_' || b == '~':
		return true
	}
	return false
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Normalize canonicalizes a request path: percent-decodes unreserved octets,
// collapses repeated slashes, and strips a single trailing slash (never the
// root). Case is preserved. Normalize is idempotent.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}

	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '%' && i+2 < len(path) {
			hi, ok1 := hexVal(path[i+1])
			lo, ok2 := hexVal(path[i+2])
			if ok1 && ok2 {
				if dec := hi<<4 | lo; isUnreserved(dec) {
					b.WriteByte(dec)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(c)
	}
	s := b.String()

	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}

	if len(s) > 1 && strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}
