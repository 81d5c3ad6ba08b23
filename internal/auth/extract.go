package auth

import (
	"net/http"
	"strings"
)

// TokenSource records where a token came from, for logging and for deciding
// whether a refresh can set a cookie.
type TokenSource int

const (
	SourceNone TokenSource = iota
	SourceCookie
	SourceBearer
)

func (s TokenSource) String() string {
	switch s {
	case SourceCookie:
		return "cookie"
	case SourceBearer:
		return "bearer"
	}
	return "none"
}

// ExtractToken pulls the raw session token from the request. The cookie wins
// over the Authorization header when both are present.
func ExtractToken(r *http.Request, cookieName string) (string, TokenSource) {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value, SourceCookie
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			if tok := strings.TrimSpace(h[7:]); tok != "" {
				return tok, SourceBearer
			}
		}
	}
	return "", SourceNone
}

// IsSignedShape reports whether a token looks like a signed token: three
// non-empty dot-separated segments. Used when token_kind is "auto".
func IsSignedShape(token string) bool {
	first := strings.IndexByte(token, '.')
	if first <= 0 {
		return false
	}
	second := strings.IndexByte(token[first+1:], '.')
	if second <= 0 {
		return false
	}
	rest := token[first+1+second+1:]
	return rest != "" && !strings.ContainsRune(rest, '.')
}
