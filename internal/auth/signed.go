package auth

import (
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
)

// Claims is the signed-token payload. Verification is HMAC-SHA256; the jwt
// library performs the constant-time signature comparison.
type Claims struct {
	Roles             []string `json:"roles,omitempty"`
	Permissions       []string `json:"permissions,omitempty"`
	SessionID         string   `json:"sid"`
	BoundIP           string   `json:"bip,omitempty"`
	DeviceFingerprint string   `json:"dfp,omitempty"`
	jwt.RegisteredClaims
}

// Signer verifies and mints signed tokens with a shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Verify parses and validates a signed token. Error mapping follows the
// check order: malformed and bad-signature tokens are invalid_token, a
// premature nbf is invalid_token, a past exp is token_expired.
func (s *Signer) Verify(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case stderrors.Is(err, jwt.ErrTokenExpired):
			return nil, errors.ErrTokenExpired.Wrap(err)
		case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.ErrInvalidToken.Wrap(jwt.ErrSignatureInvalid)
		default:
			return nil, errors.ErrInvalidToken.Wrap(err)
		}
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.ErrInvalidToken
	}
	return claims, nil
}

// Sign mints a token for the claims.
func (s *Signer) Sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// SignatureFailure reports whether err came from a signature mismatch rather
// than a structural or temporal problem. These are logged as security events.
func SignatureFailure(err error) bool {
	return stderrors.Is(err, jwt.ErrSignatureInvalid)
}

// principalFromClaims converts verified claims into a Principal.
func principalFromClaims(c *Claims) *reqctx.Principal {
	p := &reqctx.Principal{
		UserID:      c.Subject,
		SessionID:   c.SessionID,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		BoundIP:     c.BoundIP,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}
