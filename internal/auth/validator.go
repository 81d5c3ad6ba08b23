package auth

import (
	"context"
	"crypto/sha256"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
	"github.com/passage-io/passage/internal/session"
)

const (
	cacheSize = 4096
	cacheTTL  = 30 * time.Second
)

// Validator turns raw tokens into Principals. Opaque tokens resolve against
// the session store; signed tokens verify locally with a short-lived cache.
type Validator struct {
	cfg    *config.SessionConfig
	store  session.Store
	signer *Signer
	cache  *lru.LRU[[32]byte, *reqctx.Principal]
	log    *zap.Logger
	now    func() time.Time
}

// NewValidator builds a Validator. signer may be nil when only opaque tokens
// are configured.
func NewValidator(cfg *config.SessionConfig, store session.Store, signer *Signer, log *zap.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		store:  store,
		signer: signer,
		cache:  lru.NewLRU[[32]byte, *reqctx.Principal](cacheSize, nil, cacheTTL),
		log:    log,
		now:    time.Now,
	}
}

// Validate checks a raw token against the configured token kind and returns
// the caller's Principal. clientIP is compared against the session's bound
// IP when binding is enabled.
func (v *Validator) Validate(ctx context.Context, token, clientIP string) (*reqctx.Principal, error) {
	if token == "" {
		return nil, errors.ErrMissingToken
	}
	switch v.cfg.TokenKind {
	case "opaque":
		return v.validateOpaque(ctx, token, clientIP)
	case "signed":
		return v.validateSigned(ctx, token, clientIP)
	default: // auto
		if IsSignedShape(token) {
			return v.validateSigned(ctx, token, clientIP)
		}
		return v.validateOpaque(ctx, token, clientIP)
	}
}

func (v *Validator) validateSigned(ctx context.Context, token, clientIP string) (*reqctx.Principal, error) {
	if v.signer == nil {
		return nil, errors.ErrInvalidToken
	}
	key := sha256.Sum256([]byte(token))

	p, cached := v.cache.Get(key)
	if !cached {
		claims, err := v.signer.Verify(token, v.now())
		if err != nil {
			if SignatureFailure(err) {
				v.log.Warn("security event",
					zap.String("event", "signature_mismatch"),
					zap.String("client_ip", clientIP))
			}
			return nil, err
		}
		p = principalFromClaims(claims)
		v.cache.Add(key, p)
	}

	if v.now().After(p.ExpiresAt) {
		v.cache.Remove(key)
		return nil, errors.ErrTokenExpired
	}

	// Revocation list check: a cached or freshly verified token is still
	// refused once its session id is on the list.
	if revoked, err := v.store.IsRevoked(ctx, p.SessionID); err != nil {
		v.log.Warn("revocation check failed", zap.Error(err))
	} else if revoked {
		v.cache.Remove(key)
		return nil, errors.ErrTokenRevoked
	}

	if v.cfg.BindIP && p.BoundIP != "" && p.BoundIP != clientIP {
		return nil, errors.ErrSessionMismatch
	}
	return p, nil
}

func (v *Validator) validateOpaque(ctx context.Context, token, clientIP string) (*reqctx.Principal, error) {
	now := v.now()
	rec, err := v.store.Get(ctx, token)
	if err != nil {
		return nil, errors.ErrServiceUnavailable.Wrap(err)
	}
	if rec == nil {
		return nil, errors.ErrInvalidToken
	}
	if rec.Revoked {
		return nil, errors.ErrTokenRevoked
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, errors.ErrTokenExpired
	}
	if v.cfg.BindIP && rec.BoundIP != "" && rec.BoundIP != clientIP {
		return nil, errors.ErrSessionMismatch
	}
	if v.cfg.IdleTTL > 0 && !rec.LastAccess.IsZero() && now.Sub(rec.LastAccess) > v.cfg.IdleTTL {
		return nil, errors.ErrSessionIdle
	}
	// Rotation fence: a session minted before the user's last privilege
	// change is stale even if otherwise valid.
	if !rec.RotatedAt.IsZero() && rec.CreatedAt.Before(rec.RotatedAt) {
		return nil, errors.ErrInvalidToken
	}

	v.touchAsync(token, now)

	return &reqctx.Principal{
		UserID:      rec.UserID,
		SessionID:   rec.ID,
		Roles:       rec.Roles,
		Permissions: rec.Permissions,
		IssuedAt:    rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		BoundIP:     rec.BoundIP,
	}, nil
}

// touchAsync updates last-access without blocking the request.
func (v *Validator) touchAsync(id string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := v.store.Touch(ctx, id, at); err != nil {
			v.log.Warn("session touch failed", zap.Error(err))
		}
	}()
}

// Invalidate drops a token from the principal cache.
func (v *Validator) Invalidate(token string) {
	v.cache.Remove(sha256.Sum256([]byte(token)))
}
