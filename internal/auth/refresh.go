package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/reqctx"
	"github.com/passage-io/passage/internal/session"
)

// Refresher extends sessions nearing expiry. Opaque sessions get a new id
// with the old one revoked first; signed tokens are re-signed with a pushed
// out exp.
type Refresher struct {
	cfg    *config.SessionConfig
	store  session.Store
	signer *Signer
	secure bool
	log    *zap.Logger
	now    func() time.Time
}

// NewRefresher builds a Refresher. secure controls the cookie Secure flag and
// should come from config.SessionConfig.SecureCookies.
func NewRefresher(cfg *config.SessionConfig, store session.Store, signer *Signer, secure bool, log *zap.Logger) *Refresher {
	return &Refresher{
		cfg:    cfg,
		store:  store,
		signer: signer,
		secure: secure,
		log:    log,
		now:    time.Now,
	}
}

// ShouldRefresh reports whether the principal's remaining lifetime is under
// the configured threshold.
func (rf *Refresher) ShouldRefresh(p *reqctx.Principal) bool {
	if rf == nil || !rf.cfg.RefreshEnabled || p == nil {
		return false
	}
	return p.ExpiresAt.Sub(rf.now()) < rf.cfg.RefreshThreshold
}

// Refresh issues a replacement token and sets the session cookie. For opaque
// tokens the old session is revoked before the new token is returned, so the
// two ids are never both usable.
func (rf *Refresher) Refresh(ctx context.Context, w http.ResponseWriter, p *reqctx.Principal, oldToken string, signed bool) error {
	if signed {
		return rf.refreshSigned(w, p)
	}
	return rf.refreshOpaque(ctx, w, p, oldToken)
}

func (rf *Refresher) refreshOpaque(ctx context.Context, w http.ResponseWriter, p *reqctx.Principal, oldToken string) error {
	now := rf.now()
	lifetime := p.ExpiresAt.Sub(p.IssuedAt)
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	rec := &session.Record{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		CreatedAt:   now,
		LastAccess:  now,
		ExpiresAt:   now.Add(lifetime),
		Roles:       p.Roles,
		Permissions: p.Permissions,
		BoundIP:     p.BoundIP,
	}
	if err := rf.store.Put(ctx, rec, lifetime); err != nil {
		return err
	}
	if err := rf.store.Revoke(ctx, oldToken); err != nil {
		return err
	}
	rf.setCookie(w, rec.ID, lifetime)
	rf.log.Debug("session refreshed",
		zap.String("user_id", p.UserID),
		zap.String("session_id", rec.ID))
	return nil
}

func (rf *Refresher) refreshSigned(w http.ResponseWriter, p *reqctx.Principal) error {
	now := rf.now()
	lifetime := p.ExpiresAt.Sub(p.IssuedAt)
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	token, err := rf.signer.Sign(&Claims{
		Roles:       p.Roles,
		Permissions: p.Permissions,
		SessionID:   p.SessionID,
		BoundIP:     p.BoundIP,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	})
	if err != nil {
		return err
	}
	rf.setCookie(w, token, lifetime)
	return nil
}

func (rf *Refresher) setCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     rf.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   rf.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
