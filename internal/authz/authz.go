// Package authz decides whether an authenticated principal may use a route.
package authz

import (
	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/errors"
	"github.com/passage-io/passage/internal/reqctx"
)

// Authorizer evaluates per-route permission policy. Roles listed in
// sufficientRoles bypass permission checks entirely.
type Authorizer struct {
	sufficientRoles []string
	log             *zap.Logger
}

func New(sufficientRoles []string, log *zap.Logger) *Authorizer {
	return &Authorizer{sufficientRoles: sufficientRoles, log: log}
}

// Authorize allows the request when the route requires no permissions, the
// principal satisfies any one of the route's permission sets, or the
// principal holds a sufficient role. The unmet requirement is logged, never
// returned to the client.
func (a *Authorizer) Authorize(p *reqctx.Principal, route *config.RouteConfig, correlationID string) error {
	if len(route.Permissions) == 0 {
		return nil
	}
	if p == nil {
		return errors.ErrForbidden
	}

	for _, role := range a.sufficientRoles {
		if p.HasRole(role) {
			return nil
		}
	}

	for _, required := range route.Permissions {
		if holdsAll(p, required) {
			return nil
		}
	}

	a.log.Info("authorization denied",
		zap.String("correlation_id", correlationID),
		zap.String("route_id", route.ID),
		zap.String("user_id", p.UserID),
		zap.Any("required", route.Permissions))
	return errors.ErrForbidden
}

func holdsAll(p *reqctx.Principal, required []string) bool {
	if len(required) == 0 {
		return false
	}
	for _, perm := range required {
		if !p.HasPermission(perm) {
			return false
		}
	}
	return true
}
