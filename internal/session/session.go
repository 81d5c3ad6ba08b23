package session

import (
	"context"
	"time"
)

// Record is the authoritative server-side state for one opaque session. The
// store owns it; the gateway holds only short-lived snapshots.
type Record struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	CreatedAt   time.Time         `json:"created_at"`
	LastAccess  time.Time         `json:"last_access"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Revoked     bool              `json:"revoked"`
	Roles       []string          `json:"roles,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	BoundIP     string            `json:"bound_ip,omitempty"`
	RotatedAt   time.Time         `json:"rotated_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Valid reports whether the record is usable at the given instant. IP binding
// and idle timeout are checked separately by the validator so their failures
// map to distinct error kinds.
func (r *Record) Valid(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// TTL returns the remaining lifetime at now, floored at zero.
func (r *Record) TTL(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store is the narrow session-store contract the gateway depends on.
// Implementations must make Revoke atomic; Touch is best-effort.
type Store interface {
	// Get returns the record for id, or nil when the session does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// Put writes the record with the given TTL. Idempotent.
	Put(ctx context.Context, rec *Record, ttl time.Duration) error

	// Revoke marks the session revoked. The marker outlives the record so a
	// concurrent reader cannot resurrect it.
	Revoke(ctx context.Context, id string) error

	// Touch updates last-access. Failures are the caller's to log, not fatal.
	Touch(ctx context.Context, id string, at time.Time) error

	// ListUserSessions returns the ids of all live sessions for a user.
	ListUserSessions(ctx context.Context, userID string) ([]string, error)

	// RevokeAllUserSessions revokes every session for a user.
	RevokeAllUserSessions(ctx context.Context, userID string) (int, error)

	// IsRevoked reports whether a revocation marker exists for id. Used to
	// invalidate cached principals.
	IsRevoked(ctx context.Context, id string) (bool, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
