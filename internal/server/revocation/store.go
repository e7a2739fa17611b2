// Package revocation keeps a deny-list of token ids that must be rejected
// before their natural expiry (logout, refresh).
package revocation

import (
	"context"
	"time"
)

// Store records revoked token ids until the given instant.
type Store interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Close() error
}
