package auth

import (
	"context"
	"time"
)

// UserStore persists user records.
type UserStore interface {
	Create(ctx context.Context, user User) error
	Find(ctx context.Context, id string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	List(ctx context.Context) ([]User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	SetPermissions(ctx context.Context, id string, permissions []string) error
}

// SessionStore persists token families and refresh token records.
type SessionStore interface {
	// CreateFamily stores a new family together with its first refresh token.
	CreateFamily(ctx context.Context, family TokenFamily, first RefreshToken) error
	FindFamily(ctx context.Context, id string) (TokenFamily, error)
	FindToken(ctx context.Context, id string) (RefreshToken, error)
	// Rotate advances the family from generation `from` to next.Generation and
	// stores next, or fails with ErrStaleGeneration if the family is no longer
	// at `from` or has been revoked.
	Rotate(ctx context.Context, familyID string, from int64, next RefreshToken) error
	// RevokeFamily moves the watermark up to the current generation in one write.
	RevokeFamily(ctx context.Context, familyID string) error
	// RevokeUser revokes every family owned by the user.
	RevokeUser(ctx context.Context, userID string) error
}

// Store aggregates the persistence required by Service.
type Store interface {
	Users() UserStore
	Sessions() SessionStore
}
