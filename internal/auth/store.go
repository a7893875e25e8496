package auth

import (
	"context"
	"time"
)

// Stores return apperr.ErrNotFound for absent rows and apperr.ErrConflict when a
// uniqueness constraint rejects a write.

// TenantStore reads tenants. Provisioning lives outside this service.
type TenantStore interface {
	TenantByID(ctx context.Context, id string) (Tenant, error)
	TenantByCode(ctx context.Context, code string) (Tenant, error)
}

// UserStore manages users.
type UserStore interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, tenantID, email string) (User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	TouchLogin(ctx context.Context, userID string, at time.Time) error
	SetUserStatus(ctx context.Context, tenantID, userID string, status UserStatus) (User, error)
	// ListUsers returns one window of matching users, newest first, and the total
	// number of matches.
	ListUsers(ctx context.Context, f UserFilter) ([]User, int, error)
}

// SessionStore manages refresh session lifecycle.
type SessionStore interface {
	CreateSession(ctx context.Context, s RefreshSession) error
	Session(ctx context.Context, id string) (RefreshSession, error)
	// RevokeSession marks the session revoked and reports whether this call did it.
	// A false result on an existing session means it had already been revoked.
	RevokeSession(ctx context.Context, id, replacedBy string, at time.Time) (bool, error)
	RevokeUserSessions(ctx context.Context, userID string, at time.Time) error
}
