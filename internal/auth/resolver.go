package auth

import (
	"context"
	"errors"
	"fmt"

	"campusgate.org/internal/apperr"
)

// Resolver turns verified token claims into a trusted identity. It is the only
// place the tenant and role carried by a request are established.
type Resolver struct {
	tenants TenantStore
	users   UserStore
}

func NewResolver(tenants TenantStore, users UserStore) *Resolver {
	return &Resolver{tenants: tenants, users: users}
}

// Resolve loads the user and tenant named by sub and checks, in order, that the user
// exists and is active, the tenant exists and is active, and the user belongs to the
// tenant. Nothing is cached: a status change takes effect on the next request.
func (r *Resolver) Resolve(ctx context.Context, sub Subject) (User, Tenant, error) {
	user, err := r.users.UserByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, Tenant{}, apperr.ErrUserNotFound
		}
		return User{}, Tenant{}, fmt.Errorf("load user: %w", err)
	}
	if user.Status != UserActive {
		return User{}, Tenant{}, apperr.ErrUserInactive
	}

	tenant, err := r.tenants.TenantByID(ctx, sub.TenantID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, Tenant{}, apperr.ErrTenantNotFound
		}
		return User{}, Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != TenantActive {
		return User{}, Tenant{}, apperr.ErrTenantSuspended
	}

	if user.TenantID != sub.TenantID || tenant.ID != sub.TenantID {
		return User{}, Tenant{}, apperr.ErrTenantMismatch
	}
	return user, tenant, nil
}

// ResolveAccess resolves access claims into the identity attached to the request.
func (r *Resolver) ResolveAccess(ctx context.Context, claims AccessClaims) (Identity, error) {
	user, tenant, err := r.Resolve(ctx, claims.Subject)
	if err != nil {
		return Identity{}, err
	}
	return Identity{User: user, Tenant: tenant, TenantID: claims.TenantID, Role: claims.Role}, nil
}
