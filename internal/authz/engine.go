// Package authz holds the single decision function consulted by every
// class-scoped route and by the inline role guards.
package authz

import (
	"context"
	"fmt"
	"strings"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/enrollment"
)

// EnrollmentFinder looks up the active enrollment of a user in a class.
type EnrollmentFinder interface {
	FindActive(ctx context.Context, tenantID, userID, classID string) (enrollment.Enrollment, bool, error)
}

// Request describes what the caller wants to do.
type Request struct {
	Identity            auth.Identity
	ClassID             string
	RequiredRoleInClass enrollment.ClassRole
	// RequiredGlobalRoles lists the global roles accepted; empty accepts any.
	RequiredGlobalRoles []auth.Role
}

// Reason tags how a decision was reached.
type Reason string

const (
	ReasonAdmin    Reason = "admin"
	ReasonEnrolled Reason = "enrolled"
	ReasonRole     Reason = "role"
	ReasonOpen     Reason = "open"
)

// Decision is an allow result. Enrollment is set when the class gate matched.
type Decision struct {
	Reason     Reason
	Enrollment *enrollment.Enrollment
}

// Engine evaluates Requests.
type Engine struct {
	enrollments EnrollmentFinder
}

func NewEngine(enrollments EnrollmentFinder) *Engine {
	return &Engine{enrollments: enrollments}
}

// Check returns a Decision or a NotEnrolled / InsufficientPermissions error.
//
// Admins pass unconditionally; their tenant is already fixed by the resolver. For
// everyone else a class id requires an active enrollment in that class, checked
// before any global role so that holding the teacher role never opens a class on
// its own.
func (e *Engine) Check(ctx context.Context, req Request) (Decision, error) {
	d, err := e.check(ctx, req)
	observe(d, err)
	return d, err
}

func (e *Engine) check(ctx context.Context, req Request) (Decision, error) {
	id := req.Identity
	switch id.Role {
	case auth.RoleAdmin:
		return Decision{Reason: ReasonAdmin}, nil
	case auth.RoleTeacher, auth.RoleStudent:
	default:
		return Decision{}, apperr.InsufficientRole("unknown role", "", id.Role.String())
	}

	if req.ClassID != "" {
		en, ok, err := e.enrollments.FindActive(ctx, id.TenantID, id.UserID(), req.ClassID)
		if err != nil {
			return Decision{}, fmt.Errorf("authorize class access: %w", err)
		}
		if !ok {
			return Decision{}, apperr.NotEnrolled(req.ClassID)
		}
		if req.RequiredRoleInClass != 0 && en.RoleInClass != req.RequiredRoleInClass {
			return Decision{}, apperr.InsufficientRole(
				fmt.Sprintf("requires %s role in class", req.RequiredRoleInClass),
				req.RequiredRoleInClass.String(), en.RoleInClass.String())
		}
		return Decision{Reason: ReasonEnrolled, Enrollment: &en}, nil
	}

	if len(req.RequiredGlobalRoles) > 0 {
		for _, r := range req.RequiredGlobalRoles {
			if r == id.Role {
				return Decision{Reason: ReasonRole}, nil
			}
		}
		return Decision{}, apperr.InsufficientRole(
			fmt.Sprintf("requires %s role", joinRoles(req.RequiredGlobalRoles)),
			joinRoles(req.RequiredGlobalRoles), id.Role.String())
	}
	return Decision{Reason: ReasonOpen}, nil
}

// RequireRole is the inline guard for resources that are not class-scoped.
func (e *Engine) RequireRole(ctx context.Context, id auth.Identity, roles ...auth.Role) error {
	_, err := e.Check(ctx, Request{Identity: id, RequiredGlobalRoles: roles})
	return err
}

func joinRoles(roles []auth.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return strings.Join(names, "|")
}
