package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/authz"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate verifies the bearer token, resolves the caller and attaches the
// Identity. Nothing downstream reads the tenant from anywhere else.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		claims, err := a.codec.VerifyAccessToken(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := a.auth.Resolver().ResolveAccess(r.Context(), claims)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if info := infoFromContext(r.Context()); info != nil {
			info.tenantID = id.TenantID
			info.userID = id.UserID()
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = obs.WithLogger(ctx, obs.FromContext(ctx).With(
			zap.String("tenant_id", id.TenantID),
			zap.String("user_id", id.UserID()),
		))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole is the inline guard for resources that are not class-scoped.
func (a *API) requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, apperr.ErrUnauthorized)
				return
			}
			if err := a.engine.RequireRole(r.Context(), id, roles...); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type enrollmentKey struct{}

// classAccess gates routes carrying {classID}. Non-admins need an active
// enrollment, and the given in-class role when it is non-zero. A class that does
// not exist in the tenant looks exactly like one the caller is not enrolled in;
// only admins, who see the whole tenant, get a 404 for it.
func (a *API) classAccess(required enrollment.ClassRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			en, err := a.authorizeClass(r.Context(), classIDParam(r), required)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := r.Context()
			if en != nil {
				ctx = context.WithValue(ctx, enrollmentKey{}, en)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authorizeClass runs the engine for one class. The returned enrollment is nil for
// admins.
func (a *API) authorizeClass(ctx context.Context, classID string, required enrollment.ClassRole) (*enrollment.Enrollment, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, apperr.ErrUnauthorized
	}
	if !ids.Valid(classID) {
		return nil, apperr.Validation("invalid class id", map[string]any{"field": "classId"})
	}
	if id.IsAdmin() {
		exists, err := a.academics.ClassInTenant(ctx, id.TenantID, classID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("class not found")
		}
	}
	d, err := a.engine.Check(ctx, authz.Request{
		Identity:            id,
		ClassID:             classID,
		RequiredRoleInClass: required,
	})
	if err != nil {
		return nil, err
	}
	return d.Enrollment, nil
}

// enrollmentFromContext returns the caller's enrollment in the routed class.
func enrollmentFromContext(ctx context.Context) (*enrollment.Enrollment, bool) {
	en, ok := ctx.Value(enrollmentKey{}).(*enrollment.Enrollment)
	return en, ok && en != nil
}

func classIDParam(r *http.Request) string {
	return chi.URLParam(r, "classID")
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

// studentOnly reports whether the caller sees a class as a student, in which case
// listings are narrowed to their own records.
func studentOnly(r *http.Request) bool {
	en, ok := enrollmentFromContext(r.Context())
	return ok && en.RoleInClass == enrollment.ClassStudent
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apperr.ErrUnauthorized
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", apperr.New(apperr.KindInvalidToken, "invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", apperr.ErrUnauthorized
	}
	return token, nil
}

func pathID(r *http.Request, name, field string) (string, error) {
	raw := chi.URLParam(r, name)
	if !ids.Valid(raw) {
		return "", apperr.Validation("invalid "+field, map[string]any{"field": field})
	}
	return raw, nil
}
