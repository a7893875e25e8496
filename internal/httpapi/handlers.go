// Package httpapi exposes the campus API over HTTP with chi, plus a gRPC health
// endpoint for orchestrators.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/authz"
	"campusgate.org/internal/config"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/ratelimit"
)

const serviceName = "campusgate-api"

// ReadyProbe checks the backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.Cmdable
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// auditRecorder is satisfied by *audit.Sink.
type auditRecorder interface {
	Record(e audit.Entry)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Auth           *auth.Service
	Enrollments    *enrollment.Service
	Academics      *academics.Service
	Engine         *authz.Engine
	Audit          auditRecorder
	AuditQuery     *audit.Query
	Limiter        ratelimit.Limiter
	GlobalLimit    config.RateLimit
	AuthLimit      config.RateLimit
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	Ready          readinessChecker
	Logger         *zap.Logger
	Version        string
}

// API is the HTTP layer.
type API struct {
	auth           *auth.Service
	codec          *auth.Codec
	enrollments    *enrollment.Service
	academics      *academics.Service
	engine         *authz.Engine
	audit          auditRecorder
	auditQuery     *audit.Query
	limiter        ratelimit.Limiter
	globalLimit    config.RateLimit
	authLimit      config.RateLimit
	trustedProxies []netip.Prefix
	ready          readinessChecker
	log            *zap.Logger
	version        string
	router         chi.Router
}

func New(d Deps) *API {
	a := &API{
		auth:           d.Auth,
		codec:          d.Auth.Codec(),
		enrollments:    d.Enrollments,
		academics:      d.Academics,
		engine:         d.Engine,
		audit:          d.Audit,
		auditQuery:     d.AuditQuery,
		limiter:        d.Limiter,
		globalLimit:    d.GlobalLimit,
		authLimit:      d.AuthLimit,
		trustedProxies: d.TrustedProxies,
		ready:          d.Ready,
		log:            d.Logger,
		version:        d.Version,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	a.router = a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, a.logging, recoverer, obs.Instrument, SecurityHeaders, CORS)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.rateLimit("global", a.globalLimit))
		r.Get("/info", a.Info)

		r.Route("/auth", func(r chi.Router) {
			r.With(a.rateLimit("auth", a.authLimit)).Post("/login", a.handleLogin)
			r.With(a.rateLimit("auth", a.authLimit)).Post("/register", a.handleRegister)
			r.With(a.rateLimit("auth", a.authLimit)).Post("/refresh", a.handleRefresh)
			r.With(a.authenticate).Post("/logout", a.handleLogout)
			r.With(a.authenticate).Get("/me", a.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Route("/users", func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAdmin))
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
				r.Get("/{userID}", a.handleGetUser)
				r.Patch("/{userID}/status", a.handleSetUserStatus)
			})

			r.Route("/enrollments", func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAdmin, auth.RoleTeacher))
				r.Get("/", a.handleListEnrollments)
				r.Post("/", a.handleCreateEnrollment)
				r.Get("/{enrollmentID}", a.handleGetEnrollment)
				r.Patch("/{enrollmentID}", a.handleUpdateEnrollment)
				r.Delete("/{enrollmentID}", a.handleDeleteEnrollment)
				r.With(a.requireRole(auth.RoleAdmin)).Post("/{enrollmentID}/restore", a.handleRestoreEnrollment)
			})

			r.Route("/classes", func(r chi.Router) {
				r.Get("/", a.handleListClasses)
				r.With(a.requireRole(auth.RoleAdmin)).Post("/", a.handleCreateClass)

				r.Route("/{classID}", func(r chi.Router) {
					r.With(a.classAccess(0)).Get("/", a.handleGetClass)
					r.With(a.classAccess(enrollment.ClassTeacher)).Get("/enrollments", a.handleClassEnrollments)
					r.With(a.classAccess(0)).Get("/attendance", a.handleListAttendance)
					r.With(a.classAccess(enrollment.ClassTeacher)).Post("/attendance", a.handleMarkAttendance)
					r.With(a.classAccess(0)).Get("/grades", a.handleListGrades)
					r.With(a.classAccess(enrollment.ClassTeacher)).Post("/grades", a.handleRecordGrade)
					r.With(a.classAccess(0)).Get("/fees", a.handleListFees)
					r.With(a.requireRole(auth.RoleAdmin), a.classAccess(0)).Post("/fees", a.handleRecordFee)
				})
			})

			r.Get("/attendance/{attendanceID}", a.handleGetAttendance)
			r.With(a.requireRole(auth.RoleAdmin)).Patch("/attendance/{attendanceID}/override", a.handleOverrideAttendance)
			r.With(a.requireRole(auth.RoleAdmin)).Patch("/grades/{gradeID}/override", a.handleOverrideGrade)
			r.With(a.requireRole(auth.RoleAdmin)).Patch("/fees/{feeID}/waive", a.handleWaiveFee)

			r.Route("/audit-logs", func(r chi.Router) {
				r.Use(a.requireRole(auth.RoleAdmin))
				r.Get("/", a.handleListAudit)
				r.Get("/stats", a.handleAuditStats)
				r.Get("/{auditID}", a.handleGetAudit)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.NotFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: &errorBody{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   "method not allowed",
			RequestID: RequestIDFromContext(r.Context()),
		}})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.FromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// record emits one audit entry for the authenticated caller after the handler has
// done its work.
func (a *API) record(r *http.Request, action, entity, entityID string, meta map[string]any) {
	id := identity(r)
	a.recordFor(r, id.TenantID, id.UserID(), action, entity, entityID, meta)
}

func (a *API) recordFor(r *http.Request, tenantID, userID, action, entity, entityID string, meta map[string]any) {
	if a.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["ip"] = a.clientIP(r)
	if ua := r.UserAgent(); ua != "" {
		meta["userAgent"] = ua
	}
	a.audit.Record(audit.Entry{
		TenantID:  tenantID,
		UserID:    userID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Metadata:  meta,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
