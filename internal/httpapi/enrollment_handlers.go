package httpapi

import (
	"net/http"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/softdelete"
)

type createEnrollmentRequest struct {
	UserID      string `json:"userId" validate:"required"`
	ClassID     string `json:"classId" validate:"required"`
	RoleInClass string `json:"roleInClass" validate:"omitempty,oneof=student teacher"`
}

type updateEnrollmentRequest struct {
	RoleInClass *string `json:"roleInClass" validate:"omitempty,oneof=student teacher"`
	Status      *string `json:"status" validate:"omitempty,oneof=active dropped completed"`
}

// Routes here already passed the admin-or-teacher guard. Teachers only manage
// enrollments of classes they teach, and only admins assign in-class roles.

func (a *API) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := enrollment.Filter{
		TenantID: identity(r).TenantID,
		ClassID:  q.Get("classId"),
		UserID:   q.Get("userId"),
		Status:   enrollment.Status(q.Get("status")),
	}
	if raw := q.Get("roleInClass"); raw != "" {
		role, err := enrollment.ParseClassRole(raw)
		if err != nil {
			writeError(w, r, apperr.Validation("invalid roleInClass", map[string]any{"field": "roleInClass"}))
			return
		}
		f.RoleInClass = role
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, apperr.Validation("invalid status", map[string]any{"field": "status"}))
		return
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 100, 1, 500); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0, 0, 1<<20); err != nil {
		writeError(w, r, err)
		return
	}

	if identity(r).IsAdmin() {
		if queryBool(r, "includeDeleted") {
			f.Scope = softdelete.All
		}
	} else {
		if f.ClassID == "" {
			writeError(w, r, apperr.Validation("classId is required", map[string]any{"field": "classId"}))
			return
		}
		if _, err := a.authorizeClass(r.Context(), f.ClassID, enrollment.ClassTeacher); err != nil {
			writeError(w, r, err)
			return
		}
	}
	out, err := a.enrollments.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(out))
}

func (a *API) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	scope := softdelete.Live
	if identity(r).IsAdmin() && queryBool(r, "includeDeleted") {
		scope = softdelete.All
	}
	e, err := a.loadEnrollment(r, scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, e)
}

func (a *API) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req createEnrollmentRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !ids.Valid(req.UserID) || !ids.Valid(req.ClassID) {
		writeError(w, r, apperr.Validation("userId and classId must be valid ids", nil))
		return
	}
	role := enrollment.ClassStudent
	if req.RoleInClass != "" {
		role, _ = enrollment.ParseClassRole(req.RoleInClass)
	}
	if !identity(r).IsAdmin() {
		if role != enrollment.ClassStudent {
			writeError(w, r, roleChangeDenied(identity(r)))
			return
		}
		if _, err := a.authorizeClass(r.Context(), req.ClassID, enrollment.ClassTeacher); err != nil {
			writeError(w, r, err)
			return
		}
	}
	tenantID := identity(r).TenantID
	created, err := a.enrollments.Create(r.Context(), tenantID, enrollment.CreateInput{
		UserID:      req.UserID,
		ClassID:     req.ClassID,
		RoleInClass: role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionEnrollmentCreated, "enrollment", created.ID, map[string]any{
		"userId":      created.UserID,
		"classId":     created.ClassID,
		"roleInClass": created.RoleInClass.String(),
	})
	writeData(w, http.StatusCreated, created)
}

func (a *API) handleUpdateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req updateEnrollmentRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RoleInClass == nil && req.Status == nil {
		writeError(w, r, apperr.Validation("roleInClass or status is required", nil))
		return
	}
	current, err := a.loadEnrollment(r, softdelete.Live)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.RoleInClass != nil && !identity(r).IsAdmin() {
		writeError(w, r, roleChangeDenied(identity(r)))
		return
	}

	ctx, tenantID, actor := r.Context(), identity(r).TenantID, identity(r).UserID()
	before, after := current, current
	if req.RoleInClass != nil {
		role, _ := enrollment.ParseClassRole(*req.RoleInClass)
		if _, after, err = a.enrollments.UpdateRole(ctx, tenantID, current.ID, role, actor); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Status != nil {
		if _, after, err = a.enrollments.SetStatus(ctx, tenantID, current.ID, enrollment.Status(*req.Status), actor); err != nil {
			writeError(w, r, err)
			return
		}
	}
	a.record(r, audit.ActionEnrollmentUpdated, "enrollment", after.ID, audit.WithChange(
		map[string]any{"classId": after.ClassID, "userId": after.UserID},
		enrollmentSnapshot(before),
		enrollmentSnapshot(after),
	))
	writeData(w, http.StatusOK, after)
}

func (a *API) handleDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	current, err := a.loadEnrollment(r, softdelete.Live)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := a.enrollments.SoftDelete(r.Context(), identity(r).TenantID, current.ID, identity(r).UserID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionEnrollmentDeleted, "enrollment", deleted.ID, map[string]any{
		"classId": deleted.ClassID,
		"userId":  deleted.UserID,
	})
	writeData(w, http.StatusOK, deleted)
}

func (a *API) handleRestoreEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "enrollmentID", "enrollmentId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	restored, err := a.enrollments.Restore(r.Context(), identity(r).TenantID, id, identity(r).UserID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionEnrollmentRestored, "enrollment", restored.ID, map[string]any{
		"classId": restored.ClassID,
		"userId":  restored.UserID,
	})
	writeData(w, http.StatusOK, restored)
}

func (a *API) handleClassEnrollments(w http.ResponseWriter, r *http.Request) {
	var role enrollment.ClassRole
	if raw := r.URL.Query().Get("roleInClass"); raw != "" {
		parsed, err := enrollment.ParseClassRole(raw)
		if err != nil {
			writeError(w, r, apperr.Validation("invalid roleInClass", map[string]any{"field": "roleInClass"}))
			return
		}
		role = parsed
	}
	out, err := a.enrollments.ListByClass(r.Context(), identity(r).TenantID, classIDParam(r), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(out))
}

// loadEnrollment reads {enrollmentID} and hides rows of classes a teacher does not
// teach behind the same NotEnrolled answer the class routes give.
func (a *API) loadEnrollment(r *http.Request, scope softdelete.Scope) (enrollment.Enrollment, error) {
	id, err := pathID(r, "enrollmentID", "enrollmentId")
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	e, err := a.enrollments.Get(r.Context(), identity(r).TenantID, id, scope)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	if !identity(r).IsAdmin() {
		if _, err := a.authorizeClass(r.Context(), e.ClassID, enrollment.ClassTeacher); err != nil {
			return enrollment.Enrollment{}, err
		}
	}
	return e, nil
}

func roleChangeDenied(id auth.Identity) error {
	return apperr.InsufficientRole("only admins assign in-class roles", auth.RoleAdmin.String(), id.Role.String())
}

func enrollmentSnapshot(e enrollment.Enrollment) map[string]any {
	return map[string]any{
		"roleInClass": e.RoleInClass.String(),
		"status":      string(e.Status),
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
