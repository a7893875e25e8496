package httpapi

import (
	"net/http"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/softdelete"
)

type createClassRequest struct {
	ProgramID       string `json:"programId" validate:"required"`
	AcademicCycleID string `json:"academicCycleId" validate:"required"`
	Name            string `json:"name" validate:"required,max=200"`
	Capacity        int    `json:"capacity" validate:"gte=0"`
}

type attendanceRecordRequest struct {
	StudentID string `json:"studentId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=present absent late excused"`
}

type markAttendanceRequest struct {
	Date    string                    `json:"date" validate:"required"`
	Records []attendanceRecordRequest `json:"records" validate:"required,min=1,dive"`
}

type overrideAttendanceRequest struct {
	StudentID string `json:"studentId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=present absent late excused"`
	Reason    string `json:"reason" validate:"max=500"`
}

type recordGradeRequest struct {
	StudentID string   `json:"studentId" validate:"required"`
	Component string   `json:"component" validate:"max=64"`
	Value     *float64 `json:"value" validate:"required"`
	MaxValue  float64  `json:"maxValue" validate:"gte=0"`
}

type overrideGradeRequest struct {
	Value  *float64 `json:"value" validate:"required"`
	Reason string   `json:"reason" validate:"max=500"`
}

// handleListClasses returns every class of the tenant to admins and the classes
// the caller is actively enrolled in to everyone else.
func (a *API) handleListClasses(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.IsAdmin() {
		scope := softdelete.Live
		if queryBool(r, "includeDeleted") {
			scope = softdelete.All
		}
		out, err := a.academics.ListClasses(r.Context(), id.TenantID, scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, nonNil(out))
		return
	}
	mine, err := a.enrollments.List(r.Context(), enrollment.Filter{
		TenantID: id.TenantID,
		UserID:   id.UserID(),
		Status:   enrollment.StatusActive,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]academics.Class, 0, len(mine))
	for _, en := range mine {
		c, err := a.academics.Class(r.Context(), id.TenantID, en.ClassID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				continue
			}
			writeError(w, r, err)
			return
		}
		out = append(out, c)
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	var req createClassRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.academics.CreateClass(r.Context(), identity(r).TenantID, academics.ClassInput{
		ProgramID:       req.ProgramID,
		AcademicCycleID: req.AcademicCycleID,
		Name:            req.Name,
		Capacity:        req.Capacity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionClassCreated, "class", c.ID, map[string]any{"name": c.Name})
	writeData(w, http.StatusCreated, c)
}

func (a *API) handleGetClass(w http.ResponseWriter, r *http.Request) {
	c, err := a.academics.Class(r.Context(), identity(r).TenantID, classIDParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (a *API) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req markAttendanceRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, ok := parseDate(req.Date)
	if !ok {
		writeError(w, r, apperr.Validation("valid date is required", map[string]any{"field": "date"}))
		return
	}
	records := make([]academics.AttendanceRecord, len(req.Records))
	for i, rec := range req.Records {
		records[i] = academics.AttendanceRecord{StudentID: rec.StudentID, Status: academics.AttendanceStatus(rec.Status)}
	}
	id := identity(r)
	sheet, created, err := a.academics.MarkAttendance(r.Context(), id.TenantID, id.UserID(), classIDParam(r), date, records)
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, status := audit.ActionAttendanceUpdated, http.StatusOK
	if created {
		action, status = audit.ActionAttendanceMarked, http.StatusCreated
	}
	a.record(r, action, "attendance", sheet.ID, map[string]any{
		"classId": sheet.ClassID,
		"date":    sheet.Date.Format("2006-01-02"),
		"records": len(sheet.Records),
	})
	writeData(w, status, sheet)
}

func (a *API) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		writeError(w, r, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := academics.AttendanceFilter{
		TenantID:  identity(r).TenantID,
		ClassID:   classIDParam(r),
		StudentID: r.URL.Query().Get("studentId"),
		From:      from,
		To:        to,
	}
	if studentOnly(r) {
		f.StudentID = identity(r).UserID()
	}
	out, err := a.academics.ListAttendance(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(out))
}

// handleGetAttendance loads a sheet by id and then applies the class gate of the
// class it belongs to. Non-admins cannot tell a missing sheet from one in a class
// they are not enrolled in.
func (a *API) handleGetAttendance(w http.ResponseWriter, r *http.Request) {
	sheetID, err := pathID(r, "attendanceID", "attendanceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	sheet, err := a.academics.AttendanceByID(r.Context(), id.TenantID, sheetID)
	if err != nil {
		if !id.IsAdmin() && apperr.KindOf(err) == apperr.KindNotFound {
			err = apperr.ErrNotEnrolled
		}
		writeError(w, r, err)
		return
	}
	en, err := a.authorizeClass(r.Context(), sheet.ClassID, 0)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotEnrolled {
			err = apperr.ErrNotEnrolled
		}
		writeError(w, r, err)
		return
	}
	if en != nil && en.RoleInClass == enrollment.ClassStudent {
		rec, ok := sheet.Record(id.UserID())
		sheet.Records = []academics.AttendanceRecord{}
		if ok {
			sheet.Records = append(sheet.Records, rec)
		}
	}
	writeData(w, http.StatusOK, sheet)
}

func (a *API) handleOverrideAttendance(w http.ResponseWriter, r *http.Request) {
	sheetID, err := pathID(r, "attendanceID", "attendanceId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req overrideAttendanceRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	sheet, change, err := a.academics.OverrideAttendance(r.Context(), id.TenantID, id.UserID(), sheetID,
		req.StudentID, academics.AttendanceStatus(req.Status), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionAttendanceOverride, "attendance", sheet.ID, audit.WithChange(
		map[string]any{"classId": sheet.ClassID, "studentId": req.StudentID},
		change.Before, change.After,
	))
	writeData(w, http.StatusOK, sheet)
}

func (a *API) handleRecordGrade(w http.ResponseWriter, r *http.Request) {
	var req recordGradeRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	g, err := a.academics.RecordGrade(r.Context(), id.TenantID, id.UserID(), academics.GradeInput{
		ClassID:   classIDParam(r),
		StudentID: req.StudentID,
		Component: req.Component,
		Value:     *req.Value,
		MaxValue:  req.MaxValue,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionGradeRecorded, "grade", g.ID, map[string]any{
		"classId":   g.ClassID,
		"studentId": g.StudentID,
		"component": g.Component,
		"value":     g.Value,
	})
	writeData(w, http.StatusCreated, g)
}

func (a *API) handleListGrades(w http.ResponseWriter, r *http.Request) {
	f := academics.GradeFilter{
		TenantID:  identity(r).TenantID,
		ClassID:   classIDParam(r),
		StudentID: r.URL.Query().Get("studentId"),
	}
	if studentOnly(r) {
		f.StudentID = identity(r).UserID()
	}
	out, err := a.academics.ListGrades(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(out))
}

func (a *API) handleOverrideGrade(w http.ResponseWriter, r *http.Request) {
	gradeID, err := pathID(r, "gradeID", "gradeId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req overrideGradeRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := identity(r)
	g, change, err := a.academics.OverrideGrade(r.Context(), id.TenantID, id.UserID(), gradeID, *req.Value, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.record(r, audit.ActionGradeOverride, "grade", g.ID, audit.WithChange(
		map[string]any{"classId": g.ClassID, "studentId": g.StudentID, "component": g.Component},
		change.Before, change.After,
	))
	writeData(w, http.StatusOK, g)
}
