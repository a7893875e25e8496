package academics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/softdelete"
)

// Service implements class registry, attendance, grade and fee operations. Callers are
// expected to have passed the authorization engine for the class in question.
type Service struct {
	classes    ClassStore
	attendance AttendanceStore
	grades     GradeStore
	fees       FeeStore
	roster     RosterValidator
	now        func() time.Time
}

type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(classes ClassStore, attendance AttendanceStore, grades GradeStore, fees FeeStore, roster RosterValidator, opts ...Option) *Service {
	s := &Service{classes: classes, attendance: attendance, grades: grades, fees: fees, roster: roster, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ClassInput struct {
	ProgramID       string
	AcademicCycleID string
	Name            string
	Capacity        int
}

// CreateClass registers a class after checking that its program and cycle belong
// to the tenant and that the cycle belongs to the same program.
func (s *Service) CreateClass(ctx context.Context, tenantID string, in ClassInput) (Class, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Class{}, apperr.Validation("class name is required", map[string]any{"field": "name"})
	}
	if in.Capacity < 0 {
		return Class{}, apperr.Validation("capacity must not be negative", map[string]any{"field": "capacity"})
	}
	program, err := s.classes.ProgramByID(ctx, tenantID, in.ProgramID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Class{}, apperr.Validation("program does not belong to this tenant", map[string]any{"field": "programId"})
		}
		return Class{}, fmt.Errorf("load program: %w", err)
	}
	cycle, err := s.classes.CycleByID(ctx, tenantID, in.AcademicCycleID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Class{}, apperr.Validation("academic cycle does not belong to this tenant", map[string]any{"field": "academicCycleId"})
		}
		return Class{}, fmt.Errorf("load cycle: %w", err)
	}
	if cycle.ProgramID != program.ID {
		return Class{}, apperr.Validation("academic cycle belongs to a different program", map[string]any{
			"field":     "academicCycleId",
			"programId": program.ID,
		})
	}
	now := s.now().UTC()
	c, err := s.classes.CreateClass(ctx, Class{
		ID:              ids.New(),
		TenantID:        tenantID,
		ProgramID:       program.ID,
		AcademicCycleID: cycle.ID,
		Name:            strings.TrimSpace(in.Name),
		Capacity:        in.Capacity,
		Status:          ClassActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Class{}, fmt.Errorf("create class: %w", err)
	}
	return c, nil
}

// Class returns a live class of the tenant.
func (s *Service) Class(ctx context.Context, tenantID, id string) (Class, error) {
	c, err := s.classes.ClassByID(ctx, tenantID, id, softdelete.Live)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Class{}, apperr.NotFound("class not found")
		}
		return Class{}, fmt.Errorf("load class: %w", err)
	}
	return c, nil
}

// ClassInTenant reports whether a live class exists in the tenant.
func (s *Service) ClassInTenant(ctx context.Context, tenantID, id string) (bool, error) {
	_, err := s.Class(ctx, tenantID, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Service) ListClasses(ctx context.Context, tenantID string, scope softdelete.Scope) ([]Class, error) {
	out, err := s.classes.ListClasses(ctx, tenantID, scope)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return out, nil
}

// MarkAttendance writes the sheet of a class for one day. Every student must be an
// active student of the class. Marking the same day again replaces the records.
func (s *Service) MarkAttendance(ctx context.Context, tenantID, actorID, classID string, date time.Time, records []AttendanceRecord) (Attendance, bool, error) {
	if date.IsZero() {
		return Attendance{}, false, apperr.Validation("valid date is required", map[string]any{"field": "date"})
	}
	if len(records) == 0 {
		return Attendance{}, false, apperr.Validation("records must not be empty", map[string]any{"field": "records"})
	}
	studentIDs := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if !r.Status.Valid() {
			return Attendance{}, false, apperr.Validation("invalid attendance status", map[string]any{
				"field": fmt.Sprintf("records[%d].status", i),
			})
		}
		if _, dup := seen[r.StudentID]; dup {
			return Attendance{}, false, apperr.Validation("duplicate student in records", map[string]any{
				"field":     fmt.Sprintf("records[%d].studentId", i),
				"studentId": r.StudentID,
			})
		}
		seen[r.StudentID] = struct{}{}
		studentIDs = append(studentIDs, r.StudentID)
	}
	if err := s.roster.ValidateRoster(ctx, tenantID, classID, studentIDs); err != nil {
		return Attendance{}, false, err
	}
	now := s.now().UTC()
	sheet, created, err := s.attendance.MarkAttendance(ctx, Attendance{
		ID:        ids.New(),
		TenantID:  tenantID,
		ClassID:   classID,
		Date:      Day(date),
		Records:   records,
		MarkedBy:  actorID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Attendance{}, false, fmt.Errorf("mark attendance: %w", err)
	}
	return sheet, created, nil
}

// AttendanceByID returns one sheet of the tenant.
func (s *Service) AttendanceByID(ctx context.Context, tenantID, id string) (Attendance, error) {
	a, err := s.attendance.AttendanceByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Attendance{}, apperr.NotFound("attendance record not found")
		}
		return Attendance{}, fmt.Errorf("load attendance: %w", err)
	}
	return a, nil
}

// ListAttendance returns sheets matching f, newest first. When StudentID is set
// each sheet only carries that student's record.
func (s *Service) ListAttendance(ctx context.Context, f AttendanceFilter) ([]Attendance, error) {
	if !f.From.IsZero() {
		f.From = Day(f.From)
	}
	if !f.To.IsZero() {
		f.To = Day(f.To)
	}
	out, err := s.attendance.ListAttendance(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	if f.StudentID == "" {
		return out, nil
	}
	filtered := out[:0]
	for _, a := range out {
		if rec, ok := a.Record(f.StudentID); ok {
			a.Records = []AttendanceRecord{rec}
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// OverrideAttendance changes one student's status on an existing sheet and returns
// the before/after snapshot.
func (s *Service) OverrideAttendance(ctx context.Context, tenantID, actorID, attendanceID, studentID string, status AttendanceStatus, reason string) (Attendance, Change, error) {
	if !status.Valid() {
		return Attendance{}, Change{}, apperr.Validation("invalid attendance status", map[string]any{"field": "status"})
	}
	previous, sheet, err := s.attendance.OverrideAttendance(ctx, tenantID, attendanceID, studentID, status, actorID, s.now().UTC())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Attendance{}, Change{}, apperr.NotFound("student record not found in this attendance")
		}
		return Attendance{}, Change{}, fmt.Errorf("override attendance: %w", err)
	}
	after := map[string]any{"studentId": studentID, "status": string(status)}
	if reason = strings.TrimSpace(reason); reason != "" {
		after["reason"] = reason
	}
	return sheet, Change{
		Before: map[string]any{"studentId": studentID, "status": string(previous)},
		After:  after,
	}, nil
}

type GradeInput struct {
	ClassID   string
	StudentID string
	Component string
	Value     float64
	MaxValue  float64
}

// RecordGrade creates or replaces a grade component for an actively enrolled
// student.
func (s *Service) RecordGrade(ctx context.Context, tenantID, actorID string, in GradeInput) (Grade, error) {
	in.Component = strings.TrimSpace(in.Component)
	if in.Component == "" {
		in.Component = "final"
	}
	if in.MaxValue == 0 {
		in.MaxValue = 100
	}
	if in.MaxValue < 0 || in.Value < 0 || in.Value > in.MaxValue {
		return Grade{}, apperr.Validation("value must be between 0 and maxValue", map[string]any{"field": "value"})
	}
	if err := s.roster.ValidateRoster(ctx, tenantID, in.ClassID, []string{in.StudentID}); err != nil {
		return Grade{}, err
	}
	now := s.now().UTC()
	g, err := s.grades.UpsertGrade(ctx, Grade{
		ID:        ids.New(),
		TenantID:  tenantID,
		ClassID:   in.ClassID,
		StudentID: in.StudentID,
		Component: in.Component,
		Value:     in.Value,
		MaxValue:  in.MaxValue,
		GradedBy:  actorID,
		GradedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Grade{}, fmt.Errorf("record grade: %w", err)
	}
	return g, nil
}

func (s *Service) ListGrades(ctx context.Context, f GradeFilter) ([]Grade, error) {
	out, err := s.grades.ListGrades(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	return out, nil
}

// GradeByID returns one grade of the tenant.
func (s *Service) GradeByID(ctx context.Context, tenantID, id string) (Grade, error) {
	g, err := s.grades.GradeByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Grade{}, apperr.NotFound("grade not found")
		}
		return Grade{}, fmt.Errorf("load grade: %w", err)
	}
	return g, nil
}

// OverrideGrade replaces a grade value and returns the before/after snapshot.
func (s *Service) OverrideGrade(ctx context.Context, tenantID, actorID, gradeID string, value float64, reason string) (Grade, Change, error) {
	current, err := s.GradeByID(ctx, tenantID, gradeID)
	if err != nil {
		return Grade{}, Change{}, err
	}
	if value < 0 || value > current.MaxValue {
		return Grade{}, Change{}, apperr.Validation("value must be between 0 and maxValue", map[string]any{"field": "value"})
	}
	previous, g, err := s.grades.OverrideGrade(ctx, tenantID, gradeID, value, actorID, s.now().UTC())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Grade{}, Change{}, apperr.NotFound("grade not found")
		}
		return Grade{}, Change{}, fmt.Errorf("override grade: %w", err)
	}
	after := map[string]any{"value": value}
	if reason = strings.TrimSpace(reason); reason != "" {
		after["reason"] = reason
	}
	return g, Change{Before: map[string]any{"value": previous}, After: after}, nil
}

type FeeInput struct {
	ClassID   string
	StudentID string
	Type      FeeType
	Amount    float64
	DueDate   time.Time
}

// RecordFee charges an actively enrolled student of a class.
func (s *Service) RecordFee(ctx context.Context, tenantID, actorID string, in FeeInput) (Fee, error) {
	if !in.Type.Valid() {
		return Fee{}, apperr.Validation("invalid fee type", map[string]any{"field": "type"})
	}
	if in.Amount < 0 {
		return Fee{}, apperr.Validation("amount must not be negative", map[string]any{"field": "amount"})
	}
	if in.DueDate.IsZero() {
		return Fee{}, apperr.Validation("valid due date is required", map[string]any{"field": "dueDate"})
	}
	if err := s.roster.ValidateRoster(ctx, tenantID, in.ClassID, []string{in.StudentID}); err != nil {
		return Fee{}, err
	}
	now := s.now().UTC()
	f, err := s.fees.CreateFee(ctx, Fee{
		ID:        ids.New(),
		TenantID:  tenantID,
		ClassID:   in.ClassID,
		StudentID: in.StudentID,
		Type:      in.Type,
		Amount:    in.Amount,
		DueDate:   Day(in.DueDate),
		Status:    FeePending,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Fee{}, fmt.Errorf("record fee: %w", err)
	}
	return f, nil
}

// ListFees returns fees matching f ordered by due date.
func (s *Service) ListFees(ctx context.Context, f FeeFilter) ([]Fee, error) {
	out, err := s.fees.ListFees(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}
	return out, nil
}

// WaiveFee cancels a pending or overdue fee and returns the before/after snapshot.
func (s *Service) WaiveFee(ctx context.Context, tenantID, actorID, feeID, reason string) (Fee, Change, error) {
	reason = strings.TrimSpace(reason)
	before, after, err := s.fees.WaiveFee(ctx, tenantID, feeID, reason, actorID, s.now().UTC())
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return Fee{}, Change{}, apperr.NotFound("fee not found")
	case errors.Is(err, ErrFeeNotWaivable):
		return Fee{}, Change{}, apperr.Validation(fmt.Sprintf("fee is already %s", before.Status), map[string]any{
			"field":  "status",
			"status": string(before.Status),
		})
	case err != nil:
		return Fee{}, Change{}, fmt.Errorf("waive fee: %w", err)
	}
	changed := map[string]any{"status": string(after.Status), "amount": after.Amount}
	if reason != "" {
		changed["reason"] = reason
	}
	return after, Change{
		Before: map[string]any{"status": string(before.Status), "amount": before.Amount},
		After:  changed,
	}, nil
}

// Day returns midnight UTC of the calendar day t falls on in its own offset.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
