// Package academics holds the class-scoped resources gated by enrollment:
// classes themselves, attendance sheets, grades and fees.
package academics

import (
	"context"
	"errors"
	"time"

	"campusgate.org/internal/softdelete"
)

type Program struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Code     string `json:"code"`
	Name     string `json:"name"`
}

type Cycle struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ProgramID string    `json:"programId"`
	Name      string    `json:"name"`
	StartsOn  time.Time `json:"startsOn"`
	EndsOn    time.Time `json:"endsOn"`
}

type ClassStatus string

const (
	ClassActive    ClassStatus = "active"
	ClassCompleted ClassStatus = "completed"
	ClassCancelled ClassStatus = "cancelled"
)

// Class is the unit all academic activity scopes to.
type Class struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenantId"`
	ProgramID       string      `json:"programId"`
	AcademicCycleID string      `json:"academicCycleId"`
	Name            string      `json:"name"`
	Capacity        int         `json:"capacity"`
	Status          ClassStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	softdelete.Marker
}

type AttendanceStatus string

const (
	Present AttendanceStatus = "present"
	Absent  AttendanceStatus = "absent"
	Late    AttendanceStatus = "late"
	Excused AttendanceStatus = "excused"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case Present, Absent, Late, Excused:
		return true
	}
	return false
}

type AttendanceRecord struct {
	StudentID string           `json:"studentId"`
	Status    AttendanceStatus `json:"status"`
}

// Attendance is the sheet of one class on one day. There is at most one per
// (tenant, class, date).
type Attendance struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenantId"`
	ClassID   string             `json:"classId"`
	Date      time.Time          `json:"date"`
	Records   []AttendanceRecord `json:"records"`
	MarkedBy  string             `json:"markedBy"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Record returns the entry of one student.
func (a Attendance) Record(studentID string) (AttendanceRecord, bool) {
	for _, r := range a.Records {
		if r.StudentID == studentID {
			return r, true
		}
	}
	return AttendanceRecord{}, false
}

type AttendanceFilter struct {
	TenantID  string
	ClassID   string
	StudentID string
	From      time.Time
	To        time.Time
}

// Grade is one graded component of a student in a class. There is at most one per
// (tenant, class, student, component).
type Grade struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	ClassID   string    `json:"classId"`
	StudentID string    `json:"studentId"`
	Component string    `json:"component"`
	Value     float64   `json:"value"`
	MaxValue  float64   `json:"maxValue"`
	GradedBy  string    `json:"gradedBy"`
	GradedAt  time.Time `json:"gradedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type GradeFilter struct {
	TenantID  string
	ClassID   string
	StudentID string
}

type FeeType string

const (
	FeeTuition      FeeType = "tuition"
	FeeRegistration FeeType = "registration"
	FeeLab          FeeType = "lab"
	FeeLibrary      FeeType = "library"
	FeeOther        FeeType = "other"
)

func (t FeeType) Valid() bool {
	switch t {
	case FeeTuition, FeeRegistration, FeeLab, FeeLibrary, FeeOther:
		return true
	}
	return false
}

type FeeStatus string

const (
	FeePending FeeStatus = "pending"
	FeePaid    FeeStatus = "paid"
	FeeOverdue FeeStatus = "overdue"
	FeeWaived  FeeStatus = "waived"
)

// Fee is a charge to one student of a class.
type Fee struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	ClassID      string     `json:"classId"`
	StudentID    string     `json:"studentId"`
	Type         FeeType    `json:"type"`
	Amount       float64    `json:"amount"`
	DueDate      time.Time  `json:"dueDate"`
	Status       FeeStatus  `json:"status"`
	WaivedReason string     `json:"waivedReason,omitempty"`
	WaivedBy     string     `json:"waivedBy,omitempty"`
	WaivedAt     *time.Time `json:"waivedAt,omitempty"`
	CreatedBy    string     `json:"createdBy"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type FeeFilter struct {
	TenantID  string
	ClassID   string
	StudentID string
	Status    FeeStatus
}

// ClassStore persists classes and reads the program and cycle references they
// point to. Absent rows are reported with apperr.ErrNotFound.
type ClassStore interface {
	CreateClass(ctx context.Context, c Class) (Class, error)
	ClassByID(ctx context.Context, tenantID, id string, scope softdelete.Scope) (Class, error)
	ListClasses(ctx context.Context, tenantID string, scope softdelete.Scope) ([]Class, error)
	ProgramByID(ctx context.Context, tenantID, id string) (Program, error)
	CycleByID(ctx context.Context, tenantID, id string) (Cycle, error)
}

// AttendanceStore persists attendance sheets. MarkAttendance upserts on
// (tenant, class, date) atomically and reports whether a new sheet was created.
// OverrideAttendance swaps one student's status and returns the previous one.
type AttendanceStore interface {
	MarkAttendance(ctx context.Context, a Attendance) (Attendance, bool, error)
	AttendanceByID(ctx context.Context, tenantID, id string) (Attendance, error)
	ListAttendance(ctx context.Context, f AttendanceFilter) ([]Attendance, error)
	OverrideAttendance(ctx context.Context, tenantID, id, studentID string, status AttendanceStatus, actorID string, at time.Time) (AttendanceStatus, Attendance, error)
}

// GradeStore persists grades. UpsertGrade keys on (tenant, class, student,
// component); OverrideGrade returns the previous value.
type GradeStore interface {
	UpsertGrade(ctx context.Context, g Grade) (Grade, error)
	GradeByID(ctx context.Context, tenantID, id string) (Grade, error)
	ListGrades(ctx context.Context, f GradeFilter) ([]Grade, error)
	OverrideGrade(ctx context.Context, tenantID, id string, value float64, actorID string, at time.Time) (float64, Grade, error)
}

// FeeStore persists fees. WaiveFee moves a pending or overdue fee to waived and
// returns the fee as it was before; a fee in any other status is left untouched
// and reported with ErrFeeNotWaivable.
type FeeStore interface {
	CreateFee(ctx context.Context, f Fee) (Fee, error)
	FeeByID(ctx context.Context, tenantID, id string) (Fee, error)
	ListFees(ctx context.Context, f FeeFilter) ([]Fee, error)
	WaiveFee(ctx context.Context, tenantID, id, reason, actorID string, at time.Time) (Fee, Fee, error)
}

// ErrFeeNotWaivable is returned by FeeStore.WaiveFee for paid or already waived
// fees.
var ErrFeeNotWaivable = errors.New("fee cannot be waived")

// RosterValidator checks submitted students against the active roster of a class.
type RosterValidator interface {
	ValidateRoster(ctx context.Context, tenantID, classID string, studentIDs []string) error
}

// Change carries the before/after snapshot of an override for the audit trail.
type Change struct {
	Before map[string]any
	After  map[string]any
}
