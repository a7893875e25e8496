// Package enrollment is the durable ledger of who may access which class.
package enrollment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campusgate.org/internal/softdelete"
)

// ClassRole is the role a user holds inside one class.
type ClassRole uint8

const (
	ClassStudent ClassRole = iota + 1
	ClassTeacher
)

func ParseClassRole(raw string) (ClassRole, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "student":
		return ClassStudent, nil
	case "teacher":
		return ClassTeacher, nil
	}
	return 0, fmt.Errorf("unknown class role %q", raw)
}

func (r ClassRole) String() string {
	switch r {
	case ClassStudent:
		return "student"
	case ClassTeacher:
		return "teacher"
	}
	return "unknown"
}

func (r ClassRole) Valid() bool { return r == ClassStudent || r == ClassTeacher }

func (r ClassRole) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid class role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *ClassRole) UnmarshalText(text []byte) error {
	parsed, err := ParseClassRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Status string

const (
	StatusActive    Status = "active"
	StatusDropped   Status = "dropped"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDropped, StatusCompleted:
		return true
	}
	return false
}

// Enrollment binds one user to one class. There is at most one row per
// (tenant, user, class), whatever its status.
type Enrollment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	UserID      string    `json:"userId"`
	ClassID     string    `json:"classId"`
	RoleInClass ClassRole `json:"roleInClass"`
	Status      Status    `json:"status"`
	JoinedAt    time.Time `json:"joinedAt"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	softdelete.Marker
}

// Grants reports whether the enrollment currently gives access to its class.
func (e Enrollment) Grants() bool {
	return e.Status == StatusActive && e.Deleted == nil
}

// Filter narrows enrollment listings. Zero values match anything; TenantID is required.
type Filter struct {
	TenantID    string
	ClassID     string
	UserID      string
	UserIDs     []string
	RoleInClass ClassRole
	Status      Status
	Scope       softdelete.Scope
	Limit       int
	Offset      int
}

// Mutation is applied in place to one enrollment row.
type Mutation struct {
	RoleInClass *ClassRole
	Status      *Status
	// Tombstone sets (non-nil) or clears (pointer to nil) the deletion marker.
	Tombstone **time.Time
	ActorID   string
	At        time.Time
}

// Store is the persistence contract. CreateEnrollment must reject a duplicate
// (tenant, user, class) atomically with apperr.ErrAlreadyEnrolled; absent rows are
// reported with apperr.ErrNotFound.
type Store interface {
	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	FindActiveEnrollment(ctx context.Context, tenantID, userID, classID string) (Enrollment, error)
	EnrollmentByID(ctx context.Context, tenantID, id string, scope softdelete.Scope) (Enrollment, error)
	MutateEnrollment(ctx context.Context, tenantID, id string, m Mutation) (Enrollment, error)
	ListEnrollments(ctx context.Context, f Filter) ([]Enrollment, error)
}

// Directory answers whether referenced users and classes exist in a tenant.
type Directory interface {
	UserInTenant(ctx context.Context, tenantID, userID string) (bool, error)
	ClassInTenant(ctx context.Context, tenantID, classID string) (bool, error)
}
