package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/ids"
	"campusgate.org/internal/softdelete"
)

const maxListLimit = 500

// Service owns enrollment business rules. Every call is scoped by the tenant id of
// the resolved identity and attributed to the acting user.
type Service struct {
	store Store
	dir   Directory
	now   func() time.Time
}

type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, dir Directory, opts ...Option) *Service {
	s := &Service{store: store, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	UserID      string
	ClassID     string
	RoleInClass ClassRole
}

// Create enrolls a user in a class. Uniqueness is left to the store so that two
// concurrent creates yield exactly one row.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (Enrollment, error) {
	if in.RoleInClass == 0 {
		in.RoleInClass = ClassStudent
	}
	if !in.RoleInClass.Valid() {
		return Enrollment{}, apperr.Validation("invalid role in class", map[string]any{"field": "roleInClass"})
	}
	if s.dir != nil {
		ok, err := s.dir.ClassInTenant(ctx, tenantID, in.ClassID)
		if err != nil {
			return Enrollment{}, fmt.Errorf("lookup class: %w", err)
		}
		if !ok {
			return Enrollment{}, apperr.NotFound("class not found")
		}
		ok, err = s.dir.UserInTenant(ctx, tenantID, in.UserID)
		if err != nil {
			return Enrollment{}, fmt.Errorf("lookup user: %w", err)
		}
		if !ok {
			return Enrollment{}, apperr.NotFound("user not found")
		}
	}
	now := s.now().UTC()
	created, err := s.store.CreateEnrollment(ctx, Enrollment{
		ID:          ids.New(),
		TenantID:    tenantID,
		UserID:      in.UserID,
		ClassID:     in.ClassID,
		RoleInClass: in.RoleInClass,
		Status:      StatusActive,
		JoinedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyEnrolled) {
			return Enrollment{}, apperr.WithMeta(apperr.KindAlreadyEnrolled, "user is already enrolled in this class",
				map[string]any{"userId": in.UserID, "classId": in.ClassID})
		}
		return Enrollment{}, fmt.Errorf("create enrollment: %w", err)
	}
	return created, nil
}

// FindActive returns the enrollment granting userID access to classID. The boolean
// is false when no active enrollment exists.
func (s *Service) FindActive(ctx context.Context, tenantID, userID, classID string) (Enrollment, bool, error) {
	e, err := s.store.FindActiveEnrollment(ctx, tenantID, userID, classID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Enrollment{}, false, nil
		}
		return Enrollment{}, false, fmt.Errorf("find enrollment: %w", err)
	}
	if !e.Grants() {
		return Enrollment{}, false, nil
	}
	return e, true, nil
}

// Get returns one enrollment of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string, scope softdelete.Scope) (Enrollment, error) {
	e, err := s.store.EnrollmentByID(ctx, tenantID, id, scope)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Enrollment{}, apperr.NotFound("enrollment not found")
		}
		return Enrollment{}, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// UpdateRole changes the in-class role and returns the row before and after.
func (s *Service) UpdateRole(ctx context.Context, tenantID, id string, role ClassRole, actorID string) (Enrollment, Enrollment, error) {
	if !role.Valid() {
		return Enrollment{}, Enrollment{}, apperr.Validation("invalid role in class", map[string]any{"field": "roleInClass"})
	}
	return s.mutate(ctx, tenantID, id, softdelete.Live, Mutation{RoleInClass: &role, ActorID: actorID})
}

// SetStatus moves the enrollment to a new status. Re-enrolling after a drop goes
// through here rather than Create.
func (s *Service) SetStatus(ctx context.Context, tenantID, id string, status Status, actorID string) (Enrollment, Enrollment, error) {
	if !status.Valid() {
		return Enrollment{}, Enrollment{}, apperr.Validation("invalid enrollment status", map[string]any{"field": "status"})
	}
	return s.mutate(ctx, tenantID, id, softdelete.Live, Mutation{Status: &status, ActorID: actorID})
}

// SoftDelete tombstones the enrollment. The row is kept for history and stops
// granting access.
func (s *Service) SoftDelete(ctx context.Context, tenantID, id, actorID string) (Enrollment, error) {
	at := s.now().UTC()
	stamp := &at
	_, after, err := s.mutate(ctx, tenantID, id, softdelete.Live, Mutation{Tombstone: &stamp, ActorID: actorID})
	return after, err
}

// Restore clears the tombstone of a soft-deleted enrollment.
func (s *Service) Restore(ctx context.Context, tenantID, id, actorID string) (Enrollment, error) {
	var cleared *time.Time
	before, err := s.Get(ctx, tenantID, id, softdelete.All)
	if err != nil {
		return Enrollment{}, err
	}
	if !before.IsDeleted() {
		return before, nil
	}
	_, after, err := s.mutate(ctx, tenantID, id, softdelete.All, Mutation{Tombstone: &cleared, ActorID: actorID})
	return after, err
}

// ListByClass returns the live enrollments of a class, optionally narrowed to one
// in-class role.
func (s *Service) ListByClass(ctx context.Context, tenantID, classID string, role ClassRole) ([]Enrollment, error) {
	return s.List(ctx, Filter{TenantID: tenantID, ClassID: classID, RoleInClass: role})
}

// List returns enrollments matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Enrollment, error) {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, err := s.store.ListEnrollments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return out, nil
}

// ValidateRoster checks that every id is an actively enrolled student of the class.
// The offending ids are reported in the error metadata under invalidStudents.
func (s *Service) ValidateRoster(ctx context.Context, tenantID, classID string, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	enrolled, err := s.store.ListEnrollments(ctx, Filter{
		TenantID:    tenantID,
		ClassID:     classID,
		UserIDs:     studentIDs,
		RoleInClass: ClassStudent,
		Status:      StatusActive,
		Limit:       len(studentIDs),
	})
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	active := make(map[string]struct{}, len(enrolled))
	for _, e := range enrolled {
		active[e.UserID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(studentIDs))
	var invalid []string
	for _, id := range studentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := active[id]; !ok {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return apperr.Validation("some students are not enrolled in this class", map[string]any{
			"invalidStudents": invalid,
		})
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, tenantID, id string, scope softdelete.Scope, m Mutation) (Enrollment, Enrollment, error) {
	before, err := s.Get(ctx, tenantID, id, scope)
	if err != nil {
		return Enrollment{}, Enrollment{}, err
	}
	m.At = s.now().UTC()
	after, err := s.store.MutateEnrollment(ctx, tenantID, id, m)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Enrollment{}, Enrollment{}, apperr.NotFound("enrollment not found")
		}
		return Enrollment{}, Enrollment{}, fmt.Errorf("update enrollment: %w", err)
	}
	return before, after, nil
}
