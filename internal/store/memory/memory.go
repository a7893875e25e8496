// Package memory provides mutex-guarded in-process stores for development and
// tests. Uniqueness rules are checked and applied under one lock, so concurrent
// writers see the same outcomes as with the database constraints.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/softdelete"
)

var (
	_ auth.TenantStore          = (*Store)(nil)
	_ auth.UserStore            = (*Store)(nil)
	_ auth.SessionStore         = (*Store)(nil)
	_ enrollment.Store          = (*Store)(nil)
	_ enrollment.Directory      = (*Store)(nil)
	_ academics.ClassStore      = (*Store)(nil)
	_ academics.AttendanceStore = (*Store)(nil)
	_ academics.GradeStore      = (*Store)(nil)
	_ academics.FeeStore        = (*Store)(nil)
	_ audit.Writer              = (*Store)(nil)
	_ audit.Reader              = (*Store)(nil)
)

type Store struct {
	mu sync.RWMutex

	tenants  map[string]auth.Tenant
	users    map[string]auth.User
	sessions map[string]auth.RefreshSession

	enrollments map[string]enrollment.Enrollment
	// enrollmentKeys indexes tenant|user|class to an enrollment id.
	enrollmentKeys map[string]string

	programs   map[string]academics.Program
	cycles     map[string]academics.Cycle
	classes    map[string]academics.Class
	attendance map[string]academics.Attendance
	// attendanceKeys indexes tenant|class|date to an attendance id.
	attendanceKeys map[string]string
	grades         map[string]academics.Grade
	gradeKeys      map[string]string
	fees           map[string]academics.Fee

	audit []audit.Entry
}

func New() *Store {
	return &Store{
		tenants:        make(map[string]auth.Tenant),
		users:          make(map[string]auth.User),
		sessions:       make(map[string]auth.RefreshSession),
		enrollments:    make(map[string]enrollment.Enrollment),
		enrollmentKeys: make(map[string]string),
		programs:       make(map[string]academics.Program),
		cycles:         make(map[string]academics.Cycle),
		classes:        make(map[string]academics.Class),
		attendance:     make(map[string]academics.Attendance),
		attendanceKeys: make(map[string]string),
		grades:         make(map[string]academics.Grade),
		gradeKeys:      make(map[string]string),
		fees:           make(map[string]academics.Fee),
	}
}

func key(parts ...string) string { return strings.Join(parts, "|") }

// Ping satisfies the readiness probe.
func (s *Store) Ping(context.Context) error { return nil }

// PutTenant provisions a tenant. Tenant provisioning has no API of its own.
func (s *Store) PutTenant(t auth.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Code = auth.NormalizeTenantCode(t.Code)
	s.tenants[t.ID] = t
}

// PutProgram provisions a program.
func (s *Store) PutProgram(p academics.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ID] = p
}

// PutCycle provisions an academic cycle.
func (s *Store) PutCycle(c academics.Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[c.ID] = c
}

func (s *Store) TenantByID(_ context.Context, id string) (auth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return auth.Tenant{}, apperr.ErrNotFound
	}
	return t, nil
}

func (s *Store) TenantByCode(_ context.Context, code string) (auth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code = auth.NormalizeTenantCode(code)
	for _, t := range s.tenants {
		if t.Code == code {
			return t, nil
		}
	}
	return auth.Tenant{}, apperr.ErrNotFound
}

func (s *Store) UserByID(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, apperr.ErrNotFound
	}
	return u, nil
}

func (s *Store) UserByEmail(_ context.Context, tenantID, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = auth.NormalizeEmail(email)
	for _, u := range s.users {
		if u.TenantID == tenantID && u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, apperr.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = auth.NormalizeEmail(u.Email)
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, apperr.ErrConflict
	}
	for _, existing := range s.users {
		if existing.TenantID == u.TenantID && existing.Email == u.Email {
			return auth.User{}, apperr.ErrConflict
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) TouchLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	s.users[userID] = u
	return nil
}

func (s *Store) SetUserStatus(_ context.Context, tenantID, userID string, status auth.UserStatus) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return auth.User{}, apperr.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return u, nil
}

func (s *Store) ListUsers(_ context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var out []auth.User
	for _, u := range s.users {
		if u.TenantID != f.TenantID {
			continue
		}
		if f.Role != 0 && u.Role != f.Role {
			continue
		}
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if search != "" && !strings.Contains(u.Email, search) && !strings.Contains(strings.ToLower(u.Profile.FullName), search) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return window(out, f.Offset, f.Limit), len(out), nil
}

func (s *Store) UserInTenant(_ context.Context, tenantID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.TenantID == tenantID, nil
}

func (s *Store) CreateSession(_ context.Context, sess auth.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return apperr.ErrConflict
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) Session(_ context.Context, id string) (auth.RefreshSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.RefreshSession{}, apperr.ErrNotFound
	}
	return sess, nil
}

func (s *Store) RevokeSession(_ context.Context, id, replacedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if sess.RevokedAt != nil {
		return false, nil
	}
	sess.RevokedAt = &at
	sess.ReplacedBy = replacedBy
	s.sessions[id] = sess
	return true, nil
}

func (s *Store) RevokeUserSessions(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &at
			s.sessions[id] = sess
		}
	}
	return nil
}

func (s *Store) CreateEnrollment(_ context.Context, e enrollment.Enrollment) (enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(e.TenantID, e.UserID, e.ClassID)
	if _, exists := s.enrollmentKeys[k]; exists {
		return enrollment.Enrollment{}, apperr.ErrAlreadyEnrolled
	}
	s.enrollments[e.ID] = e
	s.enrollmentKeys[k] = e.ID
	return e, nil
}

func (s *Store) FindActiveEnrollment(_ context.Context, tenantID, userID, classID string) (enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.enrollmentKeys[key(tenantID, userID, classID)]
	if !ok {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	e := s.enrollments[id]
	if !e.Grants() {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	return e, nil
}

func (s *Store) EnrollmentByID(_ context.Context, tenantID, id string, scope softdelete.Scope) (enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok || e.TenantID != tenantID || !scope.Visible(&e) {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	return e, nil
}

func (s *Store) MutateEnrollment(_ context.Context, tenantID, id string, m enrollment.Mutation) (enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || e.TenantID != tenantID {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	if m.RoleInClass != nil {
		e.RoleInClass = *m.RoleInClass
	}
	if m.Status != nil {
		e.Status = *m.Status
	}
	if m.Tombstone != nil {
		if *m.Tombstone == nil {
			e.Restore()
		} else {
			e.SoftDelete(**m.Tombstone)
		}
	}
	e.UpdatedBy = m.ActorID
	e.UpdatedAt = m.At
	s.enrollments[id] = e
	return e, nil
}

func (s *Store) ListEnrollments(_ context.Context, f enrollment.Filter) ([]enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var wanted map[string]struct{}
	if len(f.UserIDs) > 0 {
		wanted = make(map[string]struct{}, len(f.UserIDs))
		for _, id := range f.UserIDs {
			wanted[id] = struct{}{}
		}
	}
	var out []enrollment.Enrollment
	for _, e := range s.enrollments {
		if e.TenantID != f.TenantID || !f.Scope.Visible(&e) {
			continue
		}
		if f.ClassID != "" && e.ClassID != f.ClassID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[e.UserID]; !ok {
				continue
			}
		}
		if f.RoleInClass != 0 && e.RoleInClass != f.RoleInClass {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].JoinedAt.After(out[j].JoinedAt)
	})
	return window(out, f.Offset, f.Limit), nil
}

func (s *Store) CreateClass(_ context.Context, c academics.Class) (academics.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[c.ID]; ok {
		return academics.Class{}, apperr.ErrConflict
	}
	s.classes[c.ID] = c
	return c, nil
}

func (s *Store) ClassByID(_ context.Context, tenantID, id string, scope softdelete.Scope) (academics.Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[id]
	if !ok || c.TenantID != tenantID || !scope.Visible(&c) {
		return academics.Class{}, apperr.ErrNotFound
	}
	return c, nil
}

func (s *Store) ClassInTenant(ctx context.Context, tenantID, id string) (bool, error) {
	_, err := s.ClassByID(ctx, tenantID, id, softdelete.Live)
	return err == nil, nil
}

func (s *Store) ListClasses(_ context.Context, tenantID string, scope softdelete.Scope) ([]academics.Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []academics.Class
	for _, c := range s.classes {
		if c.TenantID == tenantID && scope.Visible(&c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ProgramByID(_ context.Context, tenantID, id string) (academics.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[id]
	if !ok || p.TenantID != tenantID {
		return academics.Program{}, apperr.ErrNotFound
	}
	return p, nil
}

func (s *Store) CycleByID(_ context.Context, tenantID, id string) (academics.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok || c.TenantID != tenantID {
		return academics.Cycle{}, apperr.ErrNotFound
	}
	return c, nil
}

func (s *Store) MarkAttendance(_ context.Context, a academics.Attendance) (academics.Attendance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(a.TenantID, a.ClassID, a.Date.Format(time.DateOnly))
	records := append([]academics.AttendanceRecord(nil), a.Records...)
	if id, ok := s.attendanceKeys[k]; ok {
		existing := s.attendance[id]
		existing.Records = records
		existing.MarkedBy = a.MarkedBy
		existing.UpdatedAt = a.UpdatedAt
		s.attendance[id] = existing
		return copyAttendance(existing), false, nil
	}
	a.Records = records
	s.attendance[a.ID] = a
	s.attendanceKeys[k] = a.ID
	return copyAttendance(a), true, nil
}

func (s *Store) AttendanceByID(_ context.Context, tenantID, id string) (academics.Attendance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attendance[id]
	if !ok || a.TenantID != tenantID {
		return academics.Attendance{}, apperr.ErrNotFound
	}
	return copyAttendance(a), nil
}

func (s *Store) ListAttendance(_ context.Context, f academics.AttendanceFilter) ([]academics.Attendance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []academics.Attendance
	for _, a := range s.attendance {
		if a.TenantID != f.TenantID {
			continue
		}
		if f.ClassID != "" && a.ClassID != f.ClassID {
			continue
		}
		if !f.From.IsZero() && a.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && a.Date.After(f.To) {
			continue
		}
		if f.StudentID != "" {
			if _, ok := a.Record(f.StudentID); !ok {
				continue
			}
		}
		out = append(out, copyAttendance(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (s *Store) OverrideAttendance(_ context.Context, tenantID, id, studentID string, status academics.AttendanceStatus, actorID string, at time.Time) (academics.AttendanceStatus, academics.Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attendance[id]
	if !ok || a.TenantID != tenantID {
		return "", academics.Attendance{}, apperr.ErrNotFound
	}
	a = copyAttendance(a)
	for i, r := range a.Records {
		if r.StudentID == studentID {
			previous := r.Status
			a.Records[i].Status = status
			a.MarkedBy = actorID
			a.UpdatedAt = at
			s.attendance[id] = a
			return previous, copyAttendance(a), nil
		}
	}
	return "", academics.Attendance{}, apperr.ErrNotFound
}

func (s *Store) UpsertGrade(_ context.Context, g academics.Grade) (academics.Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(g.TenantID, g.ClassID, g.StudentID, g.Component)
	if id, ok := s.gradeKeys[k]; ok {
		existing := s.grades[id]
		existing.Value = g.Value
		existing.MaxValue = g.MaxValue
		existing.GradedBy = g.GradedBy
		existing.GradedAt = g.GradedAt
		existing.UpdatedAt = g.UpdatedAt
		s.grades[id] = existing
		return existing, nil
	}
	s.grades[g.ID] = g
	s.gradeKeys[k] = g.ID
	return g, nil
}

func (s *Store) GradeByID(_ context.Context, tenantID, id string) (academics.Grade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grades[id]
	if !ok || g.TenantID != tenantID {
		return academics.Grade{}, apperr.ErrNotFound
	}
	return g, nil
}

func (s *Store) ListGrades(_ context.Context, f academics.GradeFilter) ([]academics.Grade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []academics.Grade
	for _, g := range s.grades {
		if g.TenantID != f.TenantID {
			continue
		}
		if f.ClassID != "" && g.ClassID != f.ClassID {
			continue
		}
		if f.StudentID != "" && g.StudentID != f.StudentID {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID == out[j].StudentID {
			return out[i].Component < out[j].Component
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (s *Store) OverrideGrade(_ context.Context, tenantID, id string, value float64, actorID string, at time.Time) (float64, academics.Grade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grades[id]
	if !ok || g.TenantID != tenantID {
		return 0, academics.Grade{}, apperr.ErrNotFound
	}
	previous := g.Value
	g.Value = value
	g.GradedBy = actorID
	g.GradedAt = at
	g.UpdatedAt = at
	s.grades[id] = g
	return previous, g, nil
}

func (s *Store) CreateFee(_ context.Context, f academics.Fee) (academics.Fee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fees[f.ID]; ok {
		return academics.Fee{}, apperr.ErrConflict
	}
	s.fees[f.ID] = f
	return f, nil
}

func (s *Store) FeeByID(_ context.Context, tenantID, id string) (academics.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fees[id]
	if !ok || f.TenantID != tenantID {
		return academics.Fee{}, apperr.ErrNotFound
	}
	return f, nil
}

func (s *Store) ListFees(_ context.Context, filter academics.FeeFilter) ([]academics.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []academics.Fee
	for _, f := range s.fees {
		if f.TenantID != filter.TenantID {
			continue
		}
		if filter.ClassID != "" && f.ClassID != filter.ClassID {
			continue
		}
		if filter.StudentID != "" && f.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out, nil
}

func (s *Store) WaiveFee(_ context.Context, tenantID, id, reason, actorID string, at time.Time) (academics.Fee, academics.Fee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.fees[id]
	if !ok || before.TenantID != tenantID {
		return academics.Fee{}, academics.Fee{}, apperr.ErrNotFound
	}
	if before.Status != academics.FeePending && before.Status != academics.FeeOverdue {
		return before, academics.Fee{}, academics.ErrFeeNotWaivable
	}
	after := before
	after.Status = academics.FeeWaived
	after.WaivedReason = reason
	after.WaivedBy = actorID
	after.WaivedAt = &at
	after.UpdatedAt = at
	s.fees[id] = after
	return before, after, nil
}

func (s *Store) AppendAudit(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAudit(_ context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action := strings.ToLower(f.Action)
	var out []audit.Entry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.TenantID != f.TenantID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if action != "" && !strings.Contains(strings.ToLower(e.Action), action) {
			continue
		}
		if f.Entity != "" && e.Entity != f.Entity {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return window(out, f.Offset, f.Limit), len(out), nil
}

func (s *Store) AuditByID(_ context.Context, tenantID, id string) (audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.audit {
		if e.ID == id && e.TenantID == tenantID {
			return e, nil
		}
	}
	return audit.Entry{}, apperr.ErrNotFound
}

func (s *Store) AuditStats(_ context.Context, tenantID string, since time.Time) (audit.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAction := map[string]int{}
	byEntity := map[string]int{}
	total := 0
	for _, e := range s.audit {
		if e.TenantID != tenantID || e.Timestamp.Before(since) {
			continue
		}
		total++
		byAction[e.Action]++
		byEntity[e.Entity]++
	}
	return audit.Stats{Total: total, ByAction: counts(byAction), ByEntity: counts(byEntity)}, nil
}

// AuditEntries returns a copy of every recorded entry in insertion order.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.audit...)
}

func counts(m map[string]int) []audit.Count {
	out := make([]audit.Count, 0, len(m))
	for k, v := range m {
		out = append(out, audit.Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	return out
}

func copyAttendance(a academics.Attendance) academics.Attendance {
	a.Records = append([]academics.AttendanceRecord(nil), a.Records...)
	return a
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
