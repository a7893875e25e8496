package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/softdelete"
)

var (
	_ enrollment.Store     = (*Store)(nil)
	_ enrollment.Directory = (*Store)(nil)
)

const enrollmentColumns = `id, tenant_id, user_id, class_id, role_in_class, status, joined_at, updated_by, created_at, updated_at, deleted_at`

func scanEnrollment(row interface{ Scan(...any) error }) (enrollment.Enrollment, error) {
	var (
		e         enrollment.Enrollment
		role      string
		updatedBy sql.NullString
		deleted   sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.ClassID, &role, &e.Status, &e.JoinedAt,
		&updatedBy, &e.CreatedAt, &e.UpdatedAt, &deleted); err != nil {
		return enrollment.Enrollment{}, err
	}
	parsed, err := enrollment.ParseClassRole(role)
	if err != nil {
		return enrollment.Enrollment{}, err
	}
	e.RoleInClass = parsed
	e.UpdatedBy = updatedBy.String
	e.Deleted = timePtr(deleted)
	return e, nil
}

// CreateEnrollment relies on the (tenant_id, user_id, class_id) unique index so
// concurrent inserts of the same pair yield exactly one row.
func (s *Store) CreateEnrollment(ctx context.Context, e enrollment.Enrollment) (enrollment.Enrollment, error) {
	if s.db == nil {
		return enrollment.Enrollment{}, errNoDB
	}
	created, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		insert into enrollments (id, tenant_id, user_id, class_id, role_in_class, status, joined_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+enrollmentColumns,
		e.ID, e.TenantID, e.UserID, e.ClassID, e.RoleInClass.String(), string(e.Status), e.JoinedAt, e.CreatedAt, e.UpdatedAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return enrollment.Enrollment{}, apperr.ErrAlreadyEnrolled
			case pgErrForeignKeyViolation:
				return enrollment.Enrollment{}, apperr.ErrNotFound
			}
		}
		return enrollment.Enrollment{}, err
	}
	return created, nil
}

func (s *Store) FindActiveEnrollment(ctx context.Context, tenantID, userID, classID string) (enrollment.Enrollment, error) {
	if s.db == nil {
		return enrollment.Enrollment{}, errNoDB
	}
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		select `+enrollmentColumns+`
		from enrollments
		where tenant_id = $1 and user_id = $2 and class_id = $3 and status = 'active' and deleted_at is null
	`, tenantID, userID, classID))
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	return e, err
}

func (s *Store) EnrollmentByID(ctx context.Context, tenantID, id string, scope softdelete.Scope) (enrollment.Enrollment, error) {
	if s.db == nil {
		return enrollment.Enrollment{}, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", tenantID)
	w.add("id = $%d", id)
	w.scope("deleted_at", scope)
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `select `+enrollmentColumns+` from enrollments`+w.String(), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	return e, err
}

func (s *Store) MutateEnrollment(ctx context.Context, tenantID, id string, m enrollment.Mutation) (enrollment.Enrollment, error) {
	if s.db == nil {
		return enrollment.Enrollment{}, errNoDB
	}
	var (
		setClauses []string
		args       = []any{tenantID, id}
	)
	set := func(column string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if m.RoleInClass != nil {
		set("role_in_class", m.RoleInClass.String())
	}
	if m.Status != nil {
		set("status", string(*m.Status))
	}
	if m.Tombstone != nil {
		set("deleted_at", nullTime(*m.Tombstone))
	}
	set("updated_by", nullIfEmpty(m.ActorID))
	set("updated_at", m.At)

	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		update enrollments set `+strings.Join(setClauses, ", ")+`
		where tenant_id = $1 and id = $2
		returning `+enrollmentColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return enrollment.Enrollment{}, apperr.ErrNotFound
	}
	return e, err
}

func (s *Store) ListEnrollments(ctx context.Context, f enrollment.Filter) ([]enrollment.Enrollment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.ClassID != "" {
		w.add("class_id = $%d", f.ClassID)
	}
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if len(f.UserIDs) > 0 {
		w.add("user_id = any($%d)", f.UserIDs)
	}
	if f.RoleInClass != 0 {
		w.add("role_in_class = $%d", f.RoleInClass.String())
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	w.scope("deleted_at", f.Scope)
	query := `select ` + enrollmentColumns + ` from enrollments` + w.String() + ` order by joined_at desc, id desc`
	query += w.page(f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
