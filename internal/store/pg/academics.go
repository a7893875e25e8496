package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
	"campusgate.org/internal/softdelete"
)

var (
	_ academics.ClassStore      = (*Store)(nil)
	_ academics.AttendanceStore = (*Store)(nil)
	_ academics.GradeStore      = (*Store)(nil)
)

const classColumns = `id, tenant_id, program_id, academic_cycle_id, name, capacity, status, created_at, updated_at, deleted_at`

func scanClass(row interface{ Scan(...any) error }) (academics.Class, error) {
	var (
		c       academics.Class
		deleted sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.ProgramID, &c.AcademicCycleID, &c.Name, &c.Capacity, &c.Status,
		&c.CreatedAt, &c.UpdatedAt, &deleted); err != nil {
		return academics.Class{}, err
	}
	c.Deleted = timePtr(deleted)
	return c, nil
}

func (s *Store) CreateClass(ctx context.Context, c academics.Class) (academics.Class, error) {
	if s.db == nil {
		return academics.Class{}, errNoDB
	}
	created, err := scanClass(s.db.QueryRowContext(ctx, `
		insert into classes (id, tenant_id, program_id, academic_cycle_id, name, capacity, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+classColumns,
		c.ID, c.TenantID, c.ProgramID, c.AcademicCycleID, c.Name, c.Capacity, string(c.Status), c.CreatedAt, c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return academics.Class{}, apperr.ErrConflict
		}
		return academics.Class{}, err
	}
	return created, nil
}

func (s *Store) ClassByID(ctx context.Context, tenantID, id string, scope softdelete.Scope) (academics.Class, error) {
	if s.db == nil {
		return academics.Class{}, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", tenantID)
	w.add("id = $%d", id)
	w.scope("deleted_at", scope)
	c, err := scanClass(s.db.QueryRowContext(ctx, `select `+classColumns+` from classes`+w.String(), w.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Class{}, apperr.ErrNotFound
	}
	return c, err
}

func (s *Store) ClassInTenant(ctx context.Context, tenantID, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from classes where tenant_id = $1 and id = $2 and deleted_at is null)
	`, tenantID, id).Scan(&exists)
	return exists, err
}

func (s *Store) ListClasses(ctx context.Context, tenantID string, scope softdelete.Scope) ([]academics.Class, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", tenantID)
	w.scope("deleted_at", scope)
	rows, err := s.db.QueryContext(ctx, `select `+classColumns+` from classes`+w.String()+` order by name`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []academics.Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ProgramByID(ctx context.Context, tenantID, id string) (academics.Program, error) {
	if s.db == nil {
		return academics.Program{}, errNoDB
	}
	var p academics.Program
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, code, name from programs where tenant_id = $1 and id = $2
	`, tenantID, id).Scan(&p.ID, &p.TenantID, &p.Code, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Program{}, apperr.ErrNotFound
	}
	return p, err
}

func (s *Store) CycleByID(ctx context.Context, tenantID, id string) (academics.Cycle, error) {
	if s.db == nil {
		return academics.Cycle{}, errNoDB
	}
	var (
		c            academics.Cycle
		starts, ends sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, program_id, name, starts_on, ends_on
		from academic_cycles where tenant_id = $1 and id = $2
	`, tenantID, id).Scan(&c.ID, &c.TenantID, &c.ProgramID, &c.Name, &starts, &ends)
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Cycle{}, apperr.ErrNotFound
	}
	if err != nil {
		return academics.Cycle{}, err
	}
	c.StartsOn, c.EndsOn = starts.Time, ends.Time
	return c, nil
}

// MarkAttendance upserts the sheet header on (tenant_id, class_id, date) and
// replaces its records in the same transaction.
func (s *Store) MarkAttendance(ctx context.Context, a academics.Attendance) (academics.Attendance, bool, error) {
	if s.db == nil {
		return academics.Attendance{}, false, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return academics.Attendance{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var created bool
	err = tx.QueryRowContext(ctx, `
		insert into attendance (id, tenant_id, class_id, date, marked_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (tenant_id, class_id, date) do update
		set marked_by = excluded.marked_by, updated_at = excluded.updated_at
		returning id, created_at, (xmax = 0)
	`, a.ID, a.TenantID, a.ClassID, a.Date, a.MarkedBy, a.CreatedAt, a.UpdatedAt).Scan(&a.ID, &a.CreatedAt, &created)
	if err != nil {
		return academics.Attendance{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `delete from attendance_records where attendance_id = $1`, a.ID); err != nil {
		return academics.Attendance{}, false, err
	}
	for _, r := range a.Records {
		if _, err := tx.ExecContext(ctx, `
			insert into attendance_records (attendance_id, student_id, status) values ($1, $2, $3)
		`, a.ID, r.StudentID, string(r.Status)); err != nil {
			return academics.Attendance{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return academics.Attendance{}, false, err
	}
	return a, created, nil
}

const attendanceJoin = `
	select a.id, a.tenant_id, a.class_id, a.date, a.marked_by, a.created_at, a.updated_at, r.student_id, r.status
	from attendance a
	join attendance_records r on r.attendance_id = a.id`

// collectAttendance folds joined (sheet, record) rows into sheets, preserving order.
func collectAttendance(rows *sql.Rows) ([]academics.Attendance, error) {
	var out []academics.Attendance
	for rows.Next() {
		var (
			a   academics.Attendance
			rec academics.AttendanceRecord
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ClassID, &a.Date, &a.MarkedBy, &a.CreatedAt, &a.UpdatedAt,
			&rec.StudentID, &rec.Status); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == a.ID {
			out[n-1].Records = append(out[n-1].Records, rec)
			continue
		}
		a.Date = a.Date.UTC()
		a.Records = []academics.AttendanceRecord{rec}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AttendanceByID(ctx context.Context, tenantID, id string) (academics.Attendance, error) {
	if s.db == nil {
		return academics.Attendance{}, errNoDB
	}
	return s.attendanceByID(ctx, s.db, tenantID, id)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) attendanceByID(ctx context.Context, q querier, tenantID, id string) (academics.Attendance, error) {
	rows, err := q.QueryContext(ctx, attendanceJoin+`
		where a.tenant_id = $1 and a.id = $2
		order by r.student_id
	`, tenantID, id)
	if err != nil {
		return academics.Attendance{}, err
	}
	defer rows.Close()
	sheets, err := collectAttendance(rows)
	if err != nil {
		return academics.Attendance{}, err
	}
	if len(sheets) == 0 {
		return academics.Attendance{}, apperr.ErrNotFound
	}
	return sheets[0], nil
}

func (s *Store) ListAttendance(ctx context.Context, f academics.AttendanceFilter) ([]academics.Attendance, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	w := &where{}
	w.add("a.tenant_id = $%d", f.TenantID)
	if f.ClassID != "" {
		w.add("a.class_id = $%d", f.ClassID)
	}
	if !f.From.IsZero() {
		w.add("a.date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("a.date <= $%d", f.To)
	}
	if f.StudentID != "" {
		w.add("exists (select 1 from attendance_records x where x.attendance_id = a.id and x.student_id = $%d)", f.StudentID)
	}
	rows, err := s.db.QueryContext(ctx, attendanceJoin+w.String()+` order by a.date desc, a.id, r.student_id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttendance(rows)
}

func (s *Store) OverrideAttendance(ctx context.Context, tenantID, id, studentID string, status academics.AttendanceStatus, actorID string, at time.Time) (academics.AttendanceStatus, academics.Attendance, error) {
	if s.db == nil {
		return "", academics.Attendance{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", academics.Attendance{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var previous academics.AttendanceStatus
	err = tx.QueryRowContext(ctx, `
		select r.status
		from attendance_records r
		join attendance a on a.id = r.attendance_id
		where a.tenant_id = $1 and r.attendance_id = $2 and r.student_id = $3
		for update of r
	`, tenantID, id, studentID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", academics.Attendance{}, apperr.ErrNotFound
	}
	if err != nil {
		return "", academics.Attendance{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update attendance_records set status = $3 where attendance_id = $1 and student_id = $2
	`, id, studentID, string(status)); err != nil {
		return "", academics.Attendance{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update attendance set marked_by = $2, updated_at = $3 where id = $1
	`, id, actorID, at); err != nil {
		return "", academics.Attendance{}, err
	}
	sheet, err := s.attendanceByID(ctx, tx, tenantID, id)
	if err != nil {
		return "", academics.Attendance{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", academics.Attendance{}, err
	}
	return previous, sheet, nil
}

const gradeColumns = `id, tenant_id, class_id, student_id, component, value, max_value, graded_by, graded_at, created_at, updated_at`

func scanGrade(row interface{ Scan(...any) error }) (academics.Grade, error) {
	var g academics.Grade
	err := row.Scan(&g.ID, &g.TenantID, &g.ClassID, &g.StudentID, &g.Component, &g.Value, &g.MaxValue,
		&g.GradedBy, &g.GradedAt, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func (s *Store) UpsertGrade(ctx context.Context, g academics.Grade) (academics.Grade, error) {
	if s.db == nil {
		return academics.Grade{}, errNoDB
	}
	return scanGrade(s.db.QueryRowContext(ctx, `
		insert into grades (id, tenant_id, class_id, student_id, component, value, max_value, graded_by, graded_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (tenant_id, class_id, student_id, component) do update
		set value = excluded.value, max_value = excluded.max_value, graded_by = excluded.graded_by,
			graded_at = excluded.graded_at, updated_at = excluded.updated_at
		returning `+gradeColumns,
		g.ID, g.TenantID, g.ClassID, g.StudentID, g.Component, g.Value, g.MaxValue, g.GradedBy, g.GradedAt, g.CreatedAt, g.UpdatedAt))
}

func (s *Store) GradeByID(ctx context.Context, tenantID, id string) (academics.Grade, error) {
	if s.db == nil {
		return academics.Grade{}, errNoDB
	}
	g, err := scanGrade(s.db.QueryRowContext(ctx, `select `+gradeColumns+` from grades where tenant_id = $1 and id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Grade{}, apperr.ErrNotFound
	}
	return g, err
}

func (s *Store) ListGrades(ctx context.Context, f academics.GradeFilter) ([]academics.Grade, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.ClassID != "" {
		w.add("class_id = $%d", f.ClassID)
	}
	if f.StudentID != "" {
		w.add("student_id = $%d", f.StudentID)
	}
	rows, err := s.db.QueryContext(ctx, `select `+gradeColumns+` from grades`+w.String()+` order by student_id, component`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []academics.Grade
	for rows.Next() {
		g, err := scanGrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) OverrideGrade(ctx context.Context, tenantID, id string, value float64, actorID string, at time.Time) (float64, academics.Grade, error) {
	if s.db == nil {
		return 0, academics.Grade{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, academics.Grade{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var previous float64
	err = tx.QueryRowContext(ctx, `select value from grades where tenant_id = $1 and id = $2 for update`, tenantID, id).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, academics.Grade{}, apperr.ErrNotFound
	}
	if err != nil {
		return 0, academics.Grade{}, err
	}
	g, err := scanGrade(tx.QueryRowContext(ctx, `
		update grades set value = $3, graded_by = $4, graded_at = $5, updated_at = $5
		where tenant_id = $1 and id = $2
		returning `+gradeColumns, tenantID, id, value, actorID, at))
	if err != nil {
		return 0, academics.Grade{}, err
	}
	if err := tx.Commit(); err != nil {
		return 0, academics.Grade{}, err
	}
	return previous, g, nil
}
