package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/auth"
)

var (
	_ auth.TenantStore  = (*Store)(nil)
	_ auth.UserStore    = (*Store)(nil)
	_ auth.SessionStore = (*Store)(nil)
)

const tenantColumns = `id, code, name, status, settings, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (auth.Tenant, error) {
	var (
		t        auth.Tenant
		settings []byte
	)
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Status, &settings, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return auth.Tenant{}, err
	}
	t.Settings = auth.DefaultTenantSettings()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.Settings); err != nil {
			return auth.Tenant{}, fmt.Errorf("decode tenant settings: %w", err)
		}
	}
	return t, nil
}

func (s *Store) TenantByID(ctx context.Context, id string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, apperr.ErrNotFound
	}
	return t, err
}

func (s *Store) TenantByCode(ctx context.Context, code string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	t, err := scanTenant(s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where code = $1`,
		auth.NormalizeTenantCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, apperr.ErrNotFound
	}
	return t, err
}

const userColumns = `id, tenant_id, email, password_hash, role, status, full_name, phone, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var (
		u         auth.User
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &role, &u.Status,
		&u.Profile.FullName, &u.Profile.Phone, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return auth.User{}, err
	}
	u.Role = parsed
	u.LastLoginAt = timePtr(lastLogin)
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, apperr.ErrNotFound
	}
	return u, err
}

func (s *Store) UserByEmail(ctx context.Context, tenantID, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where tenant_id = $1 and email = $2`,
		tenantID, auth.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, apperr.ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, email, password_hash, role, status, full_name, phone, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+userColumns,
		u.ID, u.TenantID, auth.NormalizeEmail(u.Email), u.PasswordHash, u.Role.String(), string(u.Status),
		u.Profile.FullName, u.Profile.Phone, u.CreatedAt, u.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, apperr.ErrConflict
		}
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set last_login_at = $2, updated_at = $2 where id = $1`, userID, at)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *Store) SetUserStatus(ctx context.Context, tenantID, userID string, status auth.UserStatus) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		update users set status = $3, updated_at = now()
		where tenant_id = $1 and id = $2
		returning `+userColumns, tenantID, userID, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, apperr.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context, f auth.UserFilter) ([]auth.User, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.Role != 0 {
		w.add("role = $%d", f.Role.String())
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Search != "" {
		w.add("(email ilike $%[1]d or full_name ilike $%[1]d)", "%"+escapeLike(f.Search)+"%")
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `select ` + userColumns + ` from users` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) UserInTenant(ctx context.Context, tenantID, userID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where tenant_id = $1 and id = $2)`,
		tenantID, userID).Scan(&exists)
	return exists, err
}

func (s *Store) CreateSession(ctx context.Context, sess auth.RefreshSession) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_sessions (id, user_id, tenant_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, sess.TenantID, sess.TokenHash, sess.ExpiresAt, sess.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrConflict
	}
	return err
}

func (s *Store) Session(ctx context.Context, id string) (auth.RefreshSession, error) {
	if s.db == nil {
		return auth.RefreshSession{}, errNoDB
	}
	var (
		sess       auth.RefreshSession
		revoked    sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, token_hash, expires_at, created_at, revoked_at, replaced_by
		from refresh_sessions where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.TokenHash, &sess.ExpiresAt, &sess.CreatedAt, &revoked, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshSession{}, apperr.ErrNotFound
	}
	if err != nil {
		return auth.RefreshSession{}, err
	}
	sess.RevokedAt = timePtr(revoked)
	sess.ReplacedBy = replacedBy.String
	return sess, nil
}

// RevokeSession only touches a session that is still live, so of two concurrent
// rotations of the same token exactly one observes true.
func (s *Store) RevokeSession(ctx context.Context, id, replacedBy string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_sessions set revoked_at = $2, replaced_by = $3
		where id = $1 and revoked_at is null
	`, id, at, nullIfEmpty(replacedBy))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from refresh_sessions where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, apperr.ErrNotFound
	}
	return false, nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_sessions set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at)
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
