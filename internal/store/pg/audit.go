package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/audit"
)

var (
	_ audit.Writer = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

const auditColumns = `id, tenant_id, user_id, action, entity, entity_id, metadata, request_id, created_at`

func scanAudit(row interface{ Scan(...any) error }) (audit.Entry, error) {
	var (
		e    audit.Entry
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.Entity, &e.EntityID, &meta, &e.RequestID, &e.Timestamp); err != nil {
		return audit.Entry{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Entry{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return e, nil
}

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	metaJSON := []byte("{}")
	if len(e.Metadata) > 0 {
		bytes, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, tenant_id, user_id, action, entity, entity_id, metadata, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.UserID, e.Action, e.Entity, e.EntityID, metaJSON, e.RequestID, e.Timestamp)
	return err
}

func auditWhere(f audit.Filter) *where {
	w := &where{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		w.add("action ilike $%d", "%"+escapeLike(f.Action)+"%")
	}
	if f.Entity != "" {
		w.add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		w.add("entity_id = $%d", f.EntityID)
	}
	if !f.From.IsZero() {
		w.add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at <= $%d", f.To)
	}
	return w
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	w := auditWhere(f)
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `select ` + auditColumns + ` from audit_logs` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) AuditByID(ctx context.Context, tenantID, id string) (audit.Entry, error) {
	if s.db == nil {
		return audit.Entry{}, errNoDB
	}
	e, err := scanAudit(s.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_logs where tenant_id = $1 and id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, apperr.ErrNotFound
	}
	return e, err
}

func (s *Store) AuditStats(ctx context.Context, tenantID string, since time.Time) (audit.Stats, error) {
	if s.db == nil {
		return audit.Stats{}, errNoDB
	}
	var st audit.Stats
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from audit_logs where tenant_id = $1 and created_at >= $2
	`, tenantID, since).Scan(&st.Total); err != nil {
		return audit.Stats{}, err
	}
	var err error
	if st.ByAction, err = s.auditCounts(ctx, "action", tenantID, since); err != nil {
		return audit.Stats{}, err
	}
	if st.ByEntity, err = s.auditCounts(ctx, "entity", tenantID, since); err != nil {
		return audit.Stats{}, err
	}
	return st, nil
}

// auditCounts groups by column, which is always one of the fixed names above.
func (s *Store) auditCounts(ctx context.Context, column, tenantID string, since time.Time) ([]audit.Count, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+column+`, count(*) as n
		from audit_logs
		where tenant_id = $1 and created_at >= $2
		group by `+column+`
		order by n desc, `+column, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Count{}
	for rows.Next() {
		var c audit.Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
