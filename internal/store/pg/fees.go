package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/apperr"
)

var _ academics.FeeStore = (*Store)(nil)

const feeColumns = `id, tenant_id, class_id, student_id, type, amount, due_date, status, waived_reason, waived_by, waived_at, created_by, created_at, updated_at`

func scanFee(row interface{ Scan(...any) error }) (academics.Fee, error) {
	var (
		f        academics.Fee
		waivedBy sql.NullString
		waivedAt sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.TenantID, &f.ClassID, &f.StudentID, &f.Type, &f.Amount, &f.DueDate, &f.Status,
		&f.WaivedReason, &waivedBy, &waivedAt, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return academics.Fee{}, err
	}
	f.DueDate = f.DueDate.UTC()
	f.WaivedBy = waivedBy.String
	f.WaivedAt = timePtr(waivedAt)
	return f, nil
}

func (s *Store) CreateFee(ctx context.Context, f academics.Fee) (academics.Fee, error) {
	if s.db == nil {
		return academics.Fee{}, errNoDB
	}
	created, err := scanFee(s.db.QueryRowContext(ctx, `
		insert into fees (id, tenant_id, class_id, student_id, type, amount, due_date, status, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning `+feeColumns,
		f.ID, f.TenantID, f.ClassID, f.StudentID, string(f.Type), f.Amount, f.DueDate, string(f.Status),
		f.CreatedBy, f.CreatedAt, f.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return academics.Fee{}, apperr.ErrConflict
		}
		return academics.Fee{}, err
	}
	return created, nil
}

func (s *Store) FeeByID(ctx context.Context, tenantID, id string) (academics.Fee, error) {
	if s.db == nil {
		return academics.Fee{}, errNoDB
	}
	f, err := scanFee(s.db.QueryRowContext(ctx, `select `+feeColumns+` from fees where tenant_id = $1 and id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Fee{}, apperr.ErrNotFound
	}
	return f, err
}

func (s *Store) ListFees(ctx context.Context, filter academics.FeeFilter) ([]academics.Fee, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	w := &where{}
	w.add("tenant_id = $%d", filter.TenantID)
	if filter.ClassID != "" {
		w.add("class_id = $%d", filter.ClassID)
	}
	if filter.StudentID != "" {
		w.add("student_id = $%d", filter.StudentID)
	}
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	rows, err := s.db.QueryContext(ctx, `select `+feeColumns+` from fees`+w.String()+` order by due_date, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []academics.Fee
	for rows.Next() {
		f, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WaiveFee locks the row so the status check and the update see the same fee.
func (s *Store) WaiveFee(ctx context.Context, tenantID, id, reason, actorID string, at time.Time) (academics.Fee, academics.Fee, error) {
	if s.db == nil {
		return academics.Fee{}, academics.Fee{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return academics.Fee{}, academics.Fee{}, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanFee(tx.QueryRowContext(ctx, `select `+feeColumns+` from fees where tenant_id = $1 and id = $2 for update`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return academics.Fee{}, academics.Fee{}, apperr.ErrNotFound
	}
	if err != nil {
		return academics.Fee{}, academics.Fee{}, err
	}
	if before.Status != academics.FeePending && before.Status != academics.FeeOverdue {
		return before, academics.Fee{}, academics.ErrFeeNotWaivable
	}
	after, err := scanFee(tx.QueryRowContext(ctx, `
		update fees set status = 'waived', waived_reason = $3, waived_by = $4, waived_at = $5, updated_at = $5
		where tenant_id = $1 and id = $2
		returning `+feeColumns, tenantID, id, reason, actorID, at))
	if err != nil {
		return academics.Fee{}, academics.Fee{}, err
	}
	if err := tx.Commit(); err != nil {
		return academics.Fee{}, academics.Fee{}, err
	}
	return before, after, nil
}
