package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campusgate.org/internal/apperr"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	defaultStatDays = 30
	maxStatDays     = 365
)

// Page describes a window of a listing.
type Page struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// Query serves admin reads of the audit trail.
type Query struct {
	r   Reader
	now func() time.Time
}

func NewQuery(r Reader) *Query {
	return &Query{r: r, now: time.Now}
}

// List returns one page of entries, newest first. page is 1-based.
func (q *Query) List(ctx context.Context, f Filter, page, limit int) ([]Entry, Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, Page{}, apperr.Validation("endDate must not precede startDate", map[string]any{"field": "endDate"})
	}
	f.Limit = limit
	f.Offset = (page - 1) * limit
	entries, total, err := q.r.ListAudit(ctx, f)
	if err != nil {
		return nil, Page{}, fmt.Errorf("list audit: %w", err)
	}
	pages := (total + limit - 1) / limit
	return entries, Page{Total: total, Page: page, Limit: limit, Pages: pages}, nil
}

func (q *Query) Get(ctx context.Context, tenantID, id string) (Entry, error) {
	e, err := q.r.AuditByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Entry{}, apperr.NotFound("audit log not found")
		}
		return Entry{}, fmt.Errorf("get audit: %w", err)
	}
	return e, nil
}

// Stats aggregates the last days of activity.
func (q *Query) Stats(ctx context.Context, tenantID string, days int) (Stats, error) {
	if days <= 0 {
		days = defaultStatDays
	}
	if days > maxStatDays {
		days = maxStatDays
	}
	since := q.now().UTC().AddDate(0, 0, -days)
	st, err := q.r.AuditStats(ctx, tenantID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("audit stats: %w", err)
	}
	st.Since = since
	return st, nil
}
