// Package audit records security and business relevant actions. Recording is
// best-effort: it is asynchronous and never reports failure to the caller.
package audit

import (
	"context"
	"time"
)

// Actions recorded by the service.
const (
	ActionUserRegistered     = "user_registered"
	ActionUserLoggedIn       = "user_logged_in"
	ActionUserLoggedOut      = "user_logged_out"
	ActionTokenRefreshed     = "token_refreshed"
	ActionUserCreated        = "user_created"
	ActionUserStatusChanged  = "user_status_changed"
	ActionEnrollmentCreated  = "enrollment_created"
	ActionEnrollmentUpdated  = "enrollment_updated"
	ActionEnrollmentDeleted  = "enrollment_deleted"
	ActionEnrollmentRestored = "enrollment_restored"
	ActionClassCreated       = "class_created"
	ActionAttendanceMarked   = "attendance_marked"
	ActionAttendanceUpdated  = "attendance_updated"
	ActionAttendanceOverride = "attendance_override"
	ActionGradeRecorded      = "grade_recorded"
	ActionGradeOverride      = "grade_override"
	ActionFeeRecorded        = "fee_created"
	ActionFeeWaived          = "fee_waived"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WithChange returns metadata carrying before/after snapshots of an override.
func WithChange(meta map[string]any, before, after map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["before"] = before
	out["after"] = after
	return out
}

// Writer appends entries to durable storage.
type Writer interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Filter narrows audit listings. TenantID is required.
type Filter struct {
	TenantID string
	UserID   string
	// Action matches as a case-insensitive substring.
	Action   string
	Entity   string
	EntityID string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Count is one bucket of an aggregate.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats aggregates recent activity of a tenant.
type Stats struct {
	Since    time.Time `json:"since"`
	Total    int       `json:"total"`
	ByAction []Count   `json:"byAction"`
	ByEntity []Count   `json:"byEntity"`
}

// Reader serves the admin audit endpoints.
type Reader interface {
	ListAudit(ctx context.Context, f Filter) ([]Entry, int, error)
	AuditByID(ctx context.Context, tenantID, id string) (Entry, error)
	AuditStats(ctx context.Context, tenantID string, since time.Time) (Stats, error)
}
