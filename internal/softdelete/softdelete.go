// Package softdelete holds the tombstone contract shared by retained entities.
// Queries never hide tombstoned rows implicitly; every list or find takes a Scope.
package softdelete

import "time"

// SoftDeletable is implemented by entities that are retired instead of removed.
type SoftDeletable interface {
	DeletedAt() *time.Time
	SoftDelete(at time.Time)
	Restore()
}

// Scope selects whether tombstoned rows are visible to a query.
type Scope struct {
	IncludeDeleted bool
}

// Live excludes tombstoned rows.
var Live = Scope{}

// All includes tombstoned rows.
var All = Scope{IncludeDeleted: true}

// Visible reports whether an entity passes the scope.
func (s Scope) Visible(e SoftDeletable) bool {
	return s.IncludeDeleted || e.DeletedAt() == nil
}

// Marker is embedded by entities to satisfy SoftDeletable.
type Marker struct {
	Deleted *time.Time `json:"deletedAt,omitempty"`
}

func (m *Marker) DeletedAt() *time.Time { return m.Deleted }

func (m *Marker) SoftDelete(at time.Time) {
	at = at.UTC()
	m.Deleted = &at
}

func (m *Marker) Restore() { m.Deleted = nil }

// IsDeleted reports whether the marker carries a tombstone.
func (m *Marker) IsDeleted() bool { return m.Deleted != nil }
