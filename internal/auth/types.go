package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the single global role a user holds inside a tenant.
type Role uint8

const (
	RoleStudent Role = iota + 1
	RoleTeacher
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleStudent: "student",
	RoleTeacher: "teacher",
	RoleAdmin:   "admin",
}

// ParseRole maps the wire form of a role. Unknown values are rejected.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "student":
		return RoleStudent, nil
	case "teacher":
		return RoleTeacher, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", raw)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantArchived  TenantStatus = "archived"
)

type UserStatus string

const (
	UserPending UserStatus = "pending"
	UserActive  UserStatus = "active"
	UserBlocked UserStatus = "blocked"
)

// Valid reports whether s is a known user status.
func (s UserStatus) Valid() bool {
	switch s {
	case UserPending, UserActive, UserBlocked:
		return true
	}
	return false
}

// TenantSettings carries per-university preferences.
type TenantSettings struct {
	GradingSystem        string `json:"gradingSystem"`
	CycleNaming          string `json:"cycleNaming"`
	AttendanceMinPercent int    `json:"attendanceMinPercent"`
}

// DefaultTenantSettings mirrors the provisioning defaults.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{GradingSystem: "percentage", CycleNaming: "semester", AttendanceMinPercent: 75}
}

// Tenant is the root isolation unit.
type Tenant struct {
	ID        string         `json:"id"`
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Status    TenantStatus   `json:"status"`
	Settings  TenantSettings `json:"settings"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NormalizeTenantCode upper-cases and trims a tenant code.
func NormalizeTenantCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type Profile struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone,omitempty"`
}

// User is an identity scoped to exactly one tenant.
type User struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Status       UserStatus `json:"status"`
	Profile      Profile    `json:"profile"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// UserFilter narrows a user listing. Search matches the email or full name,
// case-insensitively.
type UserFilter struct {
	TenantID string
	Role     Role
	Status   UserStatus
	Search   string
	Offset   int
	Limit    int
}

// RefreshSession is the persisted side of a refresh token. The token's jti is the
// session id; only a hash of the signed token is stored.
type RefreshSession struct {
	ID         string
	UserID     string
	TenantID   string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Active reports whether the session can still be exchanged at now.
func (s RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
