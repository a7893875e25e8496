// Package apperr defines the operational error taxonomy shared by every layer of the
// service. Handlers turn these into the public error envelope; anything that is not an
// *Error is treated as an internal failure.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an operational failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindInvalidCredentials
	KindInvalidToken
	KindTokenExpired
	KindUserNotFound
	KindUserInactive
	KindTenantNotFound
	KindTenantSuspended
	KindTenantMismatch
	KindNotEnrolled
	KindInsufficientPermissions
	KindAlreadyEnrolled
	KindConflict
	KindValidation
	KindNotFound
	KindRateLimited
)

var kindCodes = map[Kind]string{
	KindInternal:                "INTERNAL_ERROR",
	KindUnauthorized:            "UNAUTHORIZED",
	KindInvalidCredentials:      "INVALID_CREDENTIALS",
	KindInvalidToken:            "INVALID_TOKEN",
	KindTokenExpired:            "TOKEN_EXPIRED",
	KindUserNotFound:            "USER_NOT_FOUND",
	KindUserInactive:            "USER_INACTIVE",
	KindTenantNotFound:          "TENANT_NOT_FOUND",
	KindTenantSuspended:         "TENANT_SUSPENDED",
	KindTenantMismatch:          "TENANT_MISMATCH",
	KindNotEnrolled:             "NOT_ENROLLED",
	KindInsufficientPermissions: "INSUFFICIENT_PERMISSIONS",
	KindAlreadyEnrolled:         "ALREADY_ENROLLED",
	KindConflict:                "DUPLICATE_ENTRY",
	KindValidation:              "VALIDATION_ERROR",
	KindNotFound:                "NOT_FOUND",
	KindRateLimited:             "RATE_LIMIT_EXCEEDED",
}

// Code returns the wire code reported to clients.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

// Status returns the HTTP status a failure of this kind is surfaced with.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized, KindInvalidCredentials, KindInvalidToken, KindTokenExpired, KindUserNotFound, KindTenantNotFound:
		return http.StatusUnauthorized
	case KindUserInactive, KindTenantSuspended, KindTenantMismatch, KindNotEnrolled, KindInsufficientPermissions:
		return http.StatusForbidden
	case KindAlreadyEnrolled, KindConflict, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string { return k.Code() }

// Error is an operational failure with optional client-visible metadata.
type Error struct {
	Kind     Kind
	Message  string
	Metadata map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WithMeta returns an error of the given kind carrying metadata.
func WithMeta(kind Kind, msg string, meta map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Metadata: meta}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the kind of err, or KindInternal when err is not operational.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the operational error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	ErrUnauthorized            = New(KindUnauthorized, "authentication required")
	ErrInvalidCredentials      = New(KindInvalidCredentials, "invalid credentials")
	ErrInvalidToken            = New(KindInvalidToken, "invalid token")
	ErrTokenExpired            = New(KindTokenExpired, "token expired")
	ErrUserNotFound            = New(KindUserNotFound, "user not found")
	ErrUserInactive            = New(KindUserInactive, "user account is not active")
	ErrTenantNotFound          = New(KindTenantNotFound, "tenant not found")
	ErrTenantSuspended         = New(KindTenantSuspended, "tenant account is suspended")
	ErrTenantMismatch          = New(KindTenantMismatch, "tenant mismatch")
	ErrNotEnrolled             = New(KindNotEnrolled, "not enrolled in this class")
	ErrInsufficientPermissions = New(KindInsufficientPermissions, "insufficient permissions")
	ErrAlreadyEnrolled         = New(KindAlreadyEnrolled, "user is already enrolled in this class")
	ErrConflict                = New(KindConflict, "resource already exists")
	ErrValidation              = New(KindValidation, "validation error")
	ErrNotFound                = New(KindNotFound, "resource not found")
	ErrRateLimited             = New(KindRateLimited, "too many requests, please try again later")
)

// NotEnrolled reports a class-scoped access without an active enrollment.
func NotEnrolled(classID string) *Error {
	return WithMeta(KindNotEnrolled, "not enrolled in this class", map[string]any{"classId": classID})
}

// InsufficientRole reports a role mismatch carrying both sides for diagnostics.
func InsufficientRole(msg, required, actual string) *Error {
	return WithMeta(KindInsufficientPermissions, msg, map[string]any{
		"requiredRole": required,
		"actualRole":   actual,
	})
}

// Validation reports malformed input.
func Validation(msg string, meta map[string]any) *Error {
	return WithMeta(KindValidation, msg, meta)
}

// NotFound reports an absent resource under the current tenant scope.
func NotFound(msg string) *Error {
	return New(KindNotFound, msg)
}
