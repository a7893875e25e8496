package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/ids"
)

// Service implements login, registration, refresh rotation and logout on top of
// the codec and resolver.
type Service struct {
	tenants  TenantStore
	users    UserStore
	sessions SessionStore
	codec    *Codec
	resolver *Resolver
	log      *zap.Logger
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the logger used for security events such as refresh reuse.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(tenants TenantStore, users UserStore, sessions SessionStore, codec *Codec, opts ...ServiceOption) *Service {
	svc := &Service{
		tenants:  tenants,
		users:    users,
		sessions: sessions,
		codec:    codec,
		resolver: NewResolver(tenants, users),
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Resolver exposes the resolver bound to the same stores.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Codec exposes the credential codec.
func (s *Service) Codec() *Codec { return s.codec }

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type LoginInput struct {
	TenantCode string
	Email      string
	Password   string
}

// Login authenticates credentials inside a tenant and opens a refresh session.
func (s *Service) Login(ctx context.Context, in LoginInput) (TokenPair, Identity, error) {
	code := NormalizeTenantCode(in.TenantCode)
	email := NormalizeEmail(in.Email)
	if code == "" || email == "" || in.Password == "" {
		return TokenPair{}, Identity{}, apperr.ErrInvalidCredentials
	}
	tenant, err := s.tenants.TenantByCode(ctx, code)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return TokenPair{}, Identity{}, apperr.ErrInvalidCredentials
		}
		return TokenPair{}, Identity{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != TenantActive {
		return TokenPair{}, Identity{}, apperr.ErrTenantSuspended
	}
	user, err := s.users.UserByEmail(ctx, tenant.ID, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return TokenPair{}, Identity{}, apperr.ErrInvalidCredentials
		}
		return TokenPair{}, Identity{}, fmt.Errorf("load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, in.Password); err != nil {
		return TokenPair{}, Identity{}, apperr.ErrInvalidCredentials
	}
	if user.Status != UserActive {
		return TokenPair{}, Identity{}, apperr.New(apperr.KindUserInactive,
			fmt.Sprintf("account is %s, please contact an administrator", user.Status))
	}

	now := s.now().UTC()
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		return TokenPair{}, Identity{}, fmt.Errorf("record login: %w", err)
	}
	user.LastLoginAt = &now

	pair, err := s.mintTokens(ctx, user)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	return pair, Identity{User: user, Tenant: tenant, TenantID: tenant.ID, Role: user.Role}, nil
}

type RegisterInput struct {
	TenantCode string
	Email      string
	Password   string
	FullName   string
	Phone      string
	Role       Role
}

// Register creates a pending user. Admins are only provisioned by other admins.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, Tenant, error) {
	if in.Role == 0 {
		in.Role = RoleStudent
	}
	if in.Role == RoleAdmin || !in.Role.Valid() {
		return User{}, Tenant{}, apperr.Validation("role must be student or teacher", map[string]any{"field": "role"})
	}
	tenant, err := s.tenants.TenantByCode(ctx, NormalizeTenantCode(in.TenantCode))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, Tenant{}, apperr.NotFound("tenant not found")
		}
		return User{}, Tenant{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != TenantActive {
		return User{}, Tenant{}, apperr.ErrTenantSuspended
	}
	user, err := s.createUser(ctx, tenant.ID, in.Email, in.Password, in.FullName, in.Phone, in.Role, UserPending)
	if err != nil {
		return User{}, Tenant{}, err
	}
	return user, tenant, nil
}

type CreateUserInput struct {
	Email    string
	Password string
	FullName string
	Phone    string
	Role     Role
}

// CreateUser provisions an active user in an admin's tenant. Unlike Register it
// can create admins.
func (s *Service) CreateUser(ctx context.Context, tenantID string, in CreateUserInput) (User, error) {
	if in.Role == 0 {
		in.Role = RoleStudent
	}
	if !in.Role.Valid() {
		return User{}, apperr.Validation("invalid role", map[string]any{"field": "role"})
	}
	tenant, err := s.tenants.TenantByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, apperr.NotFound("tenant not found")
		}
		return User{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != TenantActive {
		return User{}, apperr.ErrTenantSuspended
	}
	return s.createUser(ctx, tenant.ID, in.Email, in.Password, in.FullName, in.Phone, in.Role, UserActive)
}

func (s *Service) createUser(ctx context.Context, tenantID, email, password, fullName, phone string, role Role, status UserStatus) (User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, apperr.Validation("password is required", map[string]any{"field": "password"})
	}
	now := s.now().UTC()
	user, err := s.users.CreateUser(ctx, User{
		ID:           ids.New(),
		TenantID:     tenantID,
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
		Role:         role,
		Status:       status,
		Profile:      Profile{FullName: strings.TrimSpace(fullName), Phone: strings.TrimSpace(phone)},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return User{}, apperr.New(apperr.KindConflict, "user already exists in this tenant")
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// User returns one user of the tenant.
func (s *Service) User(ctx context.Context, tenantID, userID string) (User, error) {
	u, err := s.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, apperr.NotFound("user not found")
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if u.TenantID != tenantID {
		return User{}, apperr.NotFound("user not found")
	}
	return u, nil
}

// ListUsers returns the users of f.TenantID matching f and the total match count.
func (s *Service) ListUsers(ctx context.Context, f UserFilter) ([]User, int, error) {
	if f.Role != 0 && !f.Role.Valid() {
		return nil, 0, apperr.Validation("invalid role", map[string]any{"field": "role"})
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("invalid user status", map[string]any{"field": "status"})
	}
	f.Search = strings.TrimSpace(f.Search)
	out, total, err := s.users.ListUsers(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return out, total, nil
}

// Refresh exchanges a refresh token for a new pair. The user and tenant are fully
// re-resolved, the presented session is revoked and a new one replaces it. A token
// whose session was already revoked is treated as stolen: every session of the
// user is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Identity, error) {
	claims, err := s.codec.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	sess, err := s.sessions.Session(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return TokenPair{}, Identity{}, apperr.ErrInvalidToken
		}
		return TokenPair{}, Identity{}, fmt.Errorf("load session: %w", err)
	}
	if sess.UserID != claims.UserID || sess.TenantID != claims.TenantID || !matchesHash(sess.TokenHash, refreshToken) {
		return TokenPair{}, Identity{}, apperr.ErrInvalidToken
	}
	// Account state is reported ahead of reuse, since blocking also revokes.
	user, tenant, err := s.resolver.Resolve(ctx, claims.Subject)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	now := s.now().UTC()
	if sess.RevokedAt != nil {
		s.revokeAfterReuse(ctx, sess, now)
		return TokenPair{}, Identity{}, apperr.New(apperr.KindInvalidToken, "refresh token has already been used")
	}

	signed, next, err := s.codec.IssueRefreshToken(user.ID, tenant.ID)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	revoked, err := s.sessions.RevokeSession(ctx, sess.ID, next.ID, now)
	if err != nil {
		return TokenPair{}, Identity{}, fmt.Errorf("revoke session: %w", err)
	}
	if !revoked {
		s.revokeAfterReuse(ctx, sess, now)
		return TokenPair{}, Identity{}, apperr.New(apperr.KindInvalidToken, "refresh token has already been used")
	}
	if err := s.storeSession(ctx, signed, next); err != nil {
		return TokenPair{}, Identity{}, err
	}
	access, accessExp, err := s.codec.IssueAccessToken(user.ID, tenant.ID, user.Role)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	pair := TokenPair{
		AccessToken:      access,
		RefreshToken:     signed,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt.Time,
	}
	return pair, Identity{User: user, Tenant: tenant, TenantID: tenant.ID, Role: user.Role}, nil
}

// Logout revokes the presented refresh session, or every session of the caller
// when no token is given.
func (s *Service) Logout(ctx context.Context, id Identity, refreshToken string) error {
	now := s.now().UTC()
	if strings.TrimSpace(refreshToken) == "" {
		return s.sessions.RevokeUserSessions(ctx, id.UserID(), now)
	}
	claims, err := s.codec.VerifyRefreshToken(refreshToken)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTokenExpired {
			return nil
		}
		return err
	}
	if claims.UserID != id.UserID() || claims.TenantID != id.TenantID {
		return apperr.ErrInvalidToken
	}
	if _, err := s.sessions.RevokeSession(ctx, claims.ID, "", now); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// SetUserStatus moves a user of the caller's tenant to a new status. Blocking a
// user also revokes their refresh sessions.
func (s *Service) SetUserStatus(ctx context.Context, tenantID, userID string, status UserStatus) (User, User, error) {
	if !status.Valid() {
		return User{}, User{}, apperr.Validation("invalid user status", map[string]any{"field": "status"})
	}
	before, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return User{}, User{}, err
	}
	if before.TenantID != tenantID {
		return User{}, User{}, apperr.NotFound("user not found")
	}
	after, err := s.users.SetUserStatus(ctx, tenantID, userID, status)
	if err != nil {
		return User{}, User{}, err
	}
	if status != UserActive {
		if err := s.sessions.RevokeUserSessions(ctx, userID, s.now().UTC()); err != nil {
			return User{}, User{}, fmt.Errorf("revoke sessions: %w", err)
		}
	}
	return before, after, nil
}

func (s *Service) mintTokens(ctx context.Context, user User) (TokenPair, error) {
	access, accessExp, err := s.codec.IssueAccessToken(user.ID, user.TenantID, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, claims, err := s.codec.IssueRefreshToken(user.ID, user.TenantID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.storeSession(ctx, refresh, claims); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) storeSession(ctx context.Context, signed string, claims RefreshClaims) error {
	err := s.sessions.CreateSession(ctx, RefreshSession{
		ID:        claims.ID,
		UserID:    claims.UserID,
		TenantID:  claims.TenantID,
		TokenHash: hashToken(signed),
		ExpiresAt: claims.ExpiresAt.Time,
		CreatedAt: claims.IssuedAt.Time,
	})
	if err != nil {
		return fmt.Errorf("store refresh session: %w", err)
	}
	return nil
}

func (s *Service) revokeAfterReuse(ctx context.Context, sess RefreshSession, now time.Time) {
	s.log.Warn("refresh token reuse detected",
		zap.String("user_id", sess.UserID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("session_id", sess.ID),
	)
	if err := s.sessions.RevokeUserSessions(ctx, sess.UserID, now); err != nil {
		s.log.Error("revoke sessions after reuse", zap.String("user_id", sess.UserID), zap.Error(err))
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func matchesHash(expected, token string) bool {
	actual := hashToken(token)
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
