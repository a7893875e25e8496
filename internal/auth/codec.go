package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"campusgate.org/internal/apperr"
)

const (
	audienceAccess  = "access"
	audienceRefresh = "refresh"
)

// CodecConfig is everything the credential codec needs. It is built once from the
// process configuration and passed in explicitly.
type CodecConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
}

// Subject names the user and tenant a token was issued for.
type Subject struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// AccessClaims are carried by short-lived access tokens.
type AccessClaims struct {
	Subject
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by refresh tokens. The role is left out so a refresh
// always re-reads it from the user record.
type RefreshClaims struct {
	Subject
	jwt.RegisteredClaims
}

// Codec signs and verifies bearer tokens with HS256.
type Codec struct {
	cfg CodecConfig
}

// NewCodec validates cfg and returns a codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	return &Codec{cfg: cfg}, nil
}

// RefreshTTL returns the configured refresh lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }

// IssueAccessToken signs an access token for the user and returns it with its expiry.
func (c *Codec) IssueAccessToken(userID, tenantID string, role Role) (string, time.Time, error) {
	if userID == "" || tenantID == "" {
		return "", time.Time{}, errors.New("auth: user and tenant are required")
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: invalid role %d", uint8(role))
	}
	now := c.cfg.Now()
	exp := now.Add(c.cfg.AccessTTL)
	claims := AccessClaims{
		Subject: Subject{UserID: userID, TenantID: tenantID},
		Role:    role,
		RegisteredClaims: c.registered(userID, audienceAccess, now, exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefreshToken signs a refresh token. The returned claims carry the jti that
// names the persisted session.
func (c *Codec) IssueRefreshToken(userID, tenantID string) (string, RefreshClaims, error) {
	if userID == "" || tenantID == "" {
		return "", RefreshClaims{}, errors.New("auth: user and tenant are required")
	}
	now := c.cfg.Now()
	claims := RefreshClaims{
		Subject:          Subject{UserID: userID, TenantID: tenantID},
		RegisteredClaims: c.registered(userID, audienceRefresh, now, now.Add(c.cfg.RefreshTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.RefreshSecret)
	if err != nil {
		return "", RefreshClaims{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, claims, nil
}

// VerifyAccessToken fails with InvalidToken for malformed or forged tokens and
// TokenExpired once the expiry has passed.
func (c *Codec) VerifyAccessToken(token string) (AccessClaims, error) {
	var claims AccessClaims
	if err := c.parse(token, &claims, c.cfg.AccessSecret, audienceAccess); err != nil {
		return AccessClaims{}, err
	}
	if !claims.Role.Valid() {
		return AccessClaims{}, apperr.ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefreshToken has the same failure semantics as VerifyAccessToken.
func (c *Codec) VerifyRefreshToken(token string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := c.parse(token, &claims, c.cfg.RefreshSecret, audienceRefresh); err != nil {
		return RefreshClaims{}, err
	}
	if claims.ID == "" {
		return RefreshClaims{}, apperr.ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) registered(userID, audience string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    c.cfg.Issuer,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

type subjectClaims interface {
	jwt.Claims
	subject() Subject
}

func (s Subject) subject() Subject { return s }

func (c *Codec) parse(token string, claims subjectClaims, secret []byte, audience string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperr.ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.cfg.Now),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperr.Wrap(apperr.KindTokenExpired, "token expired", err)
		}
		return apperr.Wrap(apperr.KindInvalidToken, "invalid token", err)
	}
	if !parsed.Valid {
		return apperr.ErrInvalidToken
	}
	sub := claims.subject()
	if sub.UserID == "" || sub.TenantID == "" {
		return apperr.ErrInvalidToken
	}
	return nil
}
