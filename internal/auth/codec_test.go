package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campusgate.org/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	c, err := NewCodec(CodecConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		Issuer:        "campusgate",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestNewCodecRejectsSharedSecret(t *testing.T) {
	_, err := NewCodec(CodecConfig{
		AccessSecret:  []byte("same"),
		RefreshSecret: []byte("same"),
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	})
	if err == nil {
		t.Fatal("expected error for identical secrets")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)

	token, exp, err := c.IssueAccessToken("user-1", "tenant-1", RoleTeacher)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(clock.t.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := c.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.TenantID != "tenant-1" || claims.Role != RoleTeacher {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAccessTokenExpiryBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	token, _, err := c.IssueAccessToken("user-1", "tenant-1", RoleStudent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.Advance(15*time.Minute - time.Second)
	if _, err := c.VerifyAccessToken(token); err != nil {
		t.Fatalf("expected token valid one second before expiry, got %v", err)
	}

	clock.Advance(2 * time.Second)
	_, err = c.VerifyAccessToken(token)
	if apperr.KindOf(err) != apperr.KindTokenExpired {
		t.Fatalf("expected TOKEN_EXPIRED one second after expiry, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	other, err := NewCodec(CodecConfig{
		AccessSecret:  []byte("another-access"),
		RefreshSecret: []byte("another-refresh"),
		Issuer:        "campusgate",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	token, _, err := other.IssueAccessToken("user-1", "tenant-1", RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := c.VerifyAccessToken(token); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("expected INVALID_TOKEN, got %v", err)
	}
}

func TestExpiredForgeryIsInvalidNotExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	claims := AccessClaims{
		Subject: Subject{UserID: "user-1", TenantID: "tenant-1"},
		Role:    RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "campusgate",
			Audience:  jwt.ClaimStrings{audienceAccess},
			ExpiresAt: jwt.NewNumericDate(clock.t.Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = c.VerifyAccessToken(token)
	if apperr.KindOf(err) != apperr.KindInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %v", err)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)

	refresh, _, err := c.IssueRefreshToken("user-1", "tenant-1")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := c.VerifyAccessToken(refresh); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}

	access, _, err := c.IssueAccessToken("user-1", "tenant-1", RoleStudent)
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	if _, err := c.VerifyRefreshToken(access); !errors.Is(err, apperr.ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
}

func TestRefreshTokenCarriesSessionID(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clock)
	token, issued, err := c.IssueRefreshToken("user-1", "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := c.VerifyRefreshToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID == "" || got.ID != issued.ID {
		t.Fatalf("expected jti %q, got %q", issued.ID, got.ID)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	c := newTestCodec(t, &fakeClock{t: time.Now()})
	for _, token := range []string{"", "   ", "not-a-token", "a.b.c"} {
		if _, err := c.VerifyAccessToken(token); apperr.KindOf(err) != apperr.KindInvalidToken {
			t.Fatalf("token %q: expected INVALID_TOKEN, got %v", token, err)
		}
	}
}

func TestHashTokenMatches(t *testing.T) {
	h := hashToken("abc")
	if !matchesHash(h, "abc") {
		t.Fatal("expected hash to match")
	}
	if matchesHash(h, "abd") {
		t.Fatal("expected mismatch")
	}
}
