package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"campusgate.org/internal/config"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitExceeded(t *testing.T) {
	a := &API{limiter: ratelimit.NewMemory(ratelimit.MemoryConfig{})}
	handler := RequestID(a.rateLimit("auth", config.RateLimit{Max: 2, Window: time.Minute})(okHandler()))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = ip + ":4321"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("10.0.0.1"); rr.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := send("10.0.0.1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" || rr.Header().Get("RateLimit-Limit") != "2" || rr.Header().Get("RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", rr.Header())
	}
	if !strings.Contains(rr.Body.String(), `"code":"RATE_LIMIT_EXCEEDED"`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), rr.Header().Get(requestIDHeader)) {
		t.Fatalf("body lacks request id: %s", rr.Body.String())
	}

	if rr := send("10.0.0.2"); rr.Code != http.StatusOK {
		t.Fatalf("other address: expected 200, got %d", rr.Code)
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	a := &API{limiter: ratelimit.NewMemory(ratelimit.MemoryConfig{})}
	handler := a.rateLimit("auth", config.RateLimit{Max: 2, Window: time.Minute})(okHandler())

	var last int
	for i, forwarded := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:4321"
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		last = rr.Code
		if i < 2 && rr.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rr.Code)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For escaped the limit, got %d", last)
	}
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	a := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}

	cases := []struct {
		name      string
		peer      string
		forwarded string
		want      string
	}{
		{"untrusted peer", "198.51.100.4:80", "1.2.3.4", "198.51.100.4"},
		{"trusted peer", "10.0.0.5:80", "1.2.3.4", "1.2.3.4"},
		{"proxy chain", "10.0.0.5:80", "1.2.3.4, 10.0.0.9", "1.2.3.4"},
		{"spoofed leftmost hop", "10.0.0.5:80", "6.6.6.6, 1.2.3.4, 10.0.0.9", "1.2.3.4"},
		{"no header", "10.0.0.5:80", "", "10.0.0.5"},
		{"only proxies", "10.0.0.5:80", "10.1.1.1", "10.0.0.5"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.peer
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := a.clientIP(req); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := &API{limiter: brokenLimiter{}}
	handler := a.rateLimit("global", config.RateLimit{Max: 1, Window: time.Minute})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	req = req.WithContext(obs.WithLogger(req.Context(), zap.New(core)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rr.Code)
	}
	if logs.FilterMessage("rate limiter unavailable").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
}

func TestRequestIDHonouredOrGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "req-abc-123" || rr.Header().Get(requestIDHeader) != "req-abc-123" {
		t.Fatalf("inbound id not honoured: ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "has space")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "" || seen == "has space" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected generated id, got %q", seen)
	}
}

func TestRecovererReturnsInternalError(t *testing.T) {
	handler := RequestID(recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INTERNAL_ERROR"`) || strings.Contains(rr.Body.String(), "boom") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	c := newCampus(t)

	res := c.do(http.MethodGet, "/api/v1/nope", "", nil)
	if res.code != http.StatusNotFound || res.errorCode() != "NOT_FOUND" {
		t.Fatalf("unknown route: status %d code %s", res.code, res.errorCode())
	}
	res = c.do(http.MethodDelete, "/api/v1/auth/login", "", nil)
	if res.code != http.StatusMethodNotAllowed || res.errorCode() != "METHOD_NOT_ALLOWED" {
		t.Fatalf("wrong method: status %d code %s", res.code, res.errorCode())
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	c := newCampus(t)

	res := c.do(http.MethodGet, "/api/v1/auth/me", "", nil)
	if res.code != http.StatusUnauthorized || res.errorCode() != "UNAUTHORIZED" {
		t.Fatalf("status %d code %s", res.code, res.errorCode())
	}
	res = c.do(http.MethodGet, "/api/v1/auth/me", "not-a-jwt", nil)
	if res.code != http.StatusUnauthorized || res.errorCode() != "INVALID_TOKEN" {
		t.Fatalf("bad token: status %d code %s", res.code, res.errorCode())
	}
}
