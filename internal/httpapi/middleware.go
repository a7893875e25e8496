package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campusgate.org/internal/apperr"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/config"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID honours a sane inbound X-Request-ID or generates a UUID, and echoes it
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

func validRequestID(rid string) bool {
	if rid == "" || len(rid) > 128 {
		return false
	}
	for _, c := range rid {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// requestInfo is filled in by authenticate so the access log can name the caller.
type requestInfo struct {
	tenantID string
	userID   string
}

type requestInfoKey struct{}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// logging attaches a request-scoped logger and writes one access line per request.
func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{}
		reqLog := a.log.With(zap.String("request_id", RequestIDFromContext(r.Context())))
		ctx := context.WithValue(r.Context(), requestInfoKey{}, info)
		ctx = obs.WithLogger(ctx, reqLog)

		sw := obs.NewStatusWriter(w)
		next.ServeHTTP(sw, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", a.clientIP(r)),
		}
		if info.tenantID != "" {
			fields = append(fields, zap.String("tenant_id", info.tenantID), zap.String("user_id", info.userID))
		}
		switch {
		case sw.Status() >= http.StatusInternalServerError:
			reqLog.Error("http request", fields...)
		case sw.Status() >= http.StatusBadRequest:
			reqLog.Warn("http request", fields...)
		default:
			reqLog.Info("http request", fields...)
		}
	})
}

// recoverer turns a panic into the internal error envelope.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				obs.FromContext(r.Context()).Error("panic serving request", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, r, apperr.New(apperr.KindInternal, "panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the hardening headers of a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// CORS allows local front-ends during development.
func CORS(next http.Handler) http.Handler {
	allowedMethods := "GET,POST,PATCH,DELETE,OPTIONS"
	allowedHeaders := "Authorization,Content-Type,X-Request-ID"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID,RateLimit-Limit,RateLimit-Remaining,RateLimit-Reset")
		w.Header().Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces quota per tenant and client address. The tenant is taken
// from a verified bearer token when one is present; unauthenticated callers share
// the anonymous bucket of their address. A failing limiter lets requests through.
func (a *API) rateLimit(scope string, quota config.RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a.limiter == nil || quota.Max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.Key(scope, a.tenantHint(r), a.clientIP(r))
			d, err := a.limiter.Allow(r.Context(), key, quota.Max, quota.Window)
			if err != nil {
				obs.FromContext(r.Context()).Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			resetSeconds := int(time.Until(d.ResetAt).Round(time.Second) / time.Second)
			if resetSeconds < 0 {
				resetSeconds = 0
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(resetSeconds))
			if !d.Allowed {
				if resetSeconds < 1 {
					resetSeconds = 1
				}
				h.Set("Retry-After", strconv.Itoa(resetSeconds))
				ratelimit.ObserveRejection(scope)
				writeError(w, r, apperr.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tenantHint reads the tenant claim of a valid access token without touching the
// store. The limiter only needs a partition key; authorization happens later.
func (a *API) tenantHint(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id.TenantID
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return ""
	}
	claims, err := a.codec.VerifyAccessToken(token)
	if err != nil {
		return ""
	}
	return claims.TenantID
}

// clientIP is the peer address. X-Forwarded-For is only consulted when the peer
// is a trusted proxy; it is then walked from the right past every trusted hop, so
// entries a client prepends itself are never used.
func (a *API) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !a.trustedProxy(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !a.trustedProxy(hop) {
			return hop
		}
	}
	return peer
}

func (a *API) trustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isLocalOrigin(o string) bool {
	return strings.HasPrefix(o, "http://localhost:") || strings.HasPrefix(o, "http://127.0.0.1:")
}
