package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimit describes one fixed window quota.
type RateLimit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Env      string
	LogLevel string

	HTTPAddr string
	GRPCAddr string

	// DatabaseURL empty selects the in-memory store.
	DatabaseURL string
	// DemoAdminPassword is given to the admin of the in-memory demo tenant.
	DemoAdminPassword string

	// RedisAddr empty selects the in-process limiter.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AccessTokenSecret  string
	RefreshTokenSecret string
	TokenIssuer        string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration

	GlobalRateLimit RateLimit
	AuthRateLimit   RateLimit
	// TrustedProxies lists addresses or CIDRs of reverse proxies whose
	// X-Forwarded-For header is believed. Empty means the peer address is used.
	TrustedProxies []string

	AuditQueueSize int
	AuditWorkers   int

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:                getenv("APP_ENV", "development"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:           getenv("GRPC_ADDR", ":9090"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		DemoAdminPassword:  getenv("DEMO_ADMIN_PASSWORD", "campusgate-demo"),
		RedisAddr:          getenv("REDIS_ADDR", ""),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            getenvInt("REDIS_DB", 0),
		AccessTokenSecret:  getenv("JWT_ACCESS_SECRET", ""),
		RefreshTokenSecret: getenv("JWT_REFRESH_SECRET", ""),
		TokenIssuer:        getenv("JWT_ISSUER", "campusgate"),
		AccessTokenTTL:     getenvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getenvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		GlobalRateLimit: RateLimit{
			Max:    getenvInt("RATE_LIMIT_MAX", 100),
			Window: getenvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		AuthRateLimit: RateLimit{
			Max:    getenvInt("AUTH_RATE_LIMIT_MAX", 5),
			Window: getenvDuration("AUTH_RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		TrustedProxies:  getenvList("TRUSTED_PROXIES"),
		AuditQueueSize:  getenvInt("AUDIT_QUEUE_SIZE", 1024),
		AuditWorkers:    getenvInt("AUDIT_WORKERS", 2),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccessTokenSecret) == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET is required"))
	}
	if strings.TrimSpace(c.RefreshTokenSecret) == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("access token lifetime must be shorter than refresh lifetime"))
	}
	if c.AuditQueueSize <= 0 || c.AuditWorkers <= 0 {
		errs = append(errs, errors.New("audit queue size and workers must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Production reports whether the service runs with production defaults.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
