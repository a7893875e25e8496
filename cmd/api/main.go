package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusgate.org/internal/academics"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/auth"
	"campusgate.org/internal/authz"
	"campusgate.org/internal/config"
	"campusgate.org/internal/enrollment"
	"campusgate.org/internal/httpapi"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/ratelimit"
	"campusgate.org/internal/store/memory"
	"campusgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is the subset shared by the Postgres and in-memory stores.
type backend interface {
	auth.TenantStore
	auth.UserStore
	auth.SessionStore
	enrollment.Store
	enrollment.Directory
	academics.ClassStore
	academics.AttendanceStore
	academics.GradeStore
	academics.FeeStore
	audit.Writer
	audit.Reader
}

func main() {
	cfg := config.Load()

	log, err := obs.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	obs.SetLogger(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	reg := prometheus.DefaultRegisterer
	obs.Init(reg)
	obs.InitBuildInfo(reg, version, commit)
	authz.RegisterMetrics(reg)
	audit.RegisterMetrics(reg)
	ratelimit.RegisterMetrics(reg)

	var (
		store backend
		probe httpapi.ReadyProbe
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("open database", zap.Error(err))
		}
		defer func() { _ = pgStore.Close() }()
		store, probe.DB = pgStore, pgStore.DB()
		log.Info("using postgres store")
	} else {
		if cfg.Production() {
			log.Fatal("DATABASE_URL is required in production")
		}
		mem := memory.New()
		if err := seedDemo(context.Background(), mem, cfg.DemoAdminPassword); err != nil {
			log.Fatal("seed demo tenant", zap.Error(err))
		}
		store = mem
		log.Warn("DATABASE_URL not set, using in-memory store with the demo tenant",
			zap.String("admin", demoAdminEmail))
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(ratelimit.MemoryConfig{})
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		shared, err := ratelimit.NewRedis(rdb, nil)
		if err != nil {
			log.Fatal("redis limiter", zap.Error(err))
		}
		limiter = ratelimit.NewFailover(shared, limiter, log)
		probe.Redis = rdb
	}

	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		Issuer:        cfg.TokenIssuer,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		log.Fatal("token codec", zap.Error(err))
	}
	authSvc := auth.NewService(store, store, store, codec, auth.WithLogger(log))
	enrollments := enrollment.NewService(store, store)
	academicSvc := academics.NewService(store, store, store, store, enrollments)
	sink := audit.NewSink(store,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithWorkers(cfg.AuditWorkers),
		audit.WithLogger(log),
	)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatal("trusted proxies", zap.Error(err))
	}

	api := httpapi.New(httpapi.Deps{
		Auth:           authSvc,
		Enrollments:    enrollments,
		Academics:      academicSvc,
		Engine:         authz.NewEngine(enrollments),
		Audit:          sink,
		AuditQuery:     audit.NewQuery(store),
		Limiter:        limiter,
		GlobalLimit:    cfg.GlobalRateLimit,
		AuthLimit:      cfg.AuthRateLimit,
		TrustedProxies: proxies,
		Ready:          probe,
		Logger:         log,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(probe, log)

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		log.Error("server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	obs.SetReady(false)
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := sink.Close(ctx); err != nil {
		log.Warn("audit sink drain", zap.Error(err))
	}
	log.Info("stopped")
}

const demoAdminEmail = "admin@demo.edu"

// seedDemo mirrors ops/migrations/seeds so the API is usable without Postgres.
func seedDemo(ctx context.Context, st *memory.Store, adminPassword string) error {
	const (
		tenantID  = "01J9Z3K8E50000000000000001"
		programID = "01J9Z3K8E50000000000000002"
	)
	st.PutTenant(auth.Tenant{ID: tenantID, Code: "DEMO", Name: "Demo Campus", Status: auth.TenantActive, Settings: auth.DefaultTenantSettings()})
	st.PutProgram(academics.Program{ID: programID, TenantID: tenantID, Code: "GEN", Name: "General Studies"})
	st.PutCycle(academics.Cycle{
		ID:        "01J9Z3K8E50000000000000003",
		TenantID:  tenantID,
		ProgramID: programID,
		Name:      "2026 Fall",
		StartsOn:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		EndsOn:    time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC),
	})
	hash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = st.CreateUser(ctx, auth.User{
		ID:           "01J9Z3K8E50000000000000004",
		TenantID:     tenantID,
		Email:        demoAdminEmail,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		Status:       auth.UserActive,
		Profile:      auth.Profile{FullName: "Admin DEMO"},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return err
}
