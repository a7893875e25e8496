package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"campusgate.org/internal/config"
	"campusgate.org/internal/migrate"
	"campusgate.org/internal/obs"
)

func main() {
	cfg := config.Load()
	var (
		dsn            = flag.String("dsn", cfg.DatabaseURL, "PostgreSQL DSN (defaults to DATABASE_URL)")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "directory of *.up.sql / *.down.sql files")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "directory of seed files")
		timeout        = flag.Duration("timeout", time.Minute, "overall deadline")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|status|seed")
		flag.PrintDefaults()
	}
	flag.Parse()

	log, err := obs.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: pass -dsn or set DATABASE_URL")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, os.DirFS(*migrationsPath), os.DirFS(*seedsPath), migrate.WithLogger(log))

	switch cmd {
	case "up":
		n, err := mgr.Up(ctx)
		if err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		log.Info("migrations applied", zap.Int("count", n))
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			log.Fatal("migrate down", zap.Error(err))
		}
		log.Info("rolled back", zap.String("name", name))
	case "seed":
		n, err := mgr.Seed(ctx)
		if err != nil {
			log.Fatal("seed", zap.Error(err))
		}
		log.Info("seeds applied", zap.Int("count", n))
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		pending, err := mgr.Pending(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		for _, r := range applied {
			fmt.Printf("applied  %s  %s\n", r.AppliedAt.UTC().Format(time.RFC3339), r.Name)
		}
		for _, name := range pending {
			fmt.Printf("pending  %s\n", name)
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
