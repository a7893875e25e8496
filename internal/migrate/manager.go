// Package migrate applies the ordered SQL files under ops/migrations and keeps a
// bookkeeping row per applied file.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
	seedSuffix = ".sql"
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("no migrations applied")

// Record is one applied migration or seed.
type Record struct {
	Name      string
	AppliedAt time.Time
}

type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	log        *zap.Logger
	now        func() time.Time

	migrationsTable string
	seedsTable      string
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithTables overrides the bookkeeping table names.
func WithTables(migrations, seeds string) Option {
	return func(m *Manager) {
		if migrations != "" {
			m.migrationsTable = migrations
		}
		if seeds != "" {
			m.seedsTable = seeds
		}
	}
}

// NewManager reads migrations and seeds from the given trees. A nil seeds tree
// makes Seed a no-op.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		log:             zap.NewNop(),
		now:             time.Now,
		migrationsTable: "schema_migrations",
		seedsTable:      "schema_seeds",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	return m.applyPending(ctx, m.migrations, upSuffix, m.migrationsTable, "migration")
}

// Seed applies every seed file not applied before.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	return m.applyPending(ctx, m.seeds, seedSuffix, m.seedsTable, "seed")
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	applied, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingApplied
	}
	last := applied[len(applied)-1].Name
	downName := strings.TrimSuffix(last, upSuffix) + downSuffix
	body, err := fs.ReadFile(m.migrations, downName)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", downName, err)
	}
	forget := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, m.migrationsTable)
	if err := m.inTx(ctx, body, forget, last); err != nil {
		return "", fmt.Errorf("rollback %s: %w", last, err)
	}
	m.log.Info("migration rolled back", zap.String("name", last))
	return last, nil
}

// Status lists applied migrations oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	if err := m.ensureTable(ctx, m.migrationsTable); err != nil {
		return nil, err
	}
	return m.applied(ctx, m.migrationsTable)
}

// Pending lists migrations present on disk but not yet applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx, m.migrationsTable); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	names, err := listFiles(m.migrations, upSuffix)
	if err != nil {
		return nil, err
	}
	return subtract(names, done), nil
}

func (m *Manager) applyPending(ctx context.Context, tree fs.FS, suffix, table, kind string) (int, error) {
	if tree == nil {
		return 0, nil
	}
	if err := m.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	done, err := m.applied(ctx, table)
	if err != nil {
		return 0, err
	}
	names, err := listFiles(tree, suffix)
	if err != nil {
		return 0, err
	}
	remember := fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES ($1, $2)`, table)
	count := 0
	for _, name := range subtract(names, done) {
		body, err := fs.ReadFile(tree, name)
		if err != nil {
			return count, fmt.Errorf("read %s: %w", name, err)
		}
		if err := m.inTx(ctx, body, remember, name, m.now().UTC()); err != nil {
			return count, fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
		m.log.Info(kind+" applied", zap.String("name", name))
		count++
	}
	return count, nil
}

// inTx runs every statement of body followed by the bookkeeping statement in one
// transaction.
func (m *Manager) inTx(ctx context.Context, body []byte, bookkeeping string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTable(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table))
	if err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT name, applied_at FROM %s ORDER BY applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listFiles(tree fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(tree, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		// Seeds share the .sql suffix with both migration directions.
		if suffix == seedSuffix && (strings.HasSuffix(name, upSuffix) || strings.HasSuffix(name, downSuffix)) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func subtract(names []string, done []Record) []string {
	seen := make(map[string]bool, len(done))
	for _, r := range done {
		seen[r.Name] = true
	}
	var out []string
	for _, n := range names {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// splitStatements cuts a script on semicolons outside quotes and drops line
// comments and empty statements.
func splitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
		case r == '\'':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
