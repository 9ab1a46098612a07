package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

// ErrNothingApplied is returned by Down when no migration has been applied.
var ErrNothingApplied = errors.New("no migrations applied")

// Migrations returns the schema bundled with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Manager applies *.up.sql / *.down.sql pairs from a filesystem in name order.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsTable string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithClock sets the time source for applied_at.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. A nil files uses the embedded schema.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	if files == nil {
		files = Migrations()
	}
	m := &Manager{
		db:              db,
		files:           files,
		migrationsTable: defaultMigrationsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.files, ".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.exec(ctx, name, true); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	executed, err := m.history(ctx)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNothingApplied
	}
	last := executed[len(executed)-1]
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.files, downName); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, downName, false); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// exec runs one file and its bookkeeping row in a single transaction.
func (m *Manager) exec(ctx context.Context, name string, up bool) error {
	sqlBytes, err := fs.ReadFile(m.files, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if up {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable),
			name, m.now().UTC())
	} else {
		upName := strings.TrimSuffix(name, ".down.sql") + ".up.sql"
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), upName)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(files fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, path.Base(e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
