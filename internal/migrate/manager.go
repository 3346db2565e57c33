// Package migrate applies the embedded schema and development seeds.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

//go:embed sql/*.sql
var migrationFS embed.FS

//go:embed seeds/*.sql
var seedFS embed.FS

// Migrations returns the embedded schema files.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFS, "sql")
	return sub
}

// Seeds returns the embedded development seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFS, "seeds")
	return sub
}

// Manager executes migrations and seeds. Each set keeps its own version table.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	seedsTable      string
	verbose         bool
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

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithVerbose logs each applied file.
func WithVerbose(v bool) Option {
	return func(m *Manager) { m.verbose = v }
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) provider(fsys fs.FS, table string) (*goose.Provider, error) {
	if m.db == nil {
		return nil, errors.New("migrate: database connection unavailable")
	}
	store, err := database.NewStore(database.DialectPostgres, table)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider("", m.db, fsys, goose.WithStore(store), goose.WithVerbose(m.verbose))
}

// Up applies all pending migrations and returns the applied file names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	p, err := m.provider(Migrations(), m.migrationsTable)
	if err != nil {
		return nil, err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return names(results), nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	p, err := m.provider(Migrations(), m.migrationsTable)
	if err != nil {
		return "", err
	}
	res, err := p.Down(ctx)
	if errors.Is(err, goose.ErrNoNextVersion) {
		return "", errors.New("no migrations applied")
	}
	if err != nil {
		return "", fmt.Errorf("rollback migration: %w", err)
	}
	return res.Source.Path, nil
}

// Status returns one line per known migration.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	p, err := m.provider(Migrations(), m.migrationsTable)
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		line := fmt.Sprintf("%-32s %s", st.Source.Path, st.State)
		if st.State == goose.StateApplied {
			line += " " + st.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, line)
	}
	return out, nil
}

// Seed applies development seed files once each.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	p, err := m.provider(Seeds(), m.seedsTable)
	if err != nil {
		return nil, err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply seeds: %w", err)
	}
	return names(results), nil
}

func names(results []*goose.MigrationResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Source.Path)
	}
	return out
}
