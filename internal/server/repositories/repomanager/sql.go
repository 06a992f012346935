// Package repomanager provides the RepositoryManager for the supported SQL
// drivers, wiring repository constructors and goose migrations together.
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/server/migrations"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/sources"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var gooseDialects = map[string]string{
	DriverPostgres: "pgx",
	DriverSQLite:   "sqlite3",
}

// SQLRepositoryManager vends SQL-backed repositories for one driver.
type SQLRepositoryManager struct {
	driver string
	bind   dbx.Binder
}

var _ RepositoryManager = (*SQLRepositoryManager)(nil)

// NewSQLRepositoryManager returns a manager for driver, which must be
// DriverPostgres or DriverSQLite.
func NewSQLRepositoryManager(driver string) (*SQLRepositoryManager, error) {
	if _, ok := gooseDialects[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &SQLRepositoryManager{driver: driver, bind: dbx.BinderFor(driver)}, nil
}

// Sources returns a sources.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Sources(db dbx.DBTX) sources.Repository {
	return sources.NewSQLRepository(db, m.bind)
}

// Jobs returns a jobs.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Jobs(db dbx.DBTX) jobs.Repository {
	return jobs.NewSQLRepository(db, m.bind)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations with the driver's dialect.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(gooseDialects[m.driver]); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Open connects with the given driver, runs migrations and returns the pool
// together with its manager.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, *SQLRepositoryManager, error) {
	m, err := NewSQLRepositoryManager(driver)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open error: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; a single connection also keeps a
		// transaction and its callers on the same handle.
		db.SetMaxOpenConns(1)
	}

	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migration error: %w", err)
	}
	return db, m, nil
}
