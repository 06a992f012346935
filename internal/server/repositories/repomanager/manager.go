package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophdrop/internal/dbx"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/sources"
)

// RepositoryManager vends repositories bound to a *sql.DB or *sql.Tx, so
// services choose per call whether work runs inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Sources(db dbx.DBTX) sources.Repository
	Jobs(db dbx.DBTX) jobs.Repository
}
