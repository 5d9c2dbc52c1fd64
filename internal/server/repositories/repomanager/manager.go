package repomanager

import (
	"context"
	"database/sql"

	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/server/repositories/attachments"
	"github.com/openclinic/chartsync/internal/server/repositories/idempotency"
	"github.com/openclinic/chartsync/internal/server/repositories/records"
	"github.com/openclinic/chartsync/internal/server/repositories/versions"
)

// RepositoryManager vends repository implementations bound to a DBTX, so a
// service can compose several repositories inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Records(db dbx.DBTX) records.Repository
	Versions(db dbx.DBTX) versions.Repository
	Idempotency(db dbx.DBTX) idempotency.Repository
	Attachments(db dbx.DBTX) attachments.Repository
}
