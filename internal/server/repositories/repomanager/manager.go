package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/siteauth/internal/dbx"
	"github.com/dmitrijs2005/siteauth/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DB handle or transaction
// and owns schema migrations.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Users(db dbx.DBTX) users.Repository
}
