package data

import (
	"context"
	"database/sql"

	"github.com/target/outbound-dispatch/internal/migrate"
)

// RunMigrations applies the embedded schema by delegating to the migrate package.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db)
}
