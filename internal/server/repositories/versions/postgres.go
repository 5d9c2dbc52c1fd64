package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openclinic/chartsync/internal/dbx"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Next(ctx context.Context, collection string) (int64, error) {
	query := `
		INSERT INTO collection_versions (collection, current_version)
		VALUES ($1, 1)
		ON CONFLICT (collection)
		DO UPDATE SET current_version = collection_versions.current_version + 1
		RETURNING current_version;
	`
	var version int64
	if err := r.db.QueryRowContext(ctx, query, collection).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to increment collection version: %w", err)
	}
	return version, nil
}

func (r *PostgresRepository) Current(ctx context.Context, collection string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT current_version FROM collection_versions WHERE collection=$1`,
		collection).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select collection version: %w", err)
	}
	return version, nil
}
