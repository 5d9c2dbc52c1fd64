package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (*models.PushOutcome, error) {
	outcome := &models.PushOutcome{Key: key}
	err := r.db.QueryRowContext(ctx,
		`SELECT status, version, error, applied_at FROM idempotency_keys WHERE key=$1`,
		key).Scan(&outcome.Status, &outcome.Version, &outcome.Error, &outcome.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select idempotency key: %w", err)
	}
	return outcome, nil
}

func (r *PostgresRepository) Record(ctx context.Context, collection, entityID string, outcome *models.PushOutcome) error {
	appliedAt := outcome.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, collection, entity_id, status, version, error, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		outcome.Key, collection, entityID, outcome.Status, outcome.Version, outcome.Error, appliedAt)
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}
