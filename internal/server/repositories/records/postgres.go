package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openclinic/chartsync/internal/common"
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

func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.Record) error {
	query := `
		INSERT INTO records (collection, id, payload, version, deleted, updated_at, source_device, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection, id)
		DO UPDATE SET
			payload = EXCLUDED.payload,
			version = EXCLUDED.version,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at,
			source_device = EXCLUDED.source_device,
			content_hash = EXCLUDED.content_hash;
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.Collection, rec.ID, string(rec.Payload), rec.Version,
		rec.Deleted, rec.UpdatedAt.UTC(), rec.SourceDevice, rec.ContentHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

const recordColumns = `collection, id, payload, version, deleted, updated_at, source_device, content_hash`

func scanRecord(scan func(dest ...any) error) (*models.Record, error) {
	var rec models.Record
	var payload string
	err := scan(&rec.Collection, &rec.ID, &payload, &rec.Version,
		&rec.Deleted, &rec.UpdatedAt, &rec.SourceDevice, &rec.ContentHash)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (r *PostgresRepository) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE collection=$1 AND id=$2`,
		collection, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) SelectSince(ctx context.Context, collection string, afterVersion int64, limit int) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE collection=$1 AND version>$2
		ORDER BY version
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, collection, afterVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepository) Manifest(ctx context.Context, collection string) ([]*models.Record, error) {
	query := `SELECT collection, id, version, deleted, updated_at FROM records
		WHERE collection=$1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to select manifest: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		var rec models.Record
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.Version, &rec.Deleted, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetByIDs(ctx context.Context, collection string, ids []string) ([]*models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE collection=$1 AND id IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY version`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select records by id: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*models.Record, error) {
	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
