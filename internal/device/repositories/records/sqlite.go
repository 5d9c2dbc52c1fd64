package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, e *models.Entity) error {
	query := `INSERT INTO entities (entity_type, id, payload, updated_at, version, deleted, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			version = excluded.version,
			deleted = excluded.deleted,
			sync_status = excluded.sync_status
	`
	_, err := r.db.ExecContext(ctx, query,
		e.Type, e.ID, string(e.Payload), e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		e.Version, e.Deleted, e.SyncStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	query := `SELECT payload, updated_at, version, deleted, sync_status
		FROM entities WHERE entity_type=? AND id=?`
	row := r.db.QueryRowContext(ctx, query, t, id)

	e := &models.Entity{Type: t, ID: id}
	var payload, updatedAt string
	err := row.Scan(&payload, &updatedAt, &e.Version, &e.Deleted, &e.SyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	e.Payload = []byte(payload)
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for %s/%s: %w", t, id, err)
	}
	return e, nil
}

func (r *SQLiteRepository) Query(ctx context.Context, t models.EntityType, filter func(models.Entity) bool) ([]models.Entity, error) {
	query := `SELECT id, payload, updated_at, version, sync_status
		FROM entities WHERE entity_type=? AND deleted=0 ORDER BY updated_at`
	rows, err := r.db.QueryContext(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []models.Entity
	for rows.Next() {
		item := models.Entity{Type: t}
		var payload, updatedAt string
		if err := rows.Scan(&item.ID, &payload, &updatedAt, &item.Version, &item.SyncStatus); err != nil {
			return nil, err
		}
		item.Payload = []byte(payload)
		if item.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("bad updated_at for %s/%s: %w", t, item.ID, err)
		}
		if filter == nil || filter(item) {
			result = append(result, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE entities SET sync_status=? WHERE entity_type=? AND id=?`, status, t, id)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, t models.EntityType, id string, version int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE entities SET version=?, sync_status=? WHERE entity_type=? AND id=?`,
		version, models.StatusSynced, t, id)
	if err != nil {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) ApplyRemote(ctx context.Context, e *models.Entity) error {
	e.SyncStatus = models.StatusSynced
	return r.Upsert(ctx, e)
}

func (r *SQLiteRepository) Manifest(ctx context.Context, t models.EntityType) ([]ManifestRow, error) {
	query := `SELECT id, version, deleted, updated_at, sync_status
		FROM entities WHERE entity_type=?`
	rows, err := r.db.QueryContext(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to select manifest: %w", err)
	}
	defer rows.Close()

	var result []ManifestRow
	for rows.Next() {
		var m ManifestRow
		var updatedAt string
		if err := rows.Scan(&m.ID, &m.Version, &m.Deleted, &updatedAt, &m.SyncStatus); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("bad updated_at for %s/%s: %w", t, m.ID, err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
