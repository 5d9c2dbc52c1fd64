package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) Upsert(ctx context.Context, u *models.AttachmentUpload) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attachment_uploads (record_id, storage_key, upload_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_id)
		DO UPDATE SET storage_key = EXCLUDED.storage_key, upload_status = EXCLUDED.upload_status`,
		u.RecordID, u.StorageKey, u.UploadStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment upload: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, recordID string) (*models.AttachmentUpload, error) {
	u := &models.AttachmentUpload{RecordID: recordID}
	err := r.db.QueryRowContext(ctx,
		`SELECT storage_key, upload_status, created_at FROM attachment_uploads WHERE record_id=$1`,
		recordID).Scan(&u.StorageKey, &u.UploadStatus, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select attachment upload: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) MarkUploaded(ctx context.Context, recordID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attachment_uploads SET upload_status=$1 WHERE record_id=$2`,
		models.UploadStatusUploaded, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark attachment uploaded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
