// Package attachments tracks the object-storage lifecycle of attachment
// records. Payload metadata syncs through the normal record path; the bytes
// travel directly between device and object storage via presigned URLs.
package attachments

import (
	"context"

	"github.com/openclinic/chartsync/internal/server/models"
)

type Repository interface {
	// Upsert stores or refreshes the upload bookkeeping row for a record.
	Upsert(ctx context.Context, u *models.AttachmentUpload) error

	// Get returns the bookkeeping row or common.ErrNotFound.
	Get(ctx context.Context, recordID string) (*models.AttachmentUpload, error)

	// MarkUploaded flips the row to uploaded. common.ErrNotFound when no
	// upload was ever initiated for the record.
	MarkUploaded(ctx context.Context, recordID string) error
}
