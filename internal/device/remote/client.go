package remote

import (
	"context"

	"github.com/openclinic/chartsync/internal/device/models"
)

// Client is the transport used by the dispatcher, scheduler and
// reconciler. Implementations must be safe for concurrent use.
type Client interface {
	// Ping probes server reachability. Returns common.ErrUnavailable when
	// the server cannot be reached.
	Ping(ctx context.Context) error

	// Push uploads a batch of journal entries and returns a per-entry
	// outcome. The call is all-or-nothing at the transport level only; the
	// response may mix applied and rejected entries.
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)

	// Pull fetches changes for one collection after the given cursor, at
	// most limit per page.
	Pull(ctx context.Context, t models.EntityType, cursor int64, limit int) (*PullResponse, error)

	// Manifest returns the server's full per-entity summary for a
	// collection.
	Manifest(ctx context.Context, t models.EntityType) ([]ManifestEntry, error)

	// Fetch returns full records for specific ids in a collection.
	Fetch(ctx context.Context, t models.EntityType, ids []string) ([]Change, error)

	// AttachmentUploadURL returns a presigned URL for uploading attachment
	// bytes directly to blob storage.
	AttachmentUploadURL(ctx context.Context, id string) (string, error)

	// MarkAttachmentUploaded tells the server the blob for an attachment
	// is in place.
	MarkAttachmentUploaded(ctx context.Context, id string) error
}
