package records

import (
	"context"
	"time"

	"github.com/openclinic/chartsync/internal/device/models"
)

// ManifestRow is the compact per-entity view used by full-sync
// reconciliation to diff local state against the remote manifest.
type ManifestRow struct {
	ID         string
	Version    int64
	Deleted    bool
	UpdatedAt  time.Time
	SyncStatus models.SyncStatus
}

type Repository interface {
	// Upsert writes a locally mutated entity. The row keeps whatever
	// sync_status the caller set on the model.
	Upsert(ctx context.Context, e *models.Entity) error

	// Get returns the entity, including tombstones (Deleted=true).
	// Returns common.ErrNotFound when no row exists.
	Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)

	// Query returns all live (non-tombstoned) entities of a type for which
	// filter returns true. A nil filter matches everything. Re-invoke to
	// restart the sequence.
	Query(ctx context.Context, t models.EntityType, filter func(models.Entity) bool) ([]models.Entity, error)

	// SetStatus updates only the sync_status mirror column.
	SetStatus(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) error

	// MarkSynced stamps the server-assigned version and flips the status
	// mirror to synced.
	MarkSynced(ctx context.Context, t models.EntityType, id string, version int64) error

	// ApplyRemote upserts an entity as received from the server: payload,
	// version, tombstone flag and timestamp taken verbatim, status synced.
	ApplyRemote(ctx context.Context, e *models.Entity) error

	// Manifest lists every row of a type, tombstones included.
	Manifest(ctx context.Context, t models.EntityType) ([]ManifestRow, error)
}
