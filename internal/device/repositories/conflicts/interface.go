package conflicts

import (
	"context"

	"github.com/openclinic/chartsync/internal/device/models"
)

type Repository interface {
	Insert(ctx context.Context, c *models.ConflictRecord) error

	// List returns the newest conflicts first, at most limit rows.
	// A non-positive limit returns everything.
	List(ctx context.Context, limit int) ([]*models.ConflictRecord, error)

	// ListForEntity returns conflicts recorded for one entity,
	// newest first.
	ListForEntity(ctx context.Context, t models.EntityType, id string) ([]*models.ConflictRecord, error)
}
