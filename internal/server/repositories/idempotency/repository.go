// Package idempotency stores the durable outcome of every applied push
// entry. A device re-sending a batch after a timeout gets the recorded
// outcomes replayed instead of double-applying its changes.
package idempotency

import (
	"context"

	"github.com/openclinic/chartsync/internal/server/models"
)

type Repository interface {
	// Get returns the recorded outcome for key, or nil when the key has
	// never been applied.
	Get(ctx context.Context, key string) (*models.PushOutcome, error)

	// Record stores the outcome. Must run in the same transaction as the
	// record write it describes.
	Record(ctx context.Context, collection, entityID string, outcome *models.PushOutcome) error
}
