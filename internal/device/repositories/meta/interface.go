package meta

import (
	"context"
	"time"

	"github.com/openclinic/chartsync/internal/device/models"
)

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)

	// Cursor returns the last acknowledged pull cursor for a collection,
	// or 0 when the collection has never been pulled.
	Cursor(ctx context.Context, t models.EntityType) (int64, error)
	// SetCursor advances the cursor. A value at or below the stored one is
	// ignored; the cursor never moves backward.
	SetCursor(ctx context.Context, t models.EntityType, cursor int64) error

	// DeviceID returns the stable identifier for this installation,
	// generating and persisting one on first call.
	DeviceID(ctx context.Context) (string, error)

	// LastFullSync returns the zero time when no reconciliation has
	// completed yet.
	LastFullSync(ctx context.Context) (time.Time, error)
	SetLastFullSync(ctx context.Context, at time.Time) error
}
