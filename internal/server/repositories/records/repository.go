// Package records provides the PostgreSQL-backed repository for the
// authoritative record store and its sync queries.
package records

import (
	"context"

	"github.com/openclinic/chartsync/internal/server/models"
)

type Repository interface {
	// Upsert writes the record as the collection's newest state for its id.
	Upsert(ctx context.Context, rec *models.Record) error

	// Get returns the record or common.ErrNotFound.
	Get(ctx context.Context, collection, id string) (*models.Record, error)

	// SelectSince returns up to limit records with version > afterVersion,
	// ordered by version ascending.
	SelectSince(ctx context.Context, collection string, afterVersion int64, limit int) ([]*models.Record, error)

	// Manifest returns id, version, deleted and updated_at for every record
	// in the collection.
	Manifest(ctx context.Context, collection string) ([]*models.Record, error)

	// GetByIDs returns the records matching ids; missing ids are skipped.
	GetByIDs(ctx context.Context, collection string, ids []string) ([]*models.Record, error)
}
