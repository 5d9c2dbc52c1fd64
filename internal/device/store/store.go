package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/locks"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/device/repositories/journal"
	"github.com/openclinic/chartsync/internal/device/repositories/records"
)

type Store struct {
	db      *sql.DB
	records records.Repository
	locks   *locks.Keyed
	now     func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		records: records.NewSQLiteRepository(db),
		locks:   locks.NewKeyed(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put writes an entity locally and queues it for push. An empty id creates a
// new entity with a generated uuid. Returns the stored entity.
func (s *Store) Put(ctx context.Context, t models.EntityType, id string, payload json.RawMessage) (*models.Entity, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", common.ErrValidation, t)
	}
	if !json.Valid(payload) || len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload is not valid json", common.ErrValidation)
	}
	if id == "" {
		id = uuid.NewString()
	}

	unlock := s.locks.Lock(lockKey(t, id))
	defer unlock()

	var stored *models.Entity
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec := records.NewSQLiteRepository(tx)
		jnl := journal.NewSQLiteRepository(tx)

		op := models.OpUpdate
		version := int64(0)
		existing, err := rec.Get(ctx, t, id)
		switch {
		case errors.Is(err, common.ErrNotFound):
			op = models.OpCreate
		case err != nil:
			return err
		default:
			// A tombstoned row counts as existing: writing to it is a
			// resurrection, which the journal merges as an update.
			version = existing.Version
		}

		e := &models.Entity{
			ID:         id,
			Type:       t,
			Payload:    payload,
			UpdatedAt:  s.now(),
			Version:    version,
			SyncStatus: models.StatusPending,
		}
		if err := rec.Upsert(ctx, e); err != nil {
			return err
		}
		if _, err := jnl.Coalesce(ctx, op, e); err != nil {
			return err
		}
		stored = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: put %s/%s: %w", common.ErrLocalWrite, t, id, err)
	}
	return stored, nil
}

// Delete tombstones an entity and queues the deletion for push. The row is
// kept so the tombstone can propagate; it disappears from Get and Query
// immediately. Returns common.ErrNotFound for unknown or already deleted ids.
func (s *Store) Delete(ctx context.Context, t models.EntityType, id string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", common.ErrValidation, t)
	}

	unlock := s.locks.Lock(lockKey(t, id))
	defer unlock()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec := records.NewSQLiteRepository(tx)
		jnl := journal.NewSQLiteRepository(tx)

		existing, err := rec.Get(ctx, t, id)
		if err != nil {
			return err
		}
		if existing.Deleted {
			return common.ErrNotFound
		}

		existing.Deleted = true
		existing.UpdatedAt = s.now()
		existing.SyncStatus = models.StatusPending
		if err := rec.Upsert(ctx, existing); err != nil {
			return err
		}
		if _, err := jnl.Coalesce(ctx, models.OpDelete, existing); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: delete %s/%s: %w", common.ErrLocalWrite, t, id, err)
	}
	return nil
}

// Get returns a live entity. Tombstoned and unknown ids both report
// common.ErrNotFound.
func (s *Store) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	e, err := s.records.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, common.ErrNotFound
	}
	return e, nil
}

// Query returns live entities of a type matching the filter. A nil filter
// matches everything.
func (s *Store) Query(ctx context.Context, t models.EntityType, filter func(models.Entity) bool) ([]models.Entity, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", common.ErrValidation, t)
	}
	return s.records.Query(ctx, t, filter)
}

// LockEntity serializes external work on an entity id against local writes.
// Used by the dispatcher while applying remote changes.
func (s *Store) LockEntity(t models.EntityType, id string) func() {
	return s.locks.Lock(lockKey(t, id))
}

func lockKey(t models.EntityType, id string) string {
	return string(t) + "/" + id
}
