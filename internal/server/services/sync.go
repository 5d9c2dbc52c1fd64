// Package services implements the server's application logic: applying push
// batches, answering pull and manifest queries, and presigning attachment
// transfers.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/openclinic/chartsync/internal/api"
	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/logging"
	srvmodels "github.com/openclinic/chartsync/internal/server/models"
	"github.com/openclinic/chartsync/internal/server/repositories/repomanager"
)

// SyncService applies push batches and answers pull, manifest and record
// queries. Version assignment, record write and idempotency bookkeeping for
// one entry commit in a single transaction.
type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
}

func NewSyncService(db *sql.DB, m repomanager.RepositoryManager, logger logging.Logger) *SyncService {
	return &SyncService{
		db:          db,
		repomanager: m,
		logger:      logger.With("component", "sync"),
	}
}

// requiredFields lists the payload keys the server checks per collection.
// Deeper clinical validation stays with the applications that own the
// payloads.
var requiredFields = map[models.EntityType][]string{
	models.EntityTypePatients:       {"name"},
	models.EntityTypeVitals:         {"recorded_at"},
	models.EntityTypeLabRequests:    {"test_code"},
	models.EntityTypeBillingEntries: {"amount"},
	models.EntityTypeAttachments:    {"filename"},
}

// validateEntry returns a rejection reason, empty when the entry is
// acceptable.
func validateEntry(e api.PushEntry) string {
	if e.EntityID == "" {
		return "missing entity id"
	}
	if !e.EntityType.Valid() {
		return fmt.Sprintf("unknown collection: %s", e.EntityType)
	}
	switch e.Operation {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return fmt.Sprintf("unknown operation: %s", e.Operation)
	}
	if e.UpdatedAt.IsZero() {
		return "missing updated_at"
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(e.Snapshot, &payload); err != nil {
		return "snapshot is not a JSON object"
	}
	if e.Operation == models.OpDelete {
		// Tombstones carry whatever snapshot the device last held.
		return ""
	}
	for _, field := range requiredFields[e.EntityType] {
		if _, ok := payload[field]; !ok {
			return fmt.Sprintf("missing field: %s", field)
		}
	}
	return ""
}

// Push applies a device batch entry by entry. Each entry commits in its own
// transaction so a rejected sibling never rolls back an applied one, and the
// per-entry results line up with what is durable.
func (s *SyncService) Push(ctx context.Context, req *api.PushRequest) (*api.PushResponse, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", common.ErrValidation)
	}

	resp := &api.PushResponse{}
	for _, entry := range req.Entries {
		result, err := s.applyEntry(ctx, req.DeviceID, entry)
		if err != nil {
			return nil, fmt.Errorf("apply %s/%s: %w", entry.EntityType, entry.EntityID, err)
		}
		resp.Results = append(resp.Results, *result)
	}
	return resp, nil
}

func (s *SyncService) applyEntry(ctx context.Context, deviceID string, e api.PushEntry) (*api.PushEntryResult, error) {
	if e.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: missing idempotency key", common.ErrValidation)
	}

	var result *api.PushEntryResult
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		idem := s.repomanager.Idempotency(tx)

		recorded, err := idem.Get(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if recorded != nil {
			// Replay. The device re-sent a batch whose outcome is already
			// durable.
			result = outcomeResult(recorded)
			return nil
		}

		if reason := validateEntry(e); reason != "" {
			outcome := &srvmodels.PushOutcome{
				Key:    e.IdempotencyKey,
				Status: api.PushRejected,
				Error:  reason,
			}
			if err := idem.Record(ctx, string(e.EntityType), e.EntityID, outcome); err != nil {
				return err
			}
			result = outcomeResult(outcome)
			s.logger.Warn(ctx, "push entry rejected",
				"collection", e.EntityType, "entity_id", e.EntityID, "reason", reason)
			return nil
		}

		version, err := s.repomanager.Versions(tx).Next(ctx, string(e.EntityType))
		if err != nil {
			return err
		}

		rec := &srvmodels.Record{
			Collection:   string(e.EntityType),
			ID:           e.EntityID,
			Payload:      e.Snapshot,
			Version:      version,
			Deleted:      e.Operation == models.OpDelete,
			UpdatedAt:    e.UpdatedAt,
			SourceDevice: deviceID,
			ContentHash:  common.ContentHash(e.Snapshot),
		}
		if err := s.repomanager.Records(tx).Upsert(ctx, rec); err != nil {
			return err
		}

		outcome := &srvmodels.PushOutcome{
			Key:     e.IdempotencyKey,
			Status:  api.PushApplied,
			Version: version,
		}
		if err := idem.Record(ctx, string(e.EntityType), e.EntityID, outcome); err != nil {
			return err
		}
		result = outcomeResult(outcome)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func outcomeResult(o *srvmodels.PushOutcome) *api.PushEntryResult {
	return &api.PushEntryResult{
		IdempotencyKey: o.Key,
		Status:         o.Status,
		Version:        o.Version,
		Error:          o.Error,
	}
}

// Changes returns a page of records with version > cursor, oldest first.
func (s *SyncService) Changes(ctx context.Context, collection string, cursor int64, limit int) (*api.PullResponse, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	// One extra row tells us whether another page exists.
	recs, err := s.repomanager.Records(s.db).SelectSince(ctx, collection, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &api.PullResponse{NextCursor: cursor}
	if len(recs) > limit {
		resp.HasMore = true
		recs = recs[:limit]
	}
	for _, rec := range recs {
		resp.Changes = append(resp.Changes, recordChange(rec))
		resp.NextCursor = rec.Version
	}
	return resp, nil
}

// Manifest returns the compact per-entity summary of a collection.
func (s *SyncService) Manifest(ctx context.Context, collection string) (*api.ManifestResponse, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	recs, err := s.repomanager.Records(s.db).Manifest(ctx, collection)
	if err != nil {
		return nil, err
	}

	current, err := s.repomanager.Versions(s.db).Current(ctx, collection)
	if err != nil {
		return nil, err
	}

	resp := &api.ManifestResponse{CurrentVersion: current}
	for _, rec := range recs {
		resp.Entries = append(resp.Entries, api.ManifestEntry{
			EntityID:  rec.ID,
			Version:   rec.Version,
			Deleted:   rec.Deleted,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return resp, nil
}

// Records returns full records for the requested ids; unknown ids are
// silently absent from the response.
func (s *SyncService) Records(ctx context.Context, collection string, ids []string) (*api.FetchResponse, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	recs, err := s.repomanager.Records(s.db).GetByIDs(ctx, collection, ids)
	if err != nil {
		return nil, err
	}

	resp := &api.FetchResponse{}
	for _, rec := range recs {
		resp.Records = append(resp.Records, recordChange(rec))
	}
	return resp, nil
}

func validCollection(collection string) error {
	if !models.EntityType(collection).Valid() {
		return fmt.Errorf("%w: unknown collection: %s", common.ErrValidation, collection)
	}
	return nil
}

func recordChange(rec *srvmodels.Record) api.Change {
	return api.Change{
		EntityType:   models.EntityType(rec.Collection),
		EntityID:     rec.ID,
		Payload:      rec.Payload,
		Deleted:      rec.Deleted,
		Version:      rec.Version,
		UpdatedAt:    rec.UpdatedAt,
		SourceDevice: rec.SourceDevice,
	}
}
