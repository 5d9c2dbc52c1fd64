package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/device/remote"
	"github.com/openclinic/chartsync/internal/device/repositories/conflicts"
	"github.com/openclinic/chartsync/internal/device/repositories/journal"
	"github.com/openclinic/chartsync/internal/device/repositories/meta"
	"github.com/openclinic/chartsync/internal/device/repositories/records"
	"github.com/openclinic/chartsync/internal/device/resolver"
	"github.com/openclinic/chartsync/internal/logging"
)

// EntityLocker serializes work on a single entity id against concurrent
// local writes. *store.Store satisfies it.
type EntityLocker interface {
	LockEntity(t models.EntityType, id string) func()
}

type Options struct {
	DeviceID    string
	BatchSize   int
	PullLimit   int
	MaxAttempts int
}

type Dispatcher struct {
	db      *sql.DB
	journal journal.Repository
	records records.Repository
	meta    meta.Repository
	client  remote.Client
	locker  EntityLocker
	logger  logging.Logger
	opts    Options
	now     func() time.Time
}

func New(db *sql.DB, client remote.Client, locker EntityLocker, logger logging.Logger, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Dispatcher{
		db:      db,
		journal: journal.NewSQLiteRepository(db),
		records: records.NewSQLiteRepository(db),
		meta:    meta.NewSQLiteRepository(db),
		client:  client,
		locker:  locker,
		logger:  logger.With("component", "dispatcher"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle pushes outstanding local changes, then pulls and applies remote
// ones. The returned summary covers whatever completed even when err is
// non-nil; common.ErrUnavailable means the cycle should be retried after a
// backoff.
func (d *Dispatcher) RunCycle(ctx context.Context) (*models.SyncSummary, error) {
	summary := &models.SyncSummary{StartedAt: d.now()}
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	if err := d.push(ctx, summary); err != nil {
		return summary, err
	}
	if err := d.pull(ctx, summary); err != nil {
		return summary, err
	}

	d.logger.Info(ctx, "sync cycle finished",
		"pushed", summary.Pushed, "pulled", summary.Pulled,
		"conflicts", summary.Conflicts, "failed", summary.Failed,
		"duration", summary.Duration)
	return summary, nil
}

func (d *Dispatcher) push(ctx context.Context, summary *models.SyncSummary) error {
	// Entries that revert to pending mid-cycle (missing per-entry result)
	// wait for the next cycle instead of spinning inside this one.
	seen := make(map[int64]bool)

	for {
		batch, err := d.journal.NextBatch(ctx, d.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load push batch: %w", err)
		}
		batch = filterSeen(batch, seen)
		if len(batch) == 0 {
			return nil
		}

		seqs := make([]int64, len(batch))
		for i, e := range batch {
			seqs[i] = e.LocalSeq
		}
		if err := d.journal.MarkSyncing(ctx, seqs); err != nil {
			return fmt.Errorf("failed to mark batch syncing: %w", err)
		}

		resp, err := d.client.Push(ctx, d.buildRequest(batch))
		if err != nil {
			// Nothing was acked; revert so the next cycle repushes the
			// same coalesced state under the same idempotency keys.
			if resetErr := d.journal.ResetSyncing(ctx, seqs); resetErr != nil {
				d.logger.Error(ctx, "failed to reset in-flight entries", "error", resetErr)
			}
			return fmt.Errorf("push batch failed: %w", err)
		}

		if err := d.applyPushResults(ctx, batch, resp, summary); err != nil {
			return err
		}
	}
}

func filterSeen(batch []models.JournalEntry, seen map[int64]bool) []models.JournalEntry {
	out := batch[:0]
	for _, e := range batch {
		if seen[e.LocalSeq] {
			continue
		}
		seen[e.LocalSeq] = true
		out = append(out, e)
	}
	return out
}

func (d *Dispatcher) buildRequest(batch []models.JournalEntry) *remote.PushRequest {
	req := &remote.PushRequest{DeviceID: d.opts.DeviceID}
	for _, e := range batch {
		req.Entries = append(req.Entries, remote.PushEntry{
			IdempotencyKey: e.IdempotencyKey(),
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			Operation:      e.Operation,
			Snapshot:       e.Snapshot,
			UpdatedAt:      e.UpdatedAt,
		})
	}
	return req
}

func (d *Dispatcher) applyPushResults(ctx context.Context, batch []models.JournalEntry, resp *remote.PushResponse, summary *models.SyncSummary) error {
	results := make(map[string]remote.PushEntryResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.IdempotencyKey] = r
	}

	for _, e := range batch {
		r, ok := results[e.IdempotencyKey()]
		if !ok {
			// The server never mentioned this entry; count an attempt and
			// let the next cycle repush it.
			failed, err := d.journal.Fail(ctx, e.LocalSeq, "no result in push response", d.opts.MaxAttempts)
			if errors.Is(err, common.ErrNotFound) {
				// Coalesced away by a newer edit; the fresh pending row
				// pushes next cycle.
				continue
			}
			if err != nil {
				return err
			}
			if failed {
				// Mirror the parked entry onto the entity row so the UI
				// surfaces it.
				err := d.records.SetStatus(ctx, e.EntityType, e.EntityID, models.StatusFailed)
				if err != nil && !errors.Is(err, common.ErrNotFound) {
					return err
				}
				summary.Failed++
			}
			continue
		}

		switch r.Status {
		case remote.PushApplied:
			acked, err := d.journal.MarkSynced(ctx, e.LocalSeq)
			if err != nil {
				return err
			}
			if acked {
				// The entry was not re-edited while in flight, so the
				// entity row matches the acked snapshot.
				err := d.records.MarkSynced(ctx, e.EntityType, e.EntityID, r.Version)
				if err != nil && !errors.Is(err, common.ErrNotFound) {
					return err
				}
			}
			summary.Pushed++
		case remote.PushRejected:
			parked, err := d.journal.FailPermanently(ctx, e.LocalSeq, r.Error)
			if err != nil {
				return err
			}
			if !parked {
				// The rejected seq was coalesced away by a newer edit;
				// stamping the entity failed would shadow its fresh
				// pending row.
				continue
			}
			if err := d.records.SetStatus(ctx, e.EntityType, e.EntityID, models.StatusFailed); err != nil && !errors.Is(err, common.ErrNotFound) {
				return err
			}
			d.logger.Warn(ctx, "entry rejected by server",
				"entity_type", e.EntityType, "entity_id", e.EntityID, "error", r.Error)
			summary.Failed++
		default:
			return fmt.Errorf("unknown push result status %q", r.Status)
		}
	}
	return nil
}

func (d *Dispatcher) pull(ctx context.Context, summary *models.SyncSummary) error {
	var errs error
	for _, t := range models.KnownTypes() {
		err := d.pullCollection(ctx, t, summary)
		if err == nil {
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("pull %s: %w", t, err))
		if errors.Is(err, common.ErrUnavailable) || ctx.Err() != nil {
			// The transport is down; the remaining collections would
			// only fail the same way.
			break
		}
		// One bad collection must not starve the others.
	}
	return errs
}

func (d *Dispatcher) pullCollection(ctx context.Context, t models.EntityType, summary *models.SyncSummary) error {
	cursor, err := d.meta.Cursor(ctx, t)
	if err != nil {
		return err
	}

	for {
		resp, err := d.client.Pull(ctx, t, cursor, d.opts.PullLimit)
		if err != nil {
			return err
		}

		for _, change := range resp.Changes {
			if change.SourceDevice == d.opts.DeviceID {
				// Echo of our own push; the journal ack already settled it.
				continue
			}
			conflicted, err := d.ApplyChange(ctx, t, change)
			if err != nil {
				return err
			}
			if conflicted {
				summary.Conflicts++
			}
			summary.Pulled++
		}

		// The cursor moves only after every change in the page is durable,
		// so an interrupted pull re-reads the page instead of skipping it.
		// A next cursor at or below the current one is never adopted:
		// rewinding would replay applied changes, and requesting the same
		// page again would loop forever.
		if resp.NextCursor <= cursor {
			if resp.HasMore {
				return fmt.Errorf("server cursor for %s did not advance past %d", t, cursor)
			}
			return nil
		}
		if err := d.meta.SetCursor(ctx, t, resp.NextCursor); err != nil {
			return err
		}
		cursor = resp.NextCursor

		if !resp.HasMore {
			return nil
		}
	}
}

// ApplyChange routes one remote change through conflict resolution and makes
// the outcome durable. It reports whether a conflict was recorded. The
// reconciler shares this path so full sync and incremental pull resolve
// identically.
func (d *Dispatcher) ApplyChange(ctx context.Context, t models.EntityType, change remote.Change) (bool, error) {
	unlock := d.locker.LockEntity(t, change.EntityID)
	defer unlock()

	incoming := &models.Entity{
		ID:         change.EntityID,
		Type:       t,
		Payload:    change.Payload,
		UpdatedAt:  change.UpdatedAt,
		Version:    change.Version,
		Deleted:    change.Deleted,
		SyncStatus: models.StatusSynced,
	}

	local, err := d.records.Get(ctx, t, change.EntityID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return false, err
	}

	decision := resolver.Resolve(local, incoming)
	d.logger.Debug(ctx, "resolved remote change",
		"entity_type", t, "entity_id", change.EntityID,
		"outcome", decision.Outcome.String(), "reason", decision.Reason)

	err = dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		rec := records.NewSQLiteRepository(tx)
		jnl := journal.NewSQLiteRepository(tx)
		cfl := conflicts.NewSQLiteRepository(tx)

		switch decision.Outcome {
		case resolver.TakeRemote:
			if err := rec.ApplyRemote(ctx, incoming); err != nil {
				return err
			}
			if decision.Conflict {
				if err := d.supersede(ctx, jnl, t, change.EntityID, decision.Reason); err != nil {
					return err
				}
				return cfl.Insert(ctx, &models.ConflictRecord{
					EntityType:     t,
					EntityID:       change.EntityID,
					WinnerSource:   "remote",
					Reason:         decision.Reason,
					LoserPayload:   local.Payload,
					LoserUpdatedAt: local.UpdatedAt,
				})
			}
			return nil

		case resolver.KeepLocal:
			// The local edit stays queued and will overwrite the server
			// copy on the next push.
			return cfl.Insert(ctx, &models.ConflictRecord{
				EntityType:     t,
				EntityID:       change.EntityID,
				WinnerSource:   "local",
				Reason:         decision.Reason,
				LoserPayload:   change.Payload,
				LoserUpdatedAt: change.UpdatedAt,
			})

		case resolver.Duplicate:
			// Same content is already on the server; adopt its version
			// and withdraw the queued push.
			if err := rec.MarkSynced(ctx, t, change.EntityID, change.Version); err != nil {
				return err
			}
			return d.supersede(ctx, jnl, t, change.EntityID, decision.Reason)

		default:
			return fmt.Errorf("unknown resolver outcome %v", decision.Outcome)
		}
	})
	if err != nil {
		return false, err
	}
	return decision.Conflict, nil
}

func (d *Dispatcher) supersede(ctx context.Context, jnl journal.Repository, t models.EntityType, id, reason string) error {
	entry, err := jnl.Outstanding(ctx, t, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return jnl.MarkSuperseded(ctx, entry.LocalSeq, reason)
}
