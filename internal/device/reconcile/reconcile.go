package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/device/remote"
	"github.com/openclinic/chartsync/internal/device/repositories/journal"
	"github.com/openclinic/chartsync/internal/device/repositories/meta"
	"github.com/openclinic/chartsync/internal/device/repositories/records"
	"github.com/openclinic/chartsync/internal/logging"
)

// ChangeApplier resolves and stores one remote record.
// *dispatcher.Dispatcher satisfies it.
type ChangeApplier interface {
	ApplyChange(ctx context.Context, t models.EntityType, change remote.Change) (bool, error)
}

type Options struct {
	// FetchBatch caps how many ids one Fetch call asks for.
	FetchBatch int
	// PendingAge marks a pending journal entry as aged; reconciliation
	// reports these so the caller can force a push.
	PendingAge time.Duration
}

type Reconciler struct {
	records records.Repository
	journal journal.Repository
	meta    meta.Repository
	client  remote.Client
	applier ChangeApplier
	logger  logging.Logger
	opts    Options
	now     func() time.Time
}

func New(rec records.Repository, jnl journal.Repository, m meta.Repository, client remote.Client, applier ChangeApplier, logger logging.Logger, opts Options) *Reconciler {
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 100
	}
	if opts.PendingAge <= 0 {
		opts.PendingAge = 24 * time.Hour
	}
	return &Reconciler{
		records: rec,
		journal: jnl,
		meta:    m,
		client:  client,
		applier: applier,
		logger:  logger.With("component", "reconcile"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles every collection against the server manifest and stamps
// the completion time. Collections run concurrently; the first error stops
// the pass.
func (r *Reconciler) Run(ctx context.Context) (*models.ReconciliationSummary, error) {
	summary := &models.ReconciliationSummary{StartedAt: r.now()}
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range models.KnownTypes() {
		g.Go(func() error {
			part, err := r.collection(gctx, t)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", t, err)
			}
			mu.Lock()
			summary.PulledMissing += part.PulledMissing
			summary.PulledStale += part.PulledStale
			summary.Restored += part.Restored
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	aged, err := r.journal.PendingOlderThan(ctx, r.now().Add(-r.opts.PendingAge))
	if err != nil {
		return summary, err
	}
	summary.Repushed = len(aged)

	if err := r.meta.SetLastFullSync(ctx, r.now()); err != nil {
		return summary, err
	}

	r.logger.Info(ctx, "full sync finished",
		"pulled_missing", summary.PulledMissing, "pulled_stale", summary.PulledStale,
		"restored", summary.Restored, "repushed", summary.Repushed,
		"duration", time.Since(summary.StartedAt))
	return summary, nil
}

func (r *Reconciler) collection(ctx context.Context, t models.EntityType) (*models.ReconciliationSummary, error) {
	part := &models.ReconciliationSummary{}

	serverRows, err := r.client.Manifest(ctx, t)
	if err != nil {
		return nil, err
	}
	localRows, err := r.records.Manifest(ctx, t)
	if err != nil {
		return nil, err
	}

	local := make(map[string]records.ManifestRow, len(localRows))
	for _, row := range localRows {
		local[row.ID] = row
	}

	var missing, stale []string
	server := make(map[string]bool, len(serverRows))
	for _, row := range serverRows {
		server[row.EntityID] = true
		l, ok := local[row.EntityID]
		switch {
		case !ok:
			missing = append(missing, row.EntityID)
		case row.Version > l.Version:
			stale = append(stale, row.EntityID)
		}
	}

	if err := r.fetchAndApply(ctx, t, missing); err != nil {
		return nil, err
	}
	if err := r.fetchAndApply(ctx, t, stale); err != nil {
		return nil, err
	}
	part.PulledMissing = len(missing)
	part.PulledStale = len(stale)

	// Synced local rows the server no longer lists have vanished remotely
	// (lost ack, server-side restore from backup). Queue them again so the
	// server copy is rebuilt from local truth.
	for _, row := range localRows {
		if server[row.ID] || row.SyncStatus != models.StatusSynced {
			continue
		}
		if err := r.restore(ctx, t, row.ID); err != nil {
			return nil, err
		}
		part.Restored++
	}

	return part, nil
}

func (r *Reconciler) fetchAndApply(ctx context.Context, t models.EntityType, ids []string) error {
	for start := 0; start < len(ids); start += r.opts.FetchBatch {
		end := min(start+r.opts.FetchBatch, len(ids))
		changes, err := r.client.Fetch(ctx, t, ids[start:end])
		if err != nil {
			return err
		}
		for _, change := range changes {
			if _, err := r.applier.ApplyChange(ctx, t, change); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) restore(ctx context.Context, t models.EntityType, id string) error {
	e, err := r.records.Get(ctx, t, id)
	if err != nil {
		return err
	}
	e.SyncStatus = models.StatusPending
	if err := r.records.SetStatus(ctx, t, id, models.StatusPending); err != nil {
		return err
	}
	op := models.OpCreate
	if e.Deleted {
		op = models.OpDelete
	}
	if _, err := r.journal.Coalesce(ctx, op, e); err != nil {
		return err
	}
	r.logger.Warn(ctx, "restoring entity missing from server",
		"entity_type", t, "entity_id", id)
	return nil
}
