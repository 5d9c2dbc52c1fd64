package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/config"
	"github.com/openclinic/chartsync/internal/device/dispatcher"
	"github.com/openclinic/chartsync/internal/device/migrations"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/device/reconcile"
	"github.com/openclinic/chartsync/internal/device/remote"
	"github.com/openclinic/chartsync/internal/device/repositories/conflicts"
	"github.com/openclinic/chartsync/internal/device/repositories/journal"
	"github.com/openclinic/chartsync/internal/device/repositories/meta"
	"github.com/openclinic/chartsync/internal/device/repositories/records"
	"github.com/openclinic/chartsync/internal/device/scheduler"
	"github.com/openclinic/chartsync/internal/device/store"
	"github.com/openclinic/chartsync/internal/filex"
	"github.com/openclinic/chartsync/internal/logging"
	"github.com/openclinic/chartsync/internal/netx"
)

// Options overrides engine dependencies. Zero value uses the HTTP transport
// from cfg.ServerURL and a slog text logger.
type Options struct {
	Client remote.Client
	Logger logging.Logger
}

type Engine struct {
	db        *sql.DB
	cfg       *config.Config
	logger    logging.Logger
	store     *store.Store
	journal   journal.Repository
	conflicts conflicts.Repository
	meta      meta.Repository
	client    remote.Client
	sched     *scheduler.Scheduler
	recon     *reconcile.Reconciler

	deviceID string

	fullSyncActive atomic.Bool
	closed         atomic.Bool
	cancel         context.CancelFunc
	done           chan struct{}
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open initializes the local database and starts background syncing.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}

	if err := filex.EnsureParentDir(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to prepare database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	e := &Engine{
		db:        db,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     store.New(db),
		journal:   journal.NewSQLiteRepository(db),
		conflicts: conflicts.NewSQLiteRepository(db),
		meta:      meta.NewSQLiteRepository(db),
		done:      make(chan struct{}),
	}

	e.deviceID, err = e.meta.DeviceID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}

	// Entries left syncing by a crashed or killed process go back to
	// pending so they are pushed again.
	stuck, err := e.journal.ResetStuck(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reset stuck journal entries: %w", err)
	}
	if stuck > 0 {
		e.logger.Warn(ctx, "reverted journal entries stuck in syncing", "count", stuck)
	}

	e.client = opts.Client
	if e.client == nil {
		e.client = remote.NewHTTPClient(cfg.ServerURL, e.deviceID, logger)
	}

	disp := dispatcher.New(db, e.client, e.store, logger, dispatcher.Options{
		DeviceID:    e.deviceID,
		BatchSize:   cfg.BatchSize,
		PullLimit:   cfg.PullLimit,
		MaxAttempts: cfg.MaxAttempts,
	})
	e.sched = scheduler.New(disp, e.client, logger, scheduler.Options{
		Interval:     cfg.SyncInterval,
		PingInterval: cfg.PingInterval,
		MaxBackoff:   cfg.MaxBackoff,
	})
	e.recon = reconcile.New(records.NewSQLiteRepository(db), e.journal, e.meta, e.client, disp, logger, reconcile.Options{
		FetchBatch: cfg.PullLimit,
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		defer close(e.done)
		e.run(bgCtx)
	}()

	e.logger.Info(ctx, "engine started", "device_id", e.deviceID, "db", cfg.DatabasePath)
	return e, nil
}

func (e *Engine) run(ctx context.Context) {
	go e.housekeeping(ctx)
	_ = e.sched.Run(ctx)
}

// housekeeping runs periodic full syncs and journal pruning.
func (e *Engine) housekeeping(ctx context.Context) {
	fullSync := time.NewTicker(e.cfg.FullSyncInterval)
	prune := time.NewTicker(e.cfg.JournalRetention / 10)
	defer fullSync.Stop()
	defer prune.Stop()

	// A device that was off past its full-sync interval reconciles on
	// startup instead of waiting a whole interval again.
	last, err := e.meta.LastFullSync(ctx)
	if err != nil {
		e.logger.Error(ctx, "failed to read last full sync time", "error", err)
	} else if !last.IsZero() && time.Since(last) >= e.cfg.FullSyncInterval {
		if _, err := e.TriggerFullSync(ctx); err != nil {
			e.logger.Error(ctx, "startup full sync failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fullSync.C:
			if _, err := e.TriggerFullSync(ctx); err != nil {
				e.logger.Error(ctx, "scheduled full sync failed", "error", err)
			}
		case <-prune.C:
			cutoff := time.Now().UTC().Add(-e.cfg.JournalRetention)
			n, err := e.journal.Prune(ctx, cutoff)
			if err != nil {
				e.logger.Error(ctx, "journal prune failed", "error", err)
			} else if n > 0 {
				e.logger.Info(ctx, "pruned synced journal entries", "count", n)
			}
		}
	}
}

// DeviceID returns this installation's stable identifier.
func (e *Engine) DeviceID() string { return e.deviceID }

// Put writes an entity locally and queues it for sync. An empty id creates
// a new entity.
func (e *Engine) Put(ctx context.Context, t models.EntityType, id string, payload json.RawMessage) (*models.Entity, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.store.Put(ctx, t, id, payload)
}

// Get reads a live entity from local state.
func (e *Engine) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.store.Get(ctx, t, id)
}

// Query lists live entities of a type matching the filter.
func (e *Engine) Query(ctx context.Context, t models.EntityType, filter func(models.Entity) bool) ([]models.Entity, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.store.Query(ctx, t, filter)
}

// Delete tombstones an entity and queues the deletion for sync.
func (e *Engine) Delete(ctx context.Context, t models.EntityType, id string) error {
	if e.closed.Load() {
		return common.ErrEngineClosed
	}
	return e.store.Delete(ctx, t, id)
}

// UploadAttachment sends attachment bytes to blob storage through a
// presigned URL and confirms the upload with the server. The attachment
// record itself still travels through the normal sync path.
func (e *Engine) UploadAttachment(ctx context.Context, id string, data []byte) error {
	if e.closed.Load() {
		return common.ErrEngineClosed
	}

	url, err := e.client.AttachmentUploadURL(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get upload url: %w", err)
	}
	if err := netx.UploadPresignedURL(ctx, url, data); err != nil {
		return fmt.Errorf("failed to upload attachment: %w", err)
	}
	return e.client.MarkAttachmentUploaded(ctx, id)
}

// TriggerSync requests an immediate cycle and waits for its result.
func (e *Engine) TriggerSync(ctx context.Context) (*models.SyncSummary, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.sched.TriggerSync(ctx)
}

// TriggerFullSync runs a manifest reconciliation followed by an incremental
// cycle that pushes whatever the reconciliation queued. Only one full sync
// runs at a time.
func (e *Engine) TriggerFullSync(ctx context.Context) (*models.ReconciliationSummary, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	if !e.fullSyncActive.CompareAndSwap(false, true) {
		return nil, common.ErrSyncInProgress
	}
	defer e.fullSyncActive.Store(false)

	summary, err := e.recon.Run(ctx)
	if err != nil {
		return summary, err
	}
	if _, err := e.sched.TriggerSync(ctx); err != nil {
		return summary, fmt.Errorf("post-reconciliation sync: %w", err)
	}
	return summary, nil
}

// Status returns the scheduler's current state snapshot.
func (e *Engine) Status() scheduler.Status {
	return e.sched.Status()
}

// Subscribe registers a callback for scheduler state transitions.
func (e *Engine) Subscribe(fn func(scheduler.Status)) {
	e.sched.Subscribe(fn)
}

// Conflicts lists logged conflicts, newest first.
func (e *Engine) Conflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.conflicts.List(ctx, limit)
}

// FailedEntries lists journal entries parked after rejection or repeated
// failure.
func (e *Engine) FailedEntries(ctx context.Context) ([]models.JournalEntry, error) {
	if e.closed.Load() {
		return nil, common.ErrEngineClosed
	}
	return e.journal.Failed(ctx)
}

// RetryFailed re-queues a failed entry with a fresh attempt budget.
func (e *Engine) RetryFailed(ctx context.Context, t models.EntityType, id string) error {
	if e.closed.Load() {
		return common.ErrEngineClosed
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := journal.NewSQLiteRepository(tx).Retry(ctx, t, id); err != nil {
			return err
		}
		return records.NewSQLiteRepository(tx).SetStatus(ctx, t, id, models.StatusPending)
	})
}

// DiscardFailed abandons a failed entry. The local row keeps its content
// but is no longer queued; its status returns to synced so it stops
// surfacing as an outstanding change.
func (e *Engine) DiscardFailed(ctx context.Context, t models.EntityType, id string) error {
	if e.closed.Load() {
		return common.ErrEngineClosed
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := journal.NewSQLiteRepository(tx).Discard(ctx, t, id); err != nil {
			return err
		}
		return records.NewSQLiteRepository(tx).SetStatus(ctx, t, id, models.StatusSynced)
	})
}

// Close stops background syncing and closes the database. In-flight cycles
// are interrupted; their journal entries revert to pending on next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	<-e.done
	return e.db.Close()
}
