package journal

import (
	"context"
	"time"

	"github.com/openclinic/chartsync/internal/device/models"
)

type Repository interface {
	// Coalesce records a local mutation. If an outstanding entry exists for
	// the entity it is folded in (snapshot replaced, operation merged,
	// local_seq bumped); otherwise a new pending entry is created. Returns
	// the entry's local_seq.
	Coalesce(ctx context.Context, op models.Operation, e *models.Entity) (int64, error)

	// Outstanding returns the pending or syncing entry for an entity, or
	// common.ErrNotFound.
	Outstanding(ctx context.Context, t models.EntityType, id string) (*models.JournalEntry, error)

	// NextBatch returns up to maxSize pending entries in local_seq order.
	NextBatch(ctx context.Context, maxSize int) ([]models.JournalEntry, error)

	// MarkSyncing transitions the given pending entries to syncing.
	MarkSyncing(ctx context.Context, seqs []int64) error

	// MarkSynced finalizes a syncing entry after a server ack. The seq pins
	// the exact coalesced state that was pushed: if the entry was edited
	// (and re-sequenced) while in flight, the stale ack matches nothing and
	// the newer state is pushed next cycle.
	MarkSynced(ctx context.Context, seq int64) (bool, error)

	// MarkSuperseded finalizes an entry whose change lost a conflict; the
	// losing payload lives in the conflict log.
	MarkSuperseded(ctx context.Context, seq int64, reason string) error

	// Fail records a per-entry failure, incrementing attempts. Once
	// attempts reaches maxAttempts the entry becomes permanently failed;
	// until then it reverts to pending. Reports whether it is now failed.
	Fail(ctx context.Context, seq int64, cause string, maxAttempts int) (bool, error)

	// FailPermanently marks an entry failed regardless of attempts, used
	// for server-side validation rejections. Reports whether the entry was
	// still present; a coalesced-away seq is a no-op.
	FailPermanently(ctx context.Context, seq int64, cause string) (bool, error)

	// ResetSyncing reverts in-flight entries to pending after a
	// network-level batch failure.
	ResetSyncing(ctx context.Context, seqs []int64) error

	// ResetStuck reverts every syncing entry to pending. Called on startup
	// so a cancelled or crashed cycle leaves no entry syncing forever.
	ResetStuck(ctx context.Context) (int64, error)

	// Failed lists permanently failed entries for user review.
	Failed(ctx context.Context) ([]models.JournalEntry, error)

	// Retry requeues a failed entry as pending with attempts reset and a
	// fresh local_seq, so the push carries a new idempotency key.
	Retry(ctx context.Context, t models.EntityType, id string) error

	// Discard removes a failed entry without syncing it.
	Discard(ctx context.Context, t models.EntityType, id string) error

	// CountByStatus returns journal entry counts per status.
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error)

	// PendingOlderThan lists pending entries whose last edit predates the
	// cutoff; reconciliation re-pushes them.
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]models.JournalEntry, error)

	// Prune deletes synced entries finalized before the cutoff, keeping a
	// bounded audit window. Returns the number of rows removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
