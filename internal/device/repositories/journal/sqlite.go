package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/dbx"
	"github.com/openclinic/chartsync/internal/device/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Coalesce(ctx context.Context, op models.Operation, e *models.Entity) (int64, error) {
	existing, err := r.Outstanding(ctx, e.Type, e.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return 0, err
	}

	merged := op
	attempts := 0
	if existing != nil {
		merged = models.MergeOperations(existing.Operation, op)
		attempts = existing.Attempts
		// Delete-and-reinsert bumps local_seq, so a stale in-flight ack for
		// the old seq cannot finalize the newer snapshot.
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM change_journal WHERE local_seq=?`, existing.LocalSeq); err != nil {
			return 0, fmt.Errorf("failed to coalesce journal entry: %w", err)
		}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO change_journal (entity_type, entity_id, operation, snapshot, updated_at, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.ID, merged, string(e.Payload),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano), models.StatusPending, attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue journal entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get journal seq: %w", err)
	}
	return seq, nil
}

const entryColumns = `local_seq, entity_type, entity_id, operation, snapshot, updated_at, status, attempts, last_error`

func scanEntry(scan func(dest ...any) error) (*models.JournalEntry, error) {
	e := &models.JournalEntry{}
	var snapshot, updatedAt string
	err := scan(&e.LocalSeq, &e.EntityType, &e.EntityID, &e.Operation,
		&snapshot, &updatedAt, &e.Status, &e.Attempts, &e.LastError)
	if err != nil {
		return nil, err
	}
	e.Snapshot = []byte(snapshot)
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for journal entry %d: %w", e.LocalSeq, err)
	}
	return e, nil
}

func (r *SQLiteRepository) Outstanding(ctx context.Context, t models.EntityType, id string) (*models.JournalEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM change_journal
		WHERE entity_type=? AND entity_id=? AND status IN (?, ?)`,
		t, id, models.StatusPending, models.StatusSyncing)

	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) NextBatch(ctx context.Context, maxSize int) ([]models.JournalEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM change_journal
		WHERE status=? ORDER BY local_seq LIMIT ?`, models.StatusPending, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending entries: %w", err)
	}
	defer rows.Close()

	var batch []models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		batch = append(batch, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batch, nil
}

func seqPlaceholders(seqs []int64) (string, []any) {
	marks := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, s := range seqs {
		marks[i] = "?"
		args[i] = s
	}
	return strings.Join(marks, ","), args
}

func (r *SQLiteRepository) MarkSyncing(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	marks, args := seqPlaceholders(seqs)
	args = append([]any{models.StatusSyncing, models.StatusPending}, args...)
	_, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=? WHERE status=? AND local_seq IN (`+marks+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark entries syncing: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, seq int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=?, synced_at=? WHERE local_seq=? AND status=?`,
		models.StatusSynced, time.Now().UTC().Format(time.RFC3339Nano), seq, models.StatusSyncing)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry synced: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra == 1, nil
}

func (r *SQLiteRepository) MarkSuperseded(ctx context.Context, seq int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=?, last_error=?, synced_at=? WHERE local_seq=?`,
		models.StatusSynced, reason, time.Now().UTC().Format(time.RFC3339Nano), seq)
	if err != nil {
		return fmt.Errorf("failed to mark entry superseded: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Fail(ctx context.Context, seq int64, cause string, maxAttempts int) (bool, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM change_journal WHERE local_seq=?`, seq).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, common.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query row scan failed: %w", err)
	}

	attempts++
	status := models.StatusPending
	if attempts >= maxAttempts {
		status = models.StatusFailed
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=?, attempts=?, last_error=? WHERE local_seq=?`,
		status, attempts, cause, seq)
	if err != nil {
		return false, fmt.Errorf("failed to record entry failure: %w", err)
	}
	return status == models.StatusFailed, nil
}

func (r *SQLiteRepository) FailPermanently(ctx context.Context, seq int64, cause string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=?, attempts=attempts+1, last_error=? WHERE local_seq=?`,
		models.StatusFailed, cause, seq)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ResetSyncing(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	marks, args := seqPlaceholders(seqs)
	args = append([]any{models.StatusPending, models.StatusSyncing}, args...)
	_, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=? WHERE status=? AND local_seq IN (`+marks+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to reset syncing entries: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ResetStuck(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE change_journal SET status=? WHERE status=?`,
		models.StatusPending, models.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck entries: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Failed(ctx context.Context) ([]models.JournalEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM change_journal
		WHERE status=? ORDER BY local_seq`, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to select failed entries: %w", err)
	}
	defer rows.Close()

	var result []models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Retry(ctx context.Context, t models.EntityType, id string) error {
	// Reinsert instead of flipping the status so the retry gets a fresh
	// local_seq. The old seq's idempotency key is burned: the server has
	// recorded a rejection for it and would replay that outcome.
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM change_journal
		WHERE entity_type=? AND entity_id=? AND status=?`,
		t, id, models.StatusFailed)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrEntryNotFailed
	}
	if err != nil {
		return fmt.Errorf("failed to load failed entry: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM change_journal WHERE local_seq=?`, e.LocalSeq); err != nil {
		return fmt.Errorf("failed to remove failed entry: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO change_journal (entity_type, entity_id, operation, snapshot, updated_at, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		e.EntityType, e.EntityID, e.Operation, string(e.Snapshot),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano), models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Discard(ctx context.Context, t models.EntityType, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM change_journal WHERE entity_type=? AND entity_id=? AND status=?`,
		t, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to discard entry: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrEntryNotFailed
	}
	return nil
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM change_journal GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	result := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status models.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		result[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]models.JournalEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM change_journal
		WHERE status=? AND updated_at < ? ORDER BY local_seq`,
		models.StatusPending, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to select aged pending entries: %w", err)
	}
	defer rows.Close()

	var result []models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM change_journal WHERE status=? AND synced_at IS NOT NULL AND synced_at < ?`,
		models.StatusSynced, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}
