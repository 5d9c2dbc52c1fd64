package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE change_journal (
  local_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
  entity_type TEXT NOT NULL,
  entity_id   TEXT NOT NULL,
  operation   TEXT NOT NULL,
  snapshot    TEXT NOT NULL,
  updated_at  TEXT NOT NULL,
  status      TEXT NOT NULL DEFAULT 'pending',
  attempts    INTEGER NOT NULL DEFAULT 0,
  last_error  TEXT NOT NULL DEFAULT '',
  synced_at   TEXT
);
CREATE UNIQUE INDEX journal_outstanding
  ON change_journal (entity_type, entity_id)
  WHERE status IN ('pending', 'syncing');
`)
	require.NoError(t, err)

	return db
}

func vital(id string, hr int) *models.Entity {
	payload, _ := json.Marshal(map[string]int{"hr": hr})
	return &models.Entity{
		ID:        id,
		Type:      models.EntityTypeVitals,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestCoalesce_BurstOfEditsYieldsOneEntry(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq1, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	seq2, err := r.Coalesce(ctx, models.OpUpdate, vital("v1", 72))
	require.NoError(t, err)
	seq3, err := r.Coalesce(ctx, models.OpUpdate, vital("v1", 74))
	require.NoError(t, err)

	assert.Greater(t, seq2, seq1, "coalescing must bump local_seq")
	assert.Greater(t, seq3, seq2)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1, "three edits, one journal entry")
	assert.Equal(t, models.OpCreate, batch[0].Operation, "entity was never synced, so it is still a create")
	assert.JSONEq(t, `{"hr":74}`, string(batch[0].Snapshot))
}

func TestCoalesce_CreateThenDelete(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	_, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	_, err = r.Coalesce(ctx, models.OpDelete, vital("v1", 70))
	require.NoError(t, err)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.OpDelete, batch[0].Operation)
}

func TestNextBatch_OrderedByLocalSeq(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	_, err := r.Coalesce(ctx, models.OpCreate, vital("a", 1))
	require.NoError(t, err)
	_, err = r.Coalesce(ctx, models.OpCreate, vital("b", 2))
	require.NoError(t, err)
	_, err = r.Coalesce(ctx, models.OpCreate, vital("c", 3))
	require.NoError(t, err)

	// editing "a" re-sequences it to the tail
	_, err = r.Coalesce(ctx, models.OpUpdate, vital("a", 9))
	require.NoError(t, err)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "b", batch[0].EntityID)
	assert.Equal(t, "c", batch[1].EntityID)
	assert.Equal(t, "a", batch[2].EntityID)
}

func TestMarkSynced_IgnoresStaleSeq(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	require.NoError(t, r.MarkSyncing(ctx, []int64{seq}))

	// entity edited while the push is in flight
	newSeq, err := r.Coalesce(ctx, models.OpUpdate, vital("v1", 80))
	require.NoError(t, err)

	// the ack for the old seq must not finalize the newer snapshot
	ok, err := r.MarkSynced(ctx, seq)
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := r.Outstanding(ctx, models.EntityTypeVitals, "v1")
	require.NoError(t, err)
	assert.Equal(t, newSeq, out.LocalSeq)
	assert.Equal(t, models.StatusPending, out.Status)
}

func TestMarkSynced_HappyPath(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	require.NoError(t, r.MarkSyncing(ctx, []int64{seq}))

	ok, err := r.MarkSynced(ctx, seq)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.Outstanding(ctx, models.EntityTypeVitals, "v1")
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestFail_AttemptCapLeadsToPermanentFailure(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)

	const maxAttempts = 3
	for i := 1; i < maxAttempts; i++ {
		failed, err := r.Fail(ctx, seq, "timeout", maxAttempts)
		require.NoError(t, err)
		assert.False(t, failed, "attempt %d should revert to pending", i)
	}

	failed, err := r.Fail(ctx, seq, "timeout", maxAttempts)
	require.NoError(t, err)
	assert.True(t, failed)

	list, err := r.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, maxAttempts, list[0].Attempts)
	assert.Equal(t, "timeout", list[0].LastError)
}

func TestFailPermanently_ValidationRejection(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	parked, err := r.FailPermanently(ctx, seq, "missing field: recorded_at")
	require.NoError(t, err)
	assert.True(t, parked)

	list, err := r.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "missing field: recorded_at", list[0].LastError)
}

func TestFailPermanently_CoalescedSeqIsNoOp(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)

	// a newer edit replaces the row under a fresh seq, so a rejection
	// addressed to the old seq must not park anything
	seq2, err := r.Coalesce(ctx, models.OpUpdate, vital("v1", 72))
	require.NoError(t, err)
	require.Greater(t, seq2, seq)

	parked, err := r.FailPermanently(ctx, seq, "rejected")
	require.NoError(t, err)
	assert.False(t, parked)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.StatusPending, batch[0].Status)
}

func TestRetryAndDiscard(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("v1", 70))
	require.NoError(t, err)
	parked, err := r.FailPermanently(ctx, seq, "rejected")
	require.NoError(t, err)
	require.True(t, parked)

	// retry puts it back in the queue with a clean slate and a new seq,
	// so the server does not replay the recorded rejection
	require.NoError(t, r.Retry(ctx, models.EntityTypeVitals, "v1"))
	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 0, batch[0].Attempts)
	assert.Greater(t, batch[0].LocalSeq, seq)

	// retrying a non-failed entry is an error
	err = r.Retry(ctx, models.EntityTypeVitals, "v1")
	assert.True(t, errors.Is(err, common.ErrEntryNotFailed))

	parked, err = r.FailPermanently(ctx, batch[0].LocalSeq, "rejected again")
	require.NoError(t, err)
	require.True(t, parked)
	require.NoError(t, r.Discard(ctx, models.EntityTypeVitals, "v1"))

	list, err := r.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResetStuck_RevertsSyncingToPending(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq1, err := r.Coalesce(ctx, models.OpCreate, vital("a", 1))
	require.NoError(t, err)
	seq2, err := r.Coalesce(ctx, models.OpCreate, vital("b", 2))
	require.NoError(t, err)
	require.NoError(t, r.MarkSyncing(ctx, []int64{seq1, seq2}))

	n, err := r.ResetStuck(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestCountByStatus(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	_, err := r.Coalesce(ctx, models.OpCreate, vital("a", 1))
	require.NoError(t, err)
	seq, err := r.Coalesce(ctx, models.OpCreate, vital("b", 2))
	require.NoError(t, err)
	parked, err := r.FailPermanently(ctx, seq, "rejected")
	require.NoError(t, err)
	require.True(t, parked)

	counts, err := r.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusFailed])
}

func TestPrune_RemovesOnlyOldSyncedEntries(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	seq, err := r.Coalesce(ctx, models.OpCreate, vital("a", 1))
	require.NoError(t, err)
	require.NoError(t, r.MarkSyncing(ctx, []int64{seq}))
	ok, err := r.MarkSynced(ctx, seq)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Coalesce(ctx, models.OpCreate, vital("b", 2))
	require.NoError(t, err)

	// cutoff in the future: the synced entry qualifies, the pending one never does
	n, err := r.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	batch, err := r.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestPendingOlderThan(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	old := vital("a", 1)
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)
	_, err := r.Coalesce(ctx, models.OpCreate, old)
	require.NoError(t, err)

	_, err = r.Coalesce(ctx, models.OpCreate, vital("b", 2))
	require.NoError(t, err)

	aged, err := r.PendingOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, "a", aged[0].EntityID)
}
