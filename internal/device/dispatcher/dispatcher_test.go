package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/device/remote"
	"github.com/openclinic/chartsync/internal/device/repositories/conflicts"
	"github.com/openclinic/chartsync/internal/device/repositories/journal"
	"github.com/openclinic/chartsync/internal/device/repositories/meta"
	"github.com/openclinic/chartsync/internal/device/repositories/records"
	"github.com/openclinic/chartsync/internal/device/store"
	"github.com/openclinic/chartsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE entities (
  entity_type TEXT NOT NULL,
  id          TEXT NOT NULL,
  payload     TEXT NOT NULL,
  updated_at  TEXT NOT NULL,
  version     INTEGER NOT NULL DEFAULT 0,
  deleted     INTEGER NOT NULL DEFAULT 0,
  sync_status TEXT NOT NULL DEFAULT 'pending',
  PRIMARY KEY (entity_type, id)
);
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
CREATE TABLE metadata (
  key   TEXT PRIMARY KEY,
  value BLOB
);
CREATE TABLE conflict_log (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  entity_type      TEXT NOT NULL,
  entity_id        TEXT NOT NULL,
  winner_source    TEXT NOT NULL,
  reason           TEXT NOT NULL,
  loser_payload    TEXT NOT NULL,
  loser_updated_at TEXT NOT NULL,
  logged_at        TEXT NOT NULL
);
`

type fakeClient struct {
	pushErr error
	pushes  []*remote.PushRequest
	// pulls is consumed page by page per collection; empty means an empty
	// final page.
	pulls map[models.EntityType][]remote.PullResponse
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) Push(_ context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
	f.pushes = append(f.pushes, req)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	resp := &remote.PushResponse{}
	for i, e := range req.Entries {
		resp.Results = append(resp.Results, remote.PushEntryResult{
			IdempotencyKey: e.IdempotencyKey,
			Status:         remote.PushApplied,
			Version:        int64(i) + 1,
		})
	}
	return resp, nil
}

func (f *fakeClient) Pull(_ context.Context, t models.EntityType, cursor int64, _ int) (*remote.PullResponse, error) {
	pages := f.pulls[t]
	if len(pages) == 0 {
		return &remote.PullResponse{NextCursor: cursor}, nil
	}
	page := pages[0]
	f.pulls[t] = pages[1:]
	return &page, nil
}

func (f *fakeClient) Manifest(context.Context, models.EntityType) ([]remote.ManifestEntry, error) {
	return nil, nil
}

func (f *fakeClient) Fetch(context.Context, models.EntityType, []string) ([]remote.Change, error) {
	return nil, nil
}

func (f *fakeClient) AttachmentUploadURL(context.Context, string) (string, error) { return "", nil }

func (f *fakeClient) MarkAttachmentUploaded(context.Context, string) error { return nil }

func testLogger() logging.Logger {
	return logging.Discard()
}

func setup(t *testing.T, client remote.Client) (*Dispatcher, *store.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)

	s := store.New(db)
	d := New(db, client, s, testLogger(), Options{DeviceID: "device-1"})
	return d, s, db
}

func TestRunCycle_PushHappyPath(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pushed)
	assert.Zero(t, summary.Failed)

	// Journal drained, entity stamped with the server version.
	batch, err := journal.NewSQLiteRepository(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	got, err := records.NewSQLiteRepository(db).Get(ctx, models.EntityTypePatients, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)
	assert.Equal(t, int64(1), got.Version)

	require.Len(t, fake.pushes, 1)
	assert.Equal(t, "device-1", fake.pushes[0].DeviceID)
	assert.NotEmpty(t, fake.pushes[0].Entries[0].IdempotencyKey)
}

func TestRunCycle_TransportFailureRevertsBatch(t *testing.T) {
	fake := &fakeClient{pushErr: common.ErrUnavailable, pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	_, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	_, err = d.RunCycle(ctx)
	assert.ErrorIs(t, err, common.ErrUnavailable)

	// The entry went back to pending and keeps its idempotency key.
	batch, err := journal.NewSQLiteRepository(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.StatusPending, batch[0].Status)
}

func TestRunCycle_RetryReusesIdempotencyKey(t *testing.T) {
	fake := &fakeClient{pushErr: common.ErrUnavailable, pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, _ := setup(t, fake)
	ctx := context.Background()

	_, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	_, err = d.RunCycle(ctx)
	require.Error(t, err)

	fake.pushErr = nil
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, fake.pushes, 2)
	assert.Equal(t, fake.pushes[0].Entries[0].IdempotencyKey, fake.pushes[1].Entries[0].IdempotencyKey)
}

type rejectingClient struct {
	fakeClient
}

func (r *rejectingClient) Push(_ context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
	resp := &remote.PushResponse{}
	for _, e := range req.Entries {
		resp.Results = append(resp.Results, remote.PushEntryResult{
			IdempotencyKey: e.IdempotencyKey,
			Status:         remote.PushRejected,
			Error:          "payload failed validation",
		})
	}
	return resp, nil
}

func TestRunCycle_RejectedEntryFailsPermanently(t *testing.T) {
	fake := &rejectingClient{fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	failed, err := journal.NewSQLiteRepository(db).Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "payload failed validation", failed[0].LastError)

	got, err := records.NewSQLiteRepository(db).Get(ctx, models.EntityTypePatients, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.SyncStatus)
}

// editDuringPushClient rewrites the entity while its push is in flight,
// then rejects the original entry. The rejection addresses a seq that no
// longer exists.
type editDuringPushClient struct {
	fakeClient
	store *store.Store
	typ   models.EntityType
	id    string
}

func (c *editDuringPushClient) Push(_ context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
	ctx := context.Background()
	if _, err := c.store.Put(ctx, c.typ, c.id, json.RawMessage(`{"name":"Ada Lovelace"}`)); err != nil {
		return nil, err
	}
	resp := &remote.PushResponse{}
	for _, e := range req.Entries {
		resp.Results = append(resp.Results, remote.PushEntryResult{
			IdempotencyKey: e.IdempotencyKey,
			Status:         remote.PushRejected,
			Error:          "payload failed validation",
		})
	}
	return resp, nil
}

func TestRunCycle_RejectionOfCoalescedEntryKeepsEntityPending(t *testing.T) {
	fake := &editDuringPushClient{
		fakeClient: fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}},
		typ:        models.EntityTypePatients,
	}
	d, s, db := setup(t, fake)
	fake.store = s
	ctx := context.Background()

	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	fake.id = e.ID

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)

	// The fresh edit queued during the push must not be shadowed by a
	// failed stamp for the superseded entry.
	got, err := records.NewSQLiteRepository(db).Get(ctx, models.EntityTypePatients, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.SyncStatus)
	assert.JSONEq(t, `{"name":"Ada Lovelace"}`, string(got.Payload))

	jr := journal.NewSQLiteRepository(db)
	batch, err := jr.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	failed, err := jr.Failed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRunCycle_PullAppliesAndAdvancesCursor(t *testing.T) {
	change := remote.Change{
		EntityType:   models.EntityTypePatients,
		EntityID:     "p-remote",
		Payload:      json.RawMessage(`{"name":"Grace"}`),
		Version:      9,
		UpdatedAt:    time.Now().UTC(),
		SourceDevice: "device-2",
	}
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{
		models.EntityTypePatients: {
			{Changes: []remote.Change{change}, NextCursor: 9, HasMore: false},
		},
	}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pulled)
	assert.Zero(t, summary.Conflicts)

	got, err := s.Get(ctx, models.EntityTypePatients, "p-remote")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Version)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)

	cursor, err := meta.NewSQLiteRepository(db).Cursor(ctx, models.EntityTypePatients)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cursor)
}

func TestRunCycle_PullNeverRewindsCursor(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{
		models.EntityTypePatients: {
			{NextCursor: 2, HasMore: false},
		},
	}}
	d, _, db := setup(t, fake)
	ctx := context.Background()

	require.NoError(t, meta.NewSQLiteRepository(db).SetCursor(ctx, models.EntityTypePatients, 9))

	_, err := d.RunCycle(ctx)
	require.NoError(t, err)

	// A regressed server response must not rewind the stored cursor;
	// that would replay changes already applied locally.
	cursor, err := meta.NewSQLiteRepository(db).Cursor(ctx, models.EntityTypePatients)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cursor)
}

func TestRunCycle_PullStopsWhenCursorStalls(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{
		models.EntityTypePatients: {
			{NextCursor: 9, HasMore: true},
			{NextCursor: 9, HasMore: true},
		},
	}}
	d, _, db := setup(t, fake)
	ctx := context.Background()

	require.NoError(t, meta.NewSQLiteRepository(db).SetCursor(ctx, models.EntityTypePatients, 9))

	// HasMore with a cursor that does not advance would loop forever;
	// the collection pull errors out instead.
	_, err := d.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not advance")
}

func TestRunCycle_PullSkipsOwnEcho(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{
		models.EntityTypePatients: {
			{Changes: []remote.Change{{
				EntityType:   models.EntityTypePatients,
				EntityID:     "p1",
				Payload:      json.RawMessage(`{"name":"Echo"}`),
				Version:      3,
				UpdatedAt:    time.Now().UTC(),
				SourceDevice: "device-1",
			}}, NextCursor: 3},
		},
	}}
	d, s, _ := setup(t, fake)
	ctx := context.Background()

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Pulled)

	_, err = s.Get(ctx, models.EntityTypePatients, "p1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestApplyChange_RemoteWinsConflict(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	// Unsynced local edit that loses to a newer remote one.
	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"mine"}`))
	require.NoError(t, err)

	conflicted, err := d.ApplyChange(ctx, models.EntityTypePatients, remote.Change{
		EntityType:   models.EntityTypePatients,
		EntityID:     e.ID,
		Payload:      json.RawMessage(`{"name":"theirs"}`),
		Version:      5,
		UpdatedAt:    e.UpdatedAt.Add(time.Hour),
		SourceDevice: "device-2",
	})
	require.NoError(t, err)
	assert.True(t, conflicted)

	got, err := s.Get(ctx, models.EntityTypePatients, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"theirs"}`, string(got.Payload))
	assert.Equal(t, int64(5), got.Version)

	// The queued local push was withdrawn; the losing payload is kept.
	batch, err := journal.NewSQLiteRepository(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	logged, err := conflicts.NewSQLiteRepository(db).List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "remote", logged[0].WinnerSource)
	assert.JSONEq(t, `{"name":"mine"}`, string(logged[0].LoserPayload))
}

func TestApplyChange_LocalWinsConflict(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"mine"}`))
	require.NoError(t, err)

	conflicted, err := d.ApplyChange(ctx, models.EntityTypePatients, remote.Change{
		EntityType:   models.EntityTypePatients,
		EntityID:     e.ID,
		Payload:      json.RawMessage(`{"name":"theirs"}`),
		Version:      5,
		UpdatedAt:    e.UpdatedAt.Add(-time.Hour),
		SourceDevice: "device-2",
	})
	require.NoError(t, err)
	assert.True(t, conflicted)

	// Local edit survives and stays queued for push.
	got, err := s.Get(ctx, models.EntityTypePatients, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"mine"}`, string(got.Payload))

	batch, err := journal.NewSQLiteRepository(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	logged, err := conflicts.NewSQLiteRepository(db).List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "local", logged[0].WinnerSource)
	assert.JSONEq(t, `{"name":"theirs"}`, string(logged[0].LoserPayload))
}

func TestApplyChange_AppendOnlyDuplicateAdoptsRemoteVersion(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, db := setup(t, fake)
	ctx := context.Background()

	// Same vitals reading captured on two devices; key order differs.
	e, err := s.Put(ctx, models.EntityTypeVitals, "", json.RawMessage(`{"bpm":72,"taken_at":"2026-03-10T08:50:00Z"}`))
	require.NoError(t, err)

	conflicted, err := d.ApplyChange(ctx, models.EntityTypeVitals, remote.Change{
		EntityType:   models.EntityTypeVitals,
		EntityID:     e.ID,
		Payload:      json.RawMessage(`{"taken_at":"2026-03-10T08:50:00Z","bpm":72}`),
		Version:      4,
		UpdatedAt:    e.UpdatedAt.Add(time.Hour),
		SourceDevice: "device-2",
	})
	require.NoError(t, err)
	assert.False(t, conflicted)

	got, err := s.Get(ctx, models.EntityTypeVitals, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)

	// The queued push was withdrawn and nothing was logged as a conflict.
	batch, err := journal.NewSQLiteRepository(db).NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	logged, err := conflicts.NewSQLiteRepository(db).List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestApplyChange_RemoteTombstoneWins(t *testing.T) {
	fake := &fakeClient{pulls: map[models.EntityType][]remote.PullResponse{}}
	d, s, _ := setup(t, fake)
	ctx := context.Background()

	e, err := s.Put(ctx, models.EntityTypePatients, "", json.RawMessage(`{"name":"mine"}`))
	require.NoError(t, err)

	conflicted, err := d.ApplyChange(ctx, models.EntityTypePatients, remote.Change{
		EntityType:   models.EntityTypePatients,
		EntityID:     e.ID,
		Payload:      json.RawMessage(`{}`),
		Deleted:      true,
		Version:      5,
		UpdatedAt:    e.UpdatedAt,
		SourceDevice: "device-2",
	})
	require.NoError(t, err)
	assert.True(t, conflicted)

	_, err = s.Get(ctx, models.EntityTypePatients, e.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
