package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclinic/chartsync/internal/common"
	"github.com/openclinic/chartsync/internal/device/models"
	"github.com/openclinic/chartsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.Discard()
}

func newClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "device-1", testLogger())
}

func TestPush_RoundTrip(t *testing.T) {
	var gotReq PushRequest
	var gotDevice string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sync/push", r.URL.Path)
		gotDevice = r.Header.Get(common.DeviceIDHeaderName)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(PushResponse{Results: []PushEntryResult{
			{IdempotencyKey: "k1", Status: PushApplied, Version: 7},
		}})
	}))

	resp, err := c.Push(context.Background(), &PushRequest{
		DeviceID: "device-1",
		Entries: []PushEntry{{
			IdempotencyKey: "k1",
			EntityType:     models.EntityTypePatients,
			EntityID:       "p1",
			Operation:      models.OpCreate,
			Snapshot:       json.RawMessage(`{"name":"Ada"}`),
			UpdatedAt:      time.Now().UTC(),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, PushApplied, resp.Results[0].Status)
	assert.Equal(t, int64(7), resp.Results[0].Version)
	assert.Equal(t, "device-1", gotDevice)
	assert.Equal(t, "p1", gotReq.Entries[0].EntityID)
}

func TestPull_SendsCursorAndLimit(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync/changes", r.URL.Path)
		assert.Equal(t, "vitals", r.URL.Query().Get("collection"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(PullResponse{NextCursor: 50, HasMore: true})
	}))

	resp, err := c.Pull(context.Background(), models.EntityTypeVitals, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), resp.NextCursor)
	assert.True(t, resp.HasMore)
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ManifestResponse{Entries: []ManifestEntry{{EntityID: "p1", Version: 3}}})
	}))

	entries, err := c.Manifest(context.Background(), models.EntityTypePatients)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, attempts)
}

func TestDo_UnreachableServerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewHTTPClient(srv.URL, "device-1", testLogger())

	_, err := c.Pull(context.Background(), models.EntityTypePatients, 0, 10)
	assert.ErrorIs(t, err, common.ErrUnavailable)
}

func TestDo_BadRequestIsTerminal(t *testing.T) {
	attempts := 0
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown collection"})
	}))

	_, err := c.Pull(context.Background(), models.EntityType("bogus"), 0, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Contains(t, err.Error(), "unknown collection")
	assert.Equal(t, 1, attempts)
}

func TestFetch_EmptyIDsSkipsRequest(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	records, err := c.Fetch(context.Background(), models.EntityTypePatients, nil)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestAttachmentUploadURL(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/attachments/a1/upload-url", r.URL.Path)
		_ = json.NewEncoder(w).Encode(UploadURLResponse{URL: "https://blobs.example/a1?sig=x"})
	}))

	u, err := c.AttachmentUploadURL(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example/a1?sig=x", u)
}
