package api

import (
	"encoding/json"
	"time"

	"github.com/openclinic/chartsync/internal/device/models"
)

// PushEntry is one journal entry on the wire. The idempotency key pins the
// exact coalesced state being pushed; the server replays its recorded
// outcome for a key it has already seen.
type PushEntry struct {
	IdempotencyKey string            `json:"idempotency_key"`
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Operation      models.Operation  `json:"operation"`
	Snapshot       json.RawMessage   `json:"snapshot"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type PushRequest struct {
	DeviceID string      `json:"device_id"`
	Entries  []PushEntry `json:"entries"`
}

const (
	// PushApplied means the server accepted the entry and assigned Version.
	PushApplied = "applied"
	// PushRejected means the entry failed server-side validation and will
	// never be accepted; the device must not retry it.
	PushRejected = "rejected"
)

type PushEntryResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Version        int64  `json:"version,omitempty"`
	Error          string `json:"error,omitempty"`
}

type PushResponse struct {
	Results []PushEntryResult `json:"results"`
}

// Change is one remote mutation streamed during a pull. SourceDevice lets a
// device skip the echo of its own pushes.
type Change struct {
	EntityType   models.EntityType `json:"entity_type"`
	EntityID     string            `json:"entity_id"`
	Payload      json.RawMessage   `json:"payload"`
	Deleted      bool              `json:"deleted"`
	Version      int64             `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
	SourceDevice string            `json:"source_device"`
}

type PullResponse struct {
	Changes    []Change `json:"changes"`
	NextCursor int64    `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// ManifestEntry is the server's compact per-entity summary used by full-sync
// reconciliation.
type ManifestEntry struct {
	EntityID  string    `json:"entity_id"`
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ManifestResponse struct {
	// CurrentVersion is the collection's version counter at the time the
	// manifest was built. A device can use it as the pull cursor after
	// reconciling against the entries.
	CurrentVersion int64           `json:"current_version"`
	Entries        []ManifestEntry `json:"entries"`
}

type FetchResponse struct {
	Records []Change `json:"records"`
}

type UploadURLResponse struct {
	URL string `json:"url"`
}

// Error is the body every non-2xx API response carries.
type Error struct {
	Error string `json:"error"`
}
