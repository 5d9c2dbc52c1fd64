// Package models defines the server-side persistence model: authoritative
// record rows and idempotency outcomes.
package models

import (
	"encoding/json"
	"time"
)

// Record is the authoritative copy of one entity within a collection.
// Version is assigned from the per-collection counter inside the push
// transaction and strictly orders changes for pull cursors.
type Record struct {
	Collection   string
	ID           string
	Payload      json.RawMessage
	Version      int64
	Deleted      bool
	UpdatedAt    time.Time
	SourceDevice string
	ContentHash  string
}

// PushOutcome is the durable result of applying one push entry, keyed by its
// idempotency key. A re-sent entry with a known key gets this replayed
// instead of being applied again.
type PushOutcome struct {
	Key       string
	Status    string
	Version   int64
	Error     string
	AppliedAt time.Time
}

// AttachmentUpload tracks the object-storage lifecycle of an attachment
// record. The payload metadata syncs like any record; the bytes go directly
// to object storage through a presigned URL.
type AttachmentUpload struct {
	RecordID     string
	StorageKey   string
	UploadStatus string
	CreatedAt    time.Time
}

const (
	UploadStatusPending  = "pending"
	UploadStatusUploaded = "uploaded"
)
