// Package models defines the device-side data model of the sync engine:
// synchronizable entities, change-journal entries, and the summaries the
// engine reports back to the embedding application.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType names a synchronized collection. Each type maps to one remote
// collection and shares the generic entity schema locally.
type EntityType string

const (
	EntityTypePatients       EntityType = "patients"
	EntityTypeVitals         EntityType = "vitals"
	EntityTypeLabRequests    EntityType = "lab_requests"
	EntityTypeBillingEntries EntityType = "billing_entries"
	EntityTypeAttachments    EntityType = "attachments"
)

// KnownTypes lists every collection the engine synchronizes, in the order
// pull cycles visit them.
func KnownTypes() []EntityType {
	return []EntityType{
		EntityTypePatients,
		EntityTypeVitals,
		EntityTypeLabRequests,
		EntityTypeBillingEntries,
		EntityTypeAttachments,
	}
}

// AppendOnly reports whether records of this type are immutable once created.
// For append-only types a same-id collision can only be a duplicate
// submission, so the resolver dedupes by content hash instead of merging.
func (t EntityType) AppendOnly() bool {
	switch t {
	case EntityTypeVitals, EntityTypeAttachments:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known collection.
func (t EntityType) Valid() bool {
	for _, k := range KnownTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// SyncStatus tracks where a local change is in its lifecycle. The entity row
// mirrors the status of its outstanding journal entry for UI display.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Operation is the kind of local mutation recorded in the journal.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MergeOperations returns the operation for a journal entry after a new local
// mutation is coalesced into an outstanding one.
//
//	create + update -> create   (remote has never seen the entity)
//	create + delete -> delete   (tombstone still syncs; other devices may need it)
//	update + delete -> delete
//	delete + update -> update   (resurrection before the tombstone ever shipped)
func MergeOperations(existing, next Operation) Operation {
	switch {
	case existing == OpCreate && next == OpUpdate:
		return OpCreate
	case next == OpDelete:
		return OpDelete
	case existing == OpDelete && next == OpUpdate:
		return OpUpdate
	default:
		return next
	}
}

// Entity is a synchronizable domain record. Payload is an opaque JSON
// document owned by the embedding application; the engine only inspects the
// envelope fields.
type Entity struct {
	// ID is a stable, client-generated UUID. Never reused.
	ID string

	// Type names the collection the entity belongs to.
	Type EntityType

	// Payload is the entity body as raw JSON.
	Payload json.RawMessage

	// UpdatedAt is the client wall-clock time of the last local or remote
	// modification, in UTC.
	UpdatedAt time.Time

	// Version is the server-assigned monotonic version. Zero until the
	// entity has been acknowledged by the server at least once.
	Version int64

	// Deleted marks the entity as a tombstone. Tombstones are kept locally
	// so deletion propagates to other devices.
	Deleted bool

	// SyncStatus mirrors the outstanding journal entry's status.
	SyncStatus SyncStatus
}

// JournalEntry is one coalesced record of local mutations awaiting (or done
// with) synchronization.
type JournalEntry struct {
	// LocalSeq is strictly increasing per device and orders pushes.
	LocalSeq int64

	EntityType EntityType
	EntityID   string
	Operation  Operation

	// Snapshot is the entity payload at the time of the last coalesced edit.
	Snapshot json.RawMessage

	// UpdatedAt is the entity's UpdatedAt at snapshot time.
	UpdatedAt time.Time

	Status    SyncStatus
	Attempts  int
	LastError string
}

// idempotencyNamespace salts push idempotency keys so they cannot collide
// with ids from other uuid5 uses.
var idempotencyNamespace = uuid.MustParse("8f1b5f72-5d43-4c1b-9f1e-3f0a6c2d9e11")

// IdempotencyKey derives a stable key for one push attempt from the entity id
// and the journal sequence, so a batch re-sent after a timeout that actually
// succeeded server-side is not applied twice.
func (e *JournalEntry) IdempotencyKey() string {
	name := fmt.Sprintf("%s:%d", e.EntityID, e.LocalSeq)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// ConflictRecord preserves the losing side of a resolved conflict for manual
// review. Nothing is silently discarded.
type ConflictRecord struct {
	ID             int64
	EntityType     EntityType
	EntityID       string
	WinnerSource   string // "local" or "remote"
	Reason         string
	LoserPayload   json.RawMessage
	LoserUpdatedAt time.Time
	LoggedAt       time.Time
}

// SyncSummary reports the outcome of one push+pull cycle.
type SyncSummary struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

// ReconciliationSummary reports the outcome of a full-sync pass.
type ReconciliationSummary struct {
	PulledMissing int
	PulledStale   int
	Restored      int
	Repushed      int
	StartedAt     time.Time
	Duration      time.Duration
}
