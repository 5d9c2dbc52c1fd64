// Package store is the device-local write path. Every mutation commits the
// entity row and its coalesced journal entry in a single SQLite transaction,
// so a crash can never leave a change recorded but unqueued or queued but
// unrecorded.
//
// Writes are always accepted locally; network state is irrelevant here.
// Reads serve local state directly, hiding tombstones.
package store
