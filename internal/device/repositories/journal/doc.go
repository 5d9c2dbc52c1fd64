// Package journal provides the append-only change journal backing the sync
// engine's push pipeline.
//
// # Overview
//
// Every local mutation lands here as one coalesced entry per entity: a burst
// of edits to the same record before it syncs is folded into a single row
// whose snapshot is replaced and whose local_seq is bumped, so it costs one
// network operation. A partial unique index enforces the invariant that at
// most one outstanding (pending or syncing) entry exists per entity id.
//
// # Lifecycle
//
// pending -> syncing -> synced, or pending -> syncing -> pending (transient
// failure, whole batch retried), or -> failed once the attempt cap is hit or
// the server rejects the payload. Failed entries are never dropped silently;
// they stay queryable until the user retries or discards them. A syncing
// entry orphaned by a crash or cancellation reverts to pending via
// ResetStuck on the next startup.
//
// Key Types
//
//   - type Repository: contract used by store and dispatcher
//   - type SQLiteRepository: SQLite implementation over dbx.DBTX
package journal
