// Package dispatcher runs the synchronization cycle: drain the change
// journal to the server in batches, then pull remote changes per collection
// and route each one through the conflict resolver.
//
// A cycle is interruptible at any point without loss. Pushed entries are
// acked individually, pull cursors only advance after a page is fully
// applied, and a transport failure mid-cycle reverts in-flight journal
// entries to pending so the next cycle retries them with the same
// idempotency keys.
package dispatcher
