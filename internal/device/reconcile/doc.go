// Package reconcile implements full-sync: a manifest diff against the
// server that repairs whatever incremental cycles missed. It fetches
// entities the device has never seen or holds stale copies of, re-queues
// local rows that vanished from the server, and counts aged pending entries
// so the caller can push them right after.
//
// Collections are reconciled concurrently; every fetched record goes
// through the same conflict resolution as an incremental pull.
package reconcile
