// Package remote is the device's view of the sync server: a small typed
// client over the HTTP/JSON sync API plus the wire DTOs shared with the
// server side.
//
// Transient transport failures (connection errors, 5xx, 429) are retried
// with exponential backoff inside the client and surface as
// common.ErrUnavailable once retries are exhausted, so callers can treat
// "unavailable" as a single condition when deciding to back off or go
// offline.
package remote
