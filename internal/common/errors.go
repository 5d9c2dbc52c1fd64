// Package common defines shared constants and sentinel errors used across
// the device engine and the sync server. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Local storage failures, fatal to the write that caused them.
	ErrLocalWrite = errors.New("local write error")

	// Transport-level errors. ErrUnavailable covers timeouts and connection
	// failures and is always retryable.
	ErrUnavailable     = errors.New("server unavailable")
	ErrVersionConflict = errors.New("version conflict")

	// ErrValidation marks a payload the server rejected. Retrying without
	// changing the payload will not succeed.
	ErrValidation = errors.New("validation rejected")

	// ErrEntryNotFailed rejects retrying a journal entry that is not
	// parked as failed.
	ErrEntryNotFailed = errors.New("journal entry not failed")

	// Engine lifecycle errors.
	ErrSyncInProgress = errors.New("sync cycle already in progress")
	ErrEngineClosed   = errors.New("engine closed")
)
