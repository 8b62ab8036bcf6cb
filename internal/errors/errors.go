package errors

import "errors"

// Store errors.
var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrQueueItemNotFound = errors.New("queue item not found")
)

// Sync errors.
var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrMediaMissing     = errors.New("local media file missing")
	ErrSessionInvalid   = errors.New("resumable session no longer valid")
	ErrPassInProgress   = errors.New("sync pass already running")
)
