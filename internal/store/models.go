package store

import (
	"encoding/json"
	"time"
)

// OpType identifies the kind of mutation a queue item carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// UploadStatus tracks where a record's media sits in the upload pipeline.
type UploadStatus string

const (
	// UploadPending means the media has not been claimed by the processor yet.
	UploadPending UploadStatus = "pending"

	// UploadInProgress means the processor has claimed the record. A record
	// stuck in this status after a crash is picked up again on the next cycle.
	UploadInProgress UploadStatus = "uploading"

	// UploadDone means the media reached the backend and RemoteURL is set.
	UploadDone UploadStatus = "uploaded"

	// UploadFailed means the last attempt failed for a non-abort reason.
	// The record stays failed until an explicit retry resets it to pending.
	UploadFailed UploadStatus = "failed"
)

// ConflictType classifies how a record diverged between devices.
type ConflictType string

const (
	// ConflictConcurrentEdit means both sides changed since the last
	// confirmed sync checkpoint.
	ConflictConcurrentEdit ConflictType = "concurrent_edit"

	// ConflictDeleteEdit means the remote copy was deleted while the local
	// copy still carries unsynced changes.
	ConflictDeleteEdit ConflictType = "delete_edit"
)

// Resolution is the decision applied to a conflict.
type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepRemote Resolution = "keep_remote"
	KeepBoth   Resolution = "keep_both"
)

// Record is a user entry in one of the synced collections. MediaPath and
// ThumbPath are device-local file references and are never overwritten
// from a remote snapshot; RemoteURL is the backend object reference set
// once the media uploads.
type Record struct {
	ID           string       `json:"id"`
	Table        string       `json:"table"`
	Title        string       `json:"title"`
	Note         string       `json:"note"`
	MediaPath    string       `json:"mediaPath,omitempty"`
	ThumbPath    string       `json:"thumbPath,omitempty"`
	RemoteURL    string       `json:"remoteUrl,omitempty"`
	UploadStatus UploadStatus `json:"uploadStatus,omitempty"`

	// UploadError holds the reason for the last failed upload attempt.
	// Cleared when the upload succeeds or is reset for retry.
	UploadError string    `json:"uploadError,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// SyncedAt is the last time this exact record was confirmed synced.
	// Zero means never synced. All conflict comparisons anchor on this
	// checkpoint, never on UpdatedAt alone.
	SyncedAt time.Time `json:"syncedAt,omitzero"`
}

// Synced reports whether the record has ever been confirmed synced.
func (r Record) Synced() bool {
	return !r.SyncedAt.IsZero()
}

// Dirty reports whether the record has local changes not yet confirmed
// synced: either it was never synced, or it was edited after the checkpoint.
func (r Record) Dirty() bool {
	return r.SyncedAt.IsZero() || r.UpdatedAt.After(r.SyncedAt)
}

// QueueItem is one pending mutation awaiting delivery to the backend.
// Attempts only ever grows; an item is pending while attempts stays under
// the caller's ceiling and dead once it reaches it.
type QueueItem struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Table     string          `json:"table"`
	RecordID  string          `json:"recordId"`
	Op        OpType          `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`

	// LastAttemptAt is zero until the first failure or liveness bump.
	// The retry backoff window is measured from this timestamp.
	LastAttemptAt time.Time `json:"lastAttemptAt,omitzero"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TransferState is the persisted snapshot of an in-progress chunked
// upload, keyed by record id. Surviving restarts is what makes resume
// correct: a fresh process reads this row and continues from the part
// after the last completed one instead of starting over.
type TransferState struct {
	RecordID  string `json:"recordId"`
	SessionID string `json:"sessionId"`

	// PartTags holds the backend-assigned tag for each completed part,
	// in part order. len(PartTags) is the resume point.
	PartTags   []string `json:"partTags"`
	TotalParts int      `json:"totalParts"`

	// PartSize is the byte length of every part except possibly the last.
	// Persisted so a resume slices the file identically even if the
	// configured chunk size changed between runs.
	PartSize int64 `json:"partSize"`

	// FileSize and FileModTime identify the file the session was opened
	// against. A mismatch on resume invalidates the session: splicing
	// parts from two versions of the file would corrupt the object.
	FileSize    int64     `json:"fileSize"`
	FileModTime time.Time `json:"fileModTime"`

	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the file described by size and modTime is still
// the one this session was opened against.
func (ts TransferState) Matches(size int64, modTime time.Time) bool {
	return ts.FileSize == size && ts.FileModTime.Equal(modTime)
}

// ConflictLogEntry is one immutable audit row written before a conflict
// resolution mutates any data. The store exposes no update or delete for
// these rows.
type ConflictLogEntry struct {
	ID           string          `json:"id"`
	Table        string          `json:"table"`
	RecordID     string          `json:"recordId"`
	ConflictType ConflictType    `json:"conflictType"`
	Resolution   Resolution      `json:"resolution"`
	Local        json.RawMessage `json:"local"`
	Remote       json.RawMessage `json:"remote,omitempty"`
	ResolvedAt   time.Time       `json:"resolvedAt"`
}
