package remote

import "github.com/fieldbook/sync-core/internal/store"

// apiError is the backend's error envelope on non-2xx responses.
type apiError struct {
	Error string `json:"error"`
}

// Snapshot is the server's current view of one record. Record is nil when
// the backend reports a tombstone or the record is gone entirely.
type Snapshot struct {
	Record  *store.Record
	Deleted bool
}

// sessionRequest is the payload for POST /v1/media/sessions.
type sessionRequest struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// sessionResponse is returned from POST /v1/media/sessions.
type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// partResponse is returned from PUT /v1/media/sessions/{id}/parts/{n}.
type partResponse struct {
	ETag string `json:"etag"`
}

// completeRequest is the payload for POST /v1/media/sessions/{id}/complete.
type completeRequest struct {
	Parts []string `json:"parts"`
}

// objectResponse is returned when an upload lands: the stable URL of the
// stored object.
type objectResponse struct {
	URL string `json:"url"`
}

// changeMessage is a change notification on the feed socket.
type changeMessage struct {
	Op       string `json:"op"`
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
	Device   string `json:"device"`
}

// Hint points the engine at a record that changed remotely.
type Hint struct {
	Table    string
	RecordID string
}
