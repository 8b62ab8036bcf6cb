package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/store"
)

// Resolver applies conflict resolutions to the store. Every application
// appends an audit log entry before touching any record, so the trail
// survives even when the mutation half fails.
type Resolver struct {
	store *store.Store
	now   func() time.Time
	newID func() string
}

func NewResolver(s *store.Store) *Resolver {
	return &Resolver{
		store: s,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Apply records the decision and mutates the local side accordingly.
// It returns the record that carries the local data forward: the local
// record for keep_local and keep_remote, the fresh duplicate for
// keep_both.
func (r *Resolver) Apply(c Conflict, resolution store.Resolution) (*store.Record, error) {
	if c.Type == store.ConflictConcurrentEdit && c.Remote == nil {
		return nil, fmt.Errorf("conflict %s: concurrent edit without a remote side", c.ID)
	}

	if err := r.appendAudit(c, resolution); err != nil {
		return nil, fmt.Errorf("recording resolution for %s: %w", c.ID, err)
	}

	local, err := r.store.GetRecord(c.Table, c.RecordID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, syncerrors.ErrRecordNotFound)
	}

	switch resolution {
	case store.KeepLocal:
		return r.keepLocal(local)
	case store.KeepRemote:
		return r.keepRemote(c, local)
	case store.KeepBoth:
		return r.keepBoth(c, local)
	default:
		return nil, fmt.Errorf("conflict %s: unknown resolution %q", c.ID, resolution)
	}
}

func (r *Resolver) appendAudit(c Conflict, resolution store.Resolution) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("encoding local side: %w", err)
	}

	var remoteJSON json.RawMessage
	if c.Remote != nil {
		remoteJSON, err = json.Marshal(c.Remote)
		if err != nil {
			return fmt.Errorf("encoding remote side: %w", err)
		}
	}

	return r.store.AppendConflictLog(store.ConflictLogEntry{
		ID:           c.ID,
		Table:        c.Table,
		RecordID:     c.RecordID,
		ConflictType: c.Type,
		Resolution:   resolution,
		Local:        localJSON,
		Remote:       remoteJSON,
		ResolvedAt:   r.now(),
	})
}

// keepLocal stamps the checkpoint and changes nothing else; the next sync
// pass re-pushes the local version (recreating it remotely after a
// delete_edit).
func (r *Resolver) keepLocal(local *store.Record) (*store.Record, error) {
	local.SyncedAt = r.now()
	if err := r.store.PutRecord(*local); err != nil {
		return nil, err
	}

	return local, nil
}

func (r *Resolver) keepRemote(c Conflict, local *store.Record) (*store.Record, error) {
	if c.Type == store.ConflictDeleteEdit {
		local.Deleted = true
	} else {
		AdoptRemote(local, *c.Remote)
	}
	local.SyncedAt = r.now()

	if err := r.store.PutRecord(*local); err != nil {
		return nil, err
	}

	return local, nil
}

// keepBoth duplicates the local record under a new identity with sync
// state reset so it re-enters the upload pipeline, then reconciles the
// original toward the remote side.
func (r *Resolver) keepBoth(c Conflict, local *store.Record) (*store.Record, error) {
	dup := *local
	dup.ID = r.newID()
	dup.SyncedAt = time.Time{}
	dup.UploadStatus = store.UploadPending
	dup.UploadError = ""
	dup.RemoteURL = ""

	if err := r.store.PutRecord(dup); err != nil {
		return nil, fmt.Errorf("writing duplicate: %w", err)
	}

	if c.Remote != nil {
		AdoptRemote(local, *c.Remote)
	} else {
		// The remote side is a tombstone; the duplicate carries the data
		// forward and the original follows the deletion.
		local.Deleted = true
	}
	local.SyncedAt = r.now()

	if err := r.store.PutRecord(*local); err != nil {
		return nil, fmt.Errorf("reconciling original: %w", err)
	}

	return &dup, nil
}

// AdoptRemote copies the remote record's content onto the local one.
// MediaPath and ThumbPath are device-local file references and are never
// taken from remote; identity and creation time stay put. Used by
// keep_remote resolutions and by plain remote-newer reconciliation.
func AdoptRemote(local *store.Record, remote store.Record) {
	local.Title = remote.Title
	local.Note = remote.Note
	local.UpdatedAt = remote.UpdatedAt
	local.Deleted = remote.Deleted
	if remote.RemoteURL != "" {
		local.RemoteURL = remote.RemoteURL
	}
}
