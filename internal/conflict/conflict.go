// Package conflict detects divergence between local and remote record
// versions and applies resolutions. Detection and the auto-resolution
// policy are pure functions; only the Resolver touches the store.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldbook/sync-core/internal/store"
)

// Conflict is a detected divergence awaiting resolution. Remote is nil
// for delete_edit conflicts (the remote side no longer exists).
type Conflict struct {
	ID         string
	Type       store.ConflictType
	Table      string
	RecordID   string
	Local      store.Record
	Remote     *store.Record
	DetectedAt time.Time
}

// Detect compares a local record against its remote snapshot.
//
// remoteDeleted with unsynced local changes is a delete_edit. A missing
// remote that was never deleted means the record has nothing to reconcile
// against yet. Otherwise both sides having edits past the checkpoint
// (local.SyncedAt, epoch when never synced) is a concurrent_edit. Anything
// else is not a conflict.
func Detect(local store.Record, remote *store.Record, remoteDeleted bool) *Conflict {
	if remoteDeleted {
		if !local.Dirty() {
			return nil
		}

		return &Conflict{
			ID:         uuid.NewString(),
			Type:       store.ConflictDeleteEdit,
			Table:      local.Table,
			RecordID:   local.ID,
			Local:      local,
			DetectedAt: time.Now(),
		}
	}

	if remote == nil {
		return nil
	}

	checkpoint := local.SyncedAt
	if remote.UpdatedAt.After(checkpoint) && local.UpdatedAt.After(checkpoint) {
		return &Conflict{
			ID:         uuid.NewString(),
			Type:       store.ConflictConcurrentEdit,
			Table:      local.Table,
			RecordID:   local.ID,
			Local:      local,
			Remote:     remote,
			DetectedAt: time.Now(),
		}
	}

	return nil
}

// RemoteNewer reports whether the remote side carries the later edit.
// Pure timestamp comparison: it orders conflicts for the UI and feeds the
// auto-resolution policy, it never replaces Detect's checkpoint logic.
func RemoteNewer(local, remote store.Record) bool {
	return remote.UpdatedAt.After(local.UpdatedAt)
}

// AutoResolve splits conflicts into those the policy settles on its own
// and those that need a user decision.
//
// delete_edit is never auto-resolved: either answer destroys data, so the
// user chooses unconditionally. A concurrent_edit where local is at least
// as new as remote resolves keep_local; discarding the most recent edit
// just because sync ran first would lose work silently. Everything else
// goes to the user.
func AutoResolve(conflicts []Conflict) (auto, needsUser []Conflict) {
	for _, c := range conflicts {
		if c.Type == store.ConflictConcurrentEdit && c.Remote != nil && !RemoteNewer(c.Local, *c.Remote) {
			auto = append(auto, c)
			continue
		}
		needsUser = append(needsUser, c)
	}

	return auto, needsUser
}
