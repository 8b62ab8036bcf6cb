package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/store"
)

// CreateLocal persists a new user-created record and queues its push.
// Media-bearing records enter the upload pipeline as pending; the
// processor picks them up on its next cycle or a spool-watcher kick.
func (e *Engine) CreateLocal(rec store.Record) (store.Record, error) {
	if rec.Table == "" {
		return store.Record{}, fmt.Errorf("creating record: table is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	now := e.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.UpdatedAt = now
	rec.SyncedAt = time.Time{}
	rec.RemoteURL = ""
	rec.UploadError = ""

	if rec.MediaPath != "" {
		rec.UploadStatus = store.UploadPending
	} else {
		rec.UploadStatus = ""
	}

	if err := e.store.PutRecord(rec); err != nil {
		return store.Record{}, fmt.Errorf("storing record: %w", err)
	}

	if err := e.enqueuePush(rec.Table, rec.ID, store.OpCreate, &rec); err != nil {
		return store.Record{}, err
	}

	return rec, nil
}

// UpdateLocal persists an edit to an existing record and queues its push.
// Identity, creation time, and the sync checkpoint always come from the
// stored row. Changing the media file re-enters the upload pipeline;
// unchanged media keeps its upload state.
func (e *Engine) UpdateLocal(rec store.Record) (store.Record, error) {
	existing, err := e.store.GetRecord(rec.Table, rec.ID)
	if err != nil {
		return store.Record{}, err
	}

	if existing == nil {
		return store.Record{}, fmt.Errorf("updating %s/%s: %w", rec.Table, rec.ID, syncerrors.ErrRecordNotFound)
	}

	rec.CreatedAt = existing.CreatedAt
	rec.SyncedAt = existing.SyncedAt
	rec.UpdatedAt = e.now()
	rec.Deleted = existing.Deleted

	if rec.MediaPath == existing.MediaPath {
		rec.UploadStatus = existing.UploadStatus
		rec.RemoteURL = existing.RemoteURL
		rec.UploadError = existing.UploadError
	} else {
		rec.RemoteURL = ""
		rec.UploadError = ""
		rec.UploadStatus = ""

		if rec.MediaPath != "" {
			rec.UploadStatus = store.UploadPending
		}
	}

	if err := e.store.PutRecord(rec); err != nil {
		return store.Record{}, fmt.Errorf("storing record: %w", err)
	}

	if err := e.enqueuePush(rec.Table, rec.ID, store.OpUpdate, &rec); err != nil {
		return store.Record{}, err
	}

	return rec, nil
}

// DeleteLocal soft-deletes a record and queues the remote delete. The
// local row stays as a tombstone so a late-arriving remote edit has
// something to conflict against.
func (e *Engine) DeleteLocal(table, id string) error {
	existing, err := e.store.GetRecord(table, id)
	if err != nil {
		return err
	}

	if existing == nil {
		return fmt.Errorf("deleting %s/%s: %w", table, id, syncerrors.ErrRecordNotFound)
	}

	existing.Deleted = true
	existing.UpdatedAt = e.now()

	if err := e.store.PutRecord(*existing); err != nil {
		return fmt.Errorf("storing tombstone: %w", err)
	}

	if _, err := e.queue.Enqueue(table, id, store.OpDelete, nil); err != nil {
		return fmt.Errorf("enqueueing delete for %s/%s: %w", table, id, err)
	}

	return nil
}
