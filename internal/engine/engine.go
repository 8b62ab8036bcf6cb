// Package engine orchestrates sync passes: draining the operation queue
// against the backend, reconciling local records with remote snapshots,
// and routing conflicts through detection, auto-resolution, and user
// decisions.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fieldbook/sync-core/internal/conflict"
	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/events"
	"github.com/fieldbook/sync-core/internal/queue"
	"github.com/fieldbook/sync-core/internal/remote"
	"github.com/fieldbook/sync-core/internal/store"
)

// defaultMaxAttempts is the queue retry ceiling when none is configured.
const defaultMaxAttempts = 5

// RemoteAPI is the subset of the remote client the engine needs.
// *remote.Client satisfies it. Extracted for testability.
type RemoteAPI interface {
	Apply(ctx context.Context, item store.QueueItem) error
	Snapshot(ctx context.Context, table, id string) (*remote.Snapshot, error)
}

// PassStats summarizes the last completed sync pass.
type PassStats struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Applied      int           `json:"applied"`
	Failed       int           `json:"failed"`
	Reconciled   int           `json:"reconciled"`
	AutoResolved int           `json:"autoResolved"`
	Conflicts    int           `json:"conflicts"`

	// Err is set when the pass stopped early because the backend was
	// unreachable. Delivery resumes via backoff on later passes.
	Err string `json:"error,omitempty"`
}

// Config holds the engine's dependencies and tuning.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Remote   RemoteAPI
	Resolver *conflict.Resolver
	Bus      *events.Bus

	// Tables are the collections the reconcile phase scans.
	Tables []string

	// MaxAttempts is the queue retry ceiling; items at or past it are
	// dead and skipped by the drain.
	MaxAttempts int
}

// Engine runs sync passes and tracks the conflicts they surface.
type Engine struct {
	store       *store.Store
	queue       *queue.Queue
	remote      RemoteAPI
	resolver    *conflict.Resolver
	bus         *events.Bus
	logger      *slog.Logger
	tables      []string
	maxAttempts int

	// passMu serializes passes; TryLock turns an overlap into
	// ErrPassInProgress instead of a queued second pass.
	passMu sync.Mutex

	mu   sync.Mutex
	open map[string]conflict.Conflict
	last PassStats

	now func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &Engine{
		store:       cfg.Store,
		queue:       cfg.Queue,
		remote:      cfg.Remote,
		resolver:    cfg.Resolver,
		bus:         cfg.Bus,
		logger:      logger,
		tables:      cfg.Tables,
		maxAttempts: cfg.MaxAttempts,
		open:        make(map[string]conflict.Conflict),
		now:         time.Now,
	}
}

// SyncPass drains the operation queue and reconciles local records
// against remote snapshots. Overlapping calls coalesce: the second
// returns ErrPassInProgress immediately. A pass that loses the backend
// partway stops early and reports that in its stats rather than as an
// error; the next pass picks up where backoff allows.
func (e *Engine) SyncPass(ctx context.Context) error {
	if !e.passMu.TryLock() {
		return syncerrors.ErrPassInProgress
	}
	defer e.passMu.Unlock()

	stats := PassStats{StartedAt: e.now()}

	e.logger.Debug("sync pass started")

	err := e.drain(ctx, &stats)
	if err == nil && stats.Err == "" {
		err = e.reconcile(ctx, &stats)
	}

	stats.Duration = e.now().Sub(stats.StartedAt)

	e.mu.Lock()
	e.last = stats
	e.mu.Unlock()

	if err != nil {
		return err
	}

	e.logger.Info("sync pass completed",
		slog.Int("applied", stats.Applied),
		slog.Int("failed", stats.Failed),
		slog.Int("reconciled", stats.Reconciled),
		slog.Int("auto_resolved", stats.AutoResolved),
		slog.Int("conflicts", stats.Conflicts),
		slog.Duration("duration", stats.Duration),
	)
	e.bus.Publish(events.Event{Type: events.TypeSyncPassCompleted, Reason: stats.Err})

	return nil
}

// drain pushes eligible queue items in FIFO order. A transient delivery
// failure ends the drain: the link is bad and backoff governs the next
// attempt. A validation failure is terminal for that item only.
func (e *Engine) drain(ctx context.Context, stats *PassStats) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := e.queue.DequeueNext(e.maxAttempts)
		if err != nil {
			return fmt.Errorf("scanning queue: %w", err)
		}

		if item == nil {
			return nil
		}

		if err := e.remote.Apply(ctx, *item); err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a delivery verdict; leave the item as is.
				return ctx.Err()
			}

			stats.Failed++

			if markErr := e.queue.MarkFailed(item.ID, err.Error()); markErr != nil {
				e.logger.Error("recording delivery failure",
					slog.String("item", item.ID),
					slog.String("error", markErr.Error()),
				)
			}

			if remote.IsTransient(err) {
				e.logger.Warn("drain stopped, backend unreachable",
					slog.String("item", item.ID),
					slog.String("error", err.Error()),
				)
				stats.Err = err.Error()

				return nil
			}

			e.logger.Warn("queued operation rejected",
				slog.String("item", item.ID),
				slog.String("table", item.Table),
				slog.String("record", item.RecordID),
				slog.String("op", string(item.Op)),
				slog.String("error", err.Error()),
			)

			continue
		}

		stats.Applied++

		if err := e.queue.MarkComplete(item.ID); err != nil {
			e.logger.Error("completing queue item",
				slog.String("item", item.ID),
				slog.String("error", err.Error()),
			)
		}

		if item.Op == store.OpCreate || item.Op == store.OpUpdate {
			if err := e.store.MarkRecordSynced(item.Table, item.RecordID, e.now()); err != nil {
				e.logger.Error("stamping sync checkpoint",
					slog.String("record", item.RecordID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// reconcile compares every previously-synced record against the backend's
// snapshot. Clean records follow remote edits and deletions; divergent
// ones become conflicts. A record whose own push is still queued is left
// alone until that push delivers.
func (e *Engine) reconcile(ctx context.Context, stats *PassStats) error {
	var detected []conflict.Conflict

	for _, table := range e.tables {
		recs, err := e.store.AllRecords(table)
		if err != nil {
			return fmt.Errorf("scanning %s: %w", table, err)
		}

		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}

			// Only records the backend has confirmed at least once have
			// anything to reconcile against; local tombstones already
			// made their decision.
			if !rec.Synced() || rec.Deleted {
				continue
			}

			snap, err := e.remote.Snapshot(ctx, rec.Table, rec.ID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				// The rest of the scan would fail the same way.
				e.logger.Warn("reconcile stopped, backend unreachable",
					slog.String("error", err.Error()),
				)
				stats.Err = err.Error()

				e.settle(detected, stats)

				return nil
			}

			if c := conflict.Detect(rec, snap.Record, snap.Deleted); c != nil {
				detected = append(detected, *c)
				continue
			}

			// A queued create or update means the local version is still
			// on its way out (a keep_local resolution stamps the checkpoint
			// before its re-push has landed). Adopting remote here would
			// reverse that decision, so the record waits until the push
			// settles.
			pendingPush, err := e.queue.HasPendingOperation(rec.Table, rec.ID, store.OpCreate, store.OpUpdate)
			if err != nil {
				return fmt.Errorf("checking queued pushes for %s/%s: %w", rec.Table, rec.ID, err)
			}

			if pendingPush {
				continue
			}

			if snap.Deleted {
				// Deleted remotely with no unsynced local edits: follow.
				rec.Deleted = true
				rec.SyncedAt = e.now()

				if err := e.store.PutRecord(rec); err != nil {
					return fmt.Errorf("adopting remote deletion of %s/%s: %w", rec.Table, rec.ID, err)
				}

				stats.Reconciled++

				continue
			}

			if snap.Record != nil && conflict.RemoteNewer(rec, *snap.Record) {
				conflict.AdoptRemote(&rec, *snap.Record)
				rec.SyncedAt = e.now()

				if err := e.store.PutRecord(rec); err != nil {
					return fmt.Errorf("adopting remote edit of %s/%s: %w", rec.Table, rec.ID, err)
				}

				stats.Reconciled++
			}
		}
	}

	e.settle(detected, stats)

	return nil
}

// settle runs the auto-resolution policy over this pass's conflicts,
// applies the automatic ones, and publishes the remainder as the open
// set needing a user decision.
func (e *Engine) settle(detected []conflict.Conflict, stats *PassStats) {
	auto, needsUser := conflict.AutoResolve(detected)

	for _, c := range auto {
		rec, err := e.resolver.Apply(c, store.KeepLocal)
		if err != nil {
			e.logger.Error("auto-resolving conflict",
				slog.String("conflict", c.ID),
				slog.String("record", c.RecordID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := e.afterResolution(c, store.KeepLocal, rec); err != nil {
			e.logger.Error("re-enqueueing after auto-resolution",
				slog.String("conflict", c.ID),
				slog.String("error", err.Error()),
			)
		}

		stats.AutoResolved++
		e.logger.Info("conflict auto-resolved",
			slog.String("table", c.Table),
			slog.String("record", c.RecordID),
		)
		e.bus.Publish(events.Event{
			Type:       events.TypeConflictResolved,
			Table:      c.Table,
			RecordID:   c.RecordID,
			ConflictID: c.ID,
			Resolution: string(store.KeepLocal),
		})
	}

	open := make(map[string]conflict.Conflict, len(needsUser))

	for _, c := range needsUser {
		open[c.ID] = c
		stats.Conflicts++

		e.logger.Info("conflict needs user decision",
			slog.String("table", c.Table),
			slog.String("record", c.RecordID),
			slog.String("type", string(c.Type)),
		)
		e.bus.Publish(events.Event{
			Type:       events.TypeConflictDetected,
			Table:      c.Table,
			RecordID:   c.RecordID,
			ConflictID: c.ID,
			Reason:     string(c.Type),
		})
	}

	e.mu.Lock()
	e.open = open
	e.mu.Unlock()
}

// Resolve applies a user decision to a surfaced conflict and adjusts the
// queue so the decision propagates: keep_local re-pushes the local
// version (recreating it after a remote delete, cancelling a queued
// delete first), keep_remote cancels any queued update that would clobber
// the adopted content, keep_both pushes the duplicate as a new record.
func (e *Engine) Resolve(conflictID string, resolution store.Resolution) (*store.Record, error) {
	e.mu.Lock()
	c, ok := e.open[conflictID]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", conflictID, syncerrors.ErrConflictNotFound)
	}

	rec, err := e.resolver.Apply(c, resolution)
	if err != nil {
		return nil, err
	}

	if err := e.afterResolution(c, resolution, rec); err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.open, conflictID)
	e.mu.Unlock()

	e.logger.Info("conflict resolved",
		slog.String("table", c.Table),
		slog.String("record", c.RecordID),
		slog.String("resolution", string(resolution)),
	)
	e.bus.Publish(events.Event{
		Type:       events.TypeConflictResolved,
		Table:      c.Table,
		RecordID:   c.RecordID,
		ConflictID: c.ID,
		Resolution: string(resolution),
	})

	return rec, nil
}

// afterResolution lines the queue up with a resolution. rec is the record
// carrying the local data forward, as returned by the resolver.
func (e *Engine) afterResolution(c conflict.Conflict, resolution store.Resolution, rec *store.Record) error {
	switch resolution {
	case store.KeepLocal:
		if c.Type == store.ConflictDeleteEdit {
			// The remote row is gone; a queued delete would undo the
			// recreation we are about to push.
			if _, err := e.queue.RemoveByKey(c.Table, c.RecordID, store.OpDelete); err != nil {
				return fmt.Errorf("cancelling queued delete: %w", err)
			}

			return e.enqueuePush(c.Table, c.RecordID, store.OpCreate, rec)
		}

		return e.enqueuePush(c.Table, c.RecordID, store.OpUpdate, rec)

	case store.KeepRemote:
		// Local now mirrors remote; a queued update would clobber it.
		if _, err := e.queue.RemoveByKey(c.Table, c.RecordID, store.OpUpdate); err != nil {
			return fmt.Errorf("cancelling queued update: %w", err)
		}

		return nil

	case store.KeepBoth:
		if _, err := e.queue.RemoveByKey(c.Table, c.RecordID, store.OpUpdate); err != nil {
			return fmt.Errorf("cancelling queued update: %w", err)
		}

		return e.enqueuePush(rec.Table, rec.ID, store.OpCreate, rec)

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}

func (e *Engine) enqueuePush(table, id string, op store.OpType, rec *store.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", table, id, err)
	}

	if _, err := e.queue.Enqueue(table, id, op, payload); err != nil {
		return fmt.Errorf("enqueueing %s for %s/%s: %w", op, table, id, err)
	}

	return nil
}

// Conflicts lists the open conflicts from the most recent pass, oldest
// detection first.
func (e *Engine) Conflicts() []conflict.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]conflict.Conflict, 0, len(e.open))
	for _, c := range e.open {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// LastPass returns stats for the most recently completed pass.
func (e *Engine) LastPass() PassStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.last
}
