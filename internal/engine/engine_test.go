package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fieldbook/sync-core/internal/conflict"
	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/events"
	"github.com/fieldbook/sync-core/internal/queue"
	"github.com/fieldbook/sync-core/internal/remote"
	"github.com/fieldbook/sync-core/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// eventLog collects bus events for later inspection.
type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evs = append(l.evs, ev)
}

func (l *eventLog) ofType(typ events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []events.Event

	for _, ev := range l.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}

	return out
}

type engineFixture struct {
	t     *testing.T
	eng   *Engine
	store *store.Store
	queue *queue.Queue
	api   *MockRemoteAPI
	log   *eventLog
}

func newEngineFixture(t *testing.T, ctrl *gomock.Controller) *engineFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &engineFixture{
		t:     t,
		store: st,
		queue: queue.New(st),
		api:   NewMockRemoteAPI(ctrl),
		log:   &eventLog{},
	}

	bus := events.NewBus()
	bus.Subscribe(f.log.record)

	f.eng = New(Config{
		Store:       st,
		Queue:       f.queue,
		Remote:      f.api,
		Resolver:    conflict.NewResolver(st),
		Bus:         bus,
		Tables:      []string{"entries"},
		MaxAttempts: 5,
	}, quietLogger)

	return f
}

func (f *engineFixture) seed(rec store.Record) store.Record {
	f.t.Helper()

	if rec.Table == "" {
		rec.Table = "entries"
	}

	require.NoError(f.t, f.store.PutRecord(rec))

	return rec
}

func snapOf(rec store.Record) *remote.Snapshot {
	return &remote.Snapshot{Record: &rec}
}

var (
	t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
	t3 = t0.Add(3 * time.Minute)
)

// --- drain ---

func TestSyncPassDrainsQueueInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	_, err := f.queue.Enqueue("entries", "a", store.OpCreate, json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("entries", "b", store.OpUpdate, json.RawMessage(`{"id":"b"}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("entries", "c", store.OpDelete, nil)
	require.NoError(t, err)

	var applied []string

	f.api.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, item store.QueueItem) error {
			applied = append(applied, string(item.Op)+":"+item.RecordID)

			return nil
		}).
		Times(3)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	assert.Equal(t, []string{"create:a", "update:b", "delete:c"}, applied)

	pending, err := f.queue.PendingCount(5)
	require.NoError(t, err)
	assert.Zero(t, pending)

	stats := f.eng.LastPass()
	assert.Equal(t, 3, stats.Applied)
	assert.Zero(t, stats.Failed)
	assert.Empty(t, stats.Err)

	assert.Len(t, f.log.ofType(events.TypeSyncPassCompleted), 1)
}

func TestDrainStampsCheckpointOnCreateAndUpdateOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)
	f.eng.now = func() time.Time { return t2 }

	f.seed(store.Record{ID: "a", Title: "one", CreatedAt: t0, UpdatedAt: t0})
	f.seed(store.Record{ID: "b", Title: "two", CreatedAt: t0, UpdatedAt: t1, Deleted: true})

	_, err := f.queue.Enqueue("entries", "a", store.OpCreate, json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("entries", "b", store.OpDelete, nil)
	require.NoError(t, err)

	f.api.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	// After the stamp, "a" is synced and gets reconciled; the backend
	// mirrors what was just pushed.
	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{ID: "a", Table: "entries", Title: "one", CreatedAt: t0, UpdatedAt: t0}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	a, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.True(t, t2.Equal(a.SyncedAt), "create push stamps the checkpoint")

	b, err := f.store.GetRecord("entries", "b")
	require.NoError(t, err)
	assert.True(t, b.SyncedAt.IsZero(), "delete push leaves the tombstone's checkpoint alone")
}

func TestDrainStopsOnTransientFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	first, err := f.queue.Enqueue("entries", "a", store.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("entries", "b", store.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Only the first item may be attempted; the link is down.
	f.api.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		Return(&remote.TransientError{Err: errors.New("dial tcp: connection refused")}).
		Times(1)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	stats := f.eng.LastPass()
	assert.Zero(t, stats.Applied)
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, stats.Err, "connection refused")

	item, err := f.store.GetQueueItem(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, "connection refused")

	pending, err := f.queue.PendingCount(5)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "nothing is dropped when the backend is down")
}

func TestDrainSkipsRejectedItemAndContinues(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	bad, err := f.queue.Enqueue("entries", "bad", store.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue("entries", "good", store.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	gomock.InOrder(
		f.api.EXPECT().
			Apply(gomock.Any(), gomock.Any()).
			Return(errors.New("applying update to entries/bad: 422 unprocessable")),
		f.api.EXPECT().
			Apply(gomock.Any(), gomock.Any()).
			Return(nil),
	)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	stats := f.eng.LastPass()
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, stats.Err, "a rejected item does not end the pass")

	item, err := f.store.GetQueueItem(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)

	pending, err := f.queue.PendingCount(5)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

// --- reconcile ---

func TestReconcileAdoptsNewerRemoteEdit(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)
	f.eng.now = func() time.Time { return t3 }

	f.seed(store.Record{
		ID: "a", Title: "stale", Note: "old note",
		MediaPath: "/spool/a.jpg", RemoteURL: "https://cdn.example.com/a",
		CreatedAt: t0, UpdatedAt: t0, SyncedAt: t1,
	})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{
			ID: "a", Table: "entries", Title: "fresh", Note: "new note",
			MediaPath: "/other/device/path.jpg",
			CreatedAt: t0, UpdatedAt: t2,
		}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)
	assert.Equal(t, "new note", got.Note)
	assert.Equal(t, "/spool/a.jpg", got.MediaPath, "device-local media path never comes from remote")
	assert.Equal(t, "https://cdn.example.com/a", got.RemoteURL)
	assert.True(t, t3.Equal(got.SyncedAt))

	assert.Equal(t, 1, f.eng.LastPass().Reconciled)
	assert.Empty(t, f.log.ofType(events.TypeConflictDetected))
}

func TestReconcileFollowsRemoteDeletion(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)
	f.eng.now = func() time.Time { return t3 }

	f.seed(store.Record{ID: "a", Title: "clean", CreatedAt: t0, UpdatedAt: t0, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(&remote.Snapshot{Deleted: true}, nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.True(t, t3.Equal(got.SyncedAt))

	assert.Equal(t, 1, f.eng.LastPass().Reconciled)
	assert.Empty(t, f.log.ofType(events.TypeConflictDetected))
}

func TestReconcileSkipsUnsyncedRecordsAndTombstones(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	// Never pushed: the backend has nothing to compare against.
	f.seed(store.Record{ID: "new", Title: "draft", CreatedAt: t0, UpdatedAt: t0})
	// Locally deleted: the decision is already made.
	f.seed(store.Record{ID: "gone", Deleted: true, CreatedAt: t0, UpdatedAt: t1, SyncedAt: t1})

	// No Snapshot expectation: any fetch would fail the test.
	require.NoError(t, f.eng.SyncPass(t.Context()))

	assert.Zero(t, f.eng.LastPass().Reconciled)
}

func TestReconcileStopsWhenBackendDies(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	f.seed(store.Record{ID: "a", CreatedAt: t0, UpdatedAt: t0, SyncedAt: t1})
	f.seed(store.Record{ID: "b", CreatedAt: t1, UpdatedAt: t1, SyncedAt: t2})

	// Only the first record may be fetched.
	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(nil, &remote.TransientError{Err: errors.New("dial tcp: i/o timeout")}).
		Times(1)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	assert.Contains(t, f.eng.LastPass().Err, "i/o timeout")
}

// --- conflicts ---

func TestConcurrentEditWithNewerLocalAutoResolves(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	f.seed(store.Record{ID: "a", Title: "mine", CreatedAt: t0, UpdatedAt: t3, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{ID: "a", Table: "entries", Title: "theirs", CreatedAt: t0, UpdatedAt: t2}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	stats := f.eng.LastPass()
	assert.Equal(t, 1, stats.AutoResolved)
	assert.Zero(t, stats.Conflicts)
	assert.Empty(t, f.eng.Conflicts())

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title, "keep_local changes no fields")
	assert.False(t, got.SyncedAt.Equal(t1), "checkpoint stamped by the resolution")

	// The local version gets re-pushed on the next pass.
	queued, err := f.queue.HasPendingOperation("entries", "a", store.OpUpdate)
	require.NoError(t, err)
	assert.True(t, queued)

	resolved := f.log.ofType(events.TypeConflictResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, string(store.KeepLocal), resolved[0].Resolution)

	log, err := f.store.ConflictLog(10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, store.KeepLocal, log[0].Resolution)
}

func TestConcurrentEditWithNewerRemoteNeedsUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	f.seed(store.Record{ID: "a", Title: "mine", CreatedAt: t0, UpdatedAt: t2, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{ID: "a", Table: "entries", Title: "theirs", CreatedAt: t0, UpdatedAt: t3}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	stats := f.eng.LastPass()
	assert.Zero(t, stats.AutoResolved)
	assert.Equal(t, 1, stats.Conflicts)

	open := f.eng.Conflicts()
	require.Len(t, open, 1)
	assert.Equal(t, store.ConflictConcurrentEdit, open[0].Type)
	assert.Equal(t, "a", open[0].RecordID)
	require.NotNil(t, open[0].Remote)
	assert.Equal(t, "theirs", open[0].Remote.Title)

	detected := f.log.ofType(events.TypeConflictDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, string(store.ConflictConcurrentEdit), detected[0].Reason)

	// Nothing moved until the user decides.
	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
	assert.True(t, t1.Equal(got.SyncedAt))
}

func TestDeleteEditAlwaysNeedsUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	// Local is strictly newer than the checkpoint, yet the deletion
	// still goes to the user: either answer destroys data.
	f.seed(store.Record{ID: "a", Title: "edited", CreatedAt: t0, UpdatedAt: t3, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(&remote.Snapshot{Deleted: true}, nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	open := f.eng.Conflicts()
	require.Len(t, open, 1)
	assert.Equal(t, store.ConflictDeleteEdit, open[0].Type)
	assert.Nil(t, open[0].Remote)
	assert.Zero(t, f.eng.LastPass().AutoResolved)
}

// --- resolve ---

// surfaceConcurrent runs a pass that leaves one concurrent_edit conflict
// open, remote side newer, and returns its id.
func surfaceConcurrent(t *testing.T, f *engineFixture) string {
	t.Helper()

	f.seed(store.Record{ID: "a", Title: "mine", CreatedAt: t0, UpdatedAt: t2, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{ID: "a", Table: "entries", Title: "theirs", Note: "their note", CreatedAt: t0, UpdatedAt: t3}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	open := f.eng.Conflicts()
	require.Len(t, open, 1)

	return open[0].ID
}

func TestResolveKeepRemoteAdoptsAndCancelsQueuedUpdate(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	id := surfaceConcurrent(t, f)

	// The local edit's push is still queued; adopting remote must cancel
	// it or the stale content would clobber the backend.
	_, err := f.queue.Enqueue("entries", "a", store.OpUpdate, json.RawMessage(`{"id":"a","title":"mine"}`))
	require.NoError(t, err)

	rec, err := f.eng.Resolve(id, store.KeepRemote)
	require.NoError(t, err)
	assert.Equal(t, "theirs", rec.Title)

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Title)
	assert.Equal(t, "their note", got.Note)
	assert.False(t, got.SyncedAt.IsZero())

	queued, err := f.queue.HasPendingOperation("entries", "a", store.OpUpdate)
	require.NoError(t, err)
	assert.False(t, queued, "the stale queued update is cancelled")

	assert.Empty(t, f.eng.Conflicts())
	assert.Len(t, f.log.ofType(events.TypeConflictResolved), 1)
}

func TestResolveKeepLocalReEnqueuesPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	id := surfaceConcurrent(t, f)

	rec, err := f.eng.Resolve(id, store.KeepLocal)
	require.NoError(t, err)
	assert.Equal(t, "mine", rec.Title)
	assert.False(t, rec.SyncedAt.IsZero())

	queued, err := f.queue.HasPendingOperation("entries", "a", store.OpUpdate)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestResolveKeepLocalAfterRemoteDeleteRecreates(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	f.seed(store.Record{ID: "a", Title: "edited", CreatedAt: t0, UpdatedAt: t2, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(&remote.Snapshot{Deleted: true}, nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	open := f.eng.Conflicts()
	require.Len(t, open, 1)
	require.Equal(t, store.ConflictDeleteEdit, open[0].Type)

	// A queued delete for the same record would murder the recreation.
	_, err := f.queue.Enqueue("entries", "a", store.OpDelete, nil)
	require.NoError(t, err)

	rec, err := f.eng.Resolve(open[0].ID, store.KeepLocal)
	require.NoError(t, err)
	assert.False(t, rec.Deleted)

	hasDelete, err := f.queue.HasPendingOperation("entries", "a", store.OpDelete)
	require.NoError(t, err)
	assert.False(t, hasDelete)

	hasCreate, err := f.queue.HasPendingOperation("entries", "a", store.OpCreate)
	require.NoError(t, err)
	assert.True(t, hasCreate, "keep_local after a remote delete recreates the record")
}

func TestResolveKeepLocalSurvivesRejectedRePush(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	id := surfaceConcurrent(t, f)

	_, err := f.eng.Resolve(id, store.KeepLocal)
	require.NoError(t, err)

	// The re-push bounces off validation, so the backend still serves the
	// remote version when reconcile comes around.
	f.api.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		Return(errors.New("applying update to entries/a: 422 unprocessable"))
	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(snapOf(store.Record{ID: "a", Table: "entries", Title: "theirs", Note: "their note", CreatedAt: t0, UpdatedAt: t3}), nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title, "the decision holds while its push is queued")

	queued, err := f.queue.HasPendingOperation("entries", "a", store.OpUpdate)
	require.NoError(t, err)
	assert.True(t, queued, "the re-push stays queued for retry")

	stats := f.eng.LastPass()
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Reconciled)
}

func TestResolveKeepLocalRecreationSurvivesRejectedPush(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	f.seed(store.Record{ID: "a", Title: "edited", CreatedAt: t0, UpdatedAt: t2, SyncedAt: t1})

	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(&remote.Snapshot{Deleted: true}, nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	open := f.eng.Conflicts()
	require.Len(t, open, 1)
	require.Equal(t, store.ConflictDeleteEdit, open[0].Type)

	_, err := f.eng.Resolve(open[0].ID, store.KeepLocal)
	require.NoError(t, err)

	// The recreation bounces and the backend still reports the row gone;
	// the record must not follow that deletion while the create is queued.
	f.api.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		Return(errors.New("applying create to entries/a: 422 unprocessable"))
	f.api.EXPECT().
		Snapshot(gomock.Any(), "entries", "a").
		Return(&remote.Snapshot{Deleted: true}, nil)

	require.NoError(t, f.eng.SyncPass(t.Context()))

	got, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.False(t, got.Deleted, "the kept record outlives the stale tombstone")

	hasCreate, err := f.queue.HasPendingOperation("entries", "a", store.OpCreate)
	require.NoError(t, err)
	assert.True(t, hasCreate)
}

func TestResolveKeepBothDuplicatesAndPushesTheCopy(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	id := surfaceConcurrent(t, f)

	dup, err := f.eng.Resolve(id, store.KeepBoth)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.NotEqual(t, "a", dup.ID)
	assert.Equal(t, "mine", dup.Title, "the duplicate carries the local content")
	assert.True(t, dup.SyncedAt.IsZero())

	orig, err := f.store.GetRecord("entries", "a")
	require.NoError(t, err)
	assert.Equal(t, "theirs", orig.Title, "the original reconciles toward remote")

	hasCreate, err := f.queue.HasPendingOperation("entries", dup.ID, store.OpCreate)
	require.NoError(t, err)
	assert.True(t, hasCreate)
}

func TestResolveUnknownConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	_, err := f.eng.Resolve("no-such-conflict", store.KeepLocal)
	assert.ErrorIs(t, err, syncerrors.ErrConflictNotFound)
}

// --- single flight ---

func TestOverlappingPassesCoalesce(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newEngineFixture(t, ctrl)

	_, err := f.queue.Enqueue("entries", "a", store.OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})

	f.api.EXPECT().
		Apply(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, store.QueueItem) error {
			close(started)
			<-release

			return nil
		})

	passErr := make(chan error, 1)

	go func() { passErr <- f.eng.SyncPass(context.Background()) }()

	<-started

	assert.ErrorIs(t, f.eng.SyncPass(t.Context()), syncerrors.ErrPassInProgress)

	close(release)
	require.NoError(t, <-passErr)
}
