// Package events carries sync status notifications from the background
// workers to whoever is listening, typically the host UI.
package events

import (
	"log/slog"
	"sort"
	"sync"
)

// Type identifies what happened.
type Type string

const (
	// TypeStateChanged fires when the upload processor moves between
	// stopped, paused, and active. Coalesced: one event per transition.
	TypeStateChanged Type = "state_changed"
	// TypeUploadStarted fires when a record's media transfer begins.
	TypeUploadStarted Type = "upload_started"
	// TypeUploadProgress reports transfer progress for the in-flight record.
	TypeUploadProgress Type = "upload_progress"
	// TypeUploadCompleted fires when a record's media reaches the backend.
	TypeUploadCompleted Type = "upload_completed"
	// TypeUploadFailed fires when a transfer fails for a reason other than
	// the processor pausing or stopping.
	TypeUploadFailed Type = "upload_failed"
	// TypeConflictDetected fires when reconciliation finds a divergence
	// that needs a user decision.
	TypeConflictDetected Type = "conflict_detected"
	// TypeConflictResolved fires after a resolution has been applied,
	// whether automatic or user-chosen.
	TypeConflictResolved Type = "conflict_resolved"
	// TypeSyncPassCompleted fires at the end of every sync pass.
	TypeSyncPassCompleted Type = "sync_pass_completed"
)

// Event is the payload delivered to listeners. Fields beyond Type are
// populated per event kind; unused ones stay zero.
type Event struct {
	Type       Type
	Table      string
	RecordID   string
	ConflictID string
	State      string
	Resolution string
	Reason     string
	Percent    float64
}

// Bus is a synchronous publish/subscribe fan-out. Listeners run on the
// publisher's goroutine; a panicking listener is recovered and logged so
// it cannot take down the worker that published.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent publish and returns an
// unsubscribe func. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers ev to every current listener in subscription order.
// Listeners are invoked outside the bus lock, so publishing from inside
// a listener does not deadlock.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = b.subs[id]
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "event", ev.Type, "panic", r)
		}
	}()

	fn(ev)
}
