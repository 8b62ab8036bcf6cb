// Package queue implements the durable FIFO of pending record mutations.
// Items survive restarts in the store; retry eligibility is governed by an
// exponential backoff computed from each item's attempt count, re-evaluated
// on every dequeue rather than cached.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/store"
)

const (
	// retryBaseDelay is the backoff unit: delay(n) = retryBaseDelay * 2^(n-1)
	// for n >= 1, and zero for an item that has never been attempted.
	retryBaseDelay = time.Second

	// maxDelayShift caps the bit-shift exponent so the computed delay
	// cannot overflow time.Duration for absurd attempt counts.
	maxDelayShift = 32
)

// Queue provides ordered access to pending mutations. The attempt ceiling
// is a parameter on each call rather than queue state: the same stored
// items partition differently under different ceilings, and callers own
// that policy.
type Queue struct {
	store *store.Store
	now   func() time.Time
}

// New creates a queue over the given store.
func New(s *store.Store) *Queue {
	return &Queue{store: s, now: time.Now}
}

// Delay returns the backoff window an item must wait after its last
// attempt: 0 for a fresh item, then 1s, 2s, 4s, doubling per attempt.
func Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	shift := attempts - 1
	if shift > maxDelayShift {
		shift = maxDelayShift
	}

	return retryBaseDelay << shift
}

// ReadyForRetry reports whether an item is past its backoff window at the
// given instant. An item that has never been attempted is always ready.
func ReadyForRetry(item store.QueueItem, now time.Time) bool {
	if item.LastAttemptAt.IsZero() {
		return true
	}

	return !now.Before(item.LastAttemptAt.Add(Delay(item.Attempts)))
}

// Enqueue inserts a new mutation with zero attempts. No deduplication is
// performed: enqueueing the same key twice creates two items, and
// cancelling one is explicit via RemoveByKey.
func (q *Queue) Enqueue(table, recordID string, op store.OpType, payload json.RawMessage) (store.QueueItem, error) {
	item := store.QueueItem{
		ID:        uuid.NewString(),
		Table:     table,
		RecordID:  recordID,
		Op:        op,
		Payload:   payload,
		CreatedAt: q.now(),
	}

	inserted, err := q.store.InsertQueueItem(item)
	if err != nil {
		return store.QueueItem{}, fmt.Errorf("enqueueing %s %s/%s: %w", op, table, recordID, err)
	}

	return inserted, nil
}

// DequeueNext returns the oldest item that is under the attempt ceiling
// and past its backoff window, or nil when none qualifies. It never
// mutates state: the caller records the outcome via MarkComplete,
// MarkFailed, or IncrementAttempts.
func (q *Queue) DequeueNext(maxAttempts int) (*store.QueueItem, error) {
	items, err := q.store.AllQueueItems()
	if err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}

	now := q.now()

	for i := range items {
		if items[i].Attempts >= maxAttempts {
			continue
		}

		if ReadyForRetry(items[i], now) {
			return &items[i], nil
		}
	}

	return nil, nil
}

// MarkComplete deletes a delivered item. Idempotent: completing an item
// that is already gone is a no-op.
func (q *Queue) MarkComplete(id string) error {
	return q.store.DeleteQueueItem(id)
}

// MarkFailed records a failed delivery attempt: bumps the attempt count,
// stamps the attempt time, and stores the error message.
func (q *Queue) MarkFailed(id, errMsg string) error {
	return q.bumpAttempts(id, errMsg, true)
}

// IncrementAttempts bumps the attempt count and stamps the attempt time
// without recording a terminal error, for callers that want a liveness
// attempt counted.
func (q *Queue) IncrementAttempts(id string) error {
	return q.bumpAttempts(id, "", false)
}

func (q *Queue) bumpAttempts(id, errMsg string, setError bool) error {
	item, err := q.store.GetQueueItem(id)
	if err != nil {
		return fmt.Errorf("loading queue item: %w", err)
	}

	if item == nil {
		return fmt.Errorf("queue item %s: %w", id, syncerrors.ErrQueueItemNotFound)
	}

	item.Attempts++
	item.LastAttemptAt = q.now()

	if setError {
		item.LastError = errMsg
	}

	return q.store.PutQueueItem(*item)
}

// PendingCount returns how many items are still under the attempt ceiling.
func (q *Queue) PendingCount(maxAttempts int) (int, error) {
	pending, _, err := q.partition(maxAttempts)
	return pending, err
}

// DeadCount returns how many items have exhausted the attempt ceiling.
// Dead items are never dropped silently: they stay inspectable until
// explicitly purged.
func (q *Queue) DeadCount(maxAttempts int) (int, error) {
	_, dead, err := q.partition(maxAttempts)
	return dead, err
}

func (q *Queue) partition(maxAttempts int) (pending, dead int, err error) {
	items, err := q.store.AllQueueItems()
	if err != nil {
		return 0, 0, fmt.Errorf("scanning queue: %w", err)
	}

	for _, item := range items {
		if item.Attempts >= maxAttempts {
			dead++
		} else {
			pending++
		}
	}

	return pending, dead, nil
}

// PurgeDead deletes every item at or over the attempt ceiling and returns
// how many were removed.
func (q *Queue) PurgeDead(maxAttempts int) (int, error) {
	items, err := q.store.AllQueueItems()
	if err != nil {
		return 0, fmt.Errorf("scanning queue: %w", err)
	}

	removed := 0

	for _, item := range items {
		if item.Attempts < maxAttempts {
			continue
		}

		if err := q.store.DeleteQueueItem(item.ID); err != nil {
			return removed, fmt.Errorf("purging item %s: %w", item.ID, err)
		}

		removed++
	}

	return removed, nil
}

// RemoveByKey cancels every not-yet-applied mutation matching the key,
// for example a queued delete cancelled by a user-initiated restore.
// Returns how many items were removed.
func (q *Queue) RemoveByKey(table, recordID string, op store.OpType) (int, error) {
	items, err := q.store.AllQueueItems()
	if err != nil {
		return 0, fmt.Errorf("scanning queue: %w", err)
	}

	removed := 0

	for _, item := range items {
		if item.Table != table || item.RecordID != recordID || item.Op != op {
			continue
		}

		if err := q.store.DeleteQueueItem(item.ID); err != nil {
			return removed, fmt.Errorf("removing item %s: %w", item.ID, err)
		}

		removed++
	}

	return removed, nil
}

// HasPendingOperation reports whether any queued mutation exists for the
// record, optionally narrowed to specific operation kinds.
func (q *Queue) HasPendingOperation(table, recordID string, ops ...store.OpType) (bool, error) {
	items, err := q.store.AllQueueItems()
	if err != nil {
		return false, fmt.Errorf("scanning queue: %w", err)
	}

	for _, item := range items {
		if item.Table != table || item.RecordID != recordID {
			continue
		}

		if len(ops) == 0 {
			return true, nil
		}

		for _, op := range ops {
			if item.Op == op {
				return true, nil
			}
		}
	}

	return false, nil
}
