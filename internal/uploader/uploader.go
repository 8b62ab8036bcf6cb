// Package uploader moves record media from the local spool to the
// backend. A single event-loop goroutine owns the processor state
// machine; transfers run in a child goroutine with their own cancelable
// context so pausing never rips a transfer out mid-flight, while
// stopping does.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/events"
	"github.com/fieldbook/sync-core/internal/lifecycle"
	"github.com/fieldbook/sync-core/internal/media"
	"github.com/fieldbook/sync-core/internal/netmon"
	"github.com/fieldbook/sync-core/internal/store"
)

const (
	// defaultChunkThreshold is the file size above which uploads switch
	// to the resumable chunked path.
	defaultChunkThreshold = 8 << 20

	// defaultChunkSize is the per-part byte length for chunked uploads.
	defaultChunkSize = 4 << 20

	// defaultPollInterval is how often an idle active processor rescans
	// the store for work.
	defaultPollInterval = time.Minute

	// defaultPartTimeout bounds each individual part upload so one stuck
	// chunk cannot stall the processor indefinitely.
	defaultPartTimeout = 2 * time.Minute

	// cmdChanSize buffers control commands submitted before or while the
	// event loop is busy.
	cmdChanSize = 16
)

// State is the processor's coarse run state.
type State string

const (
	StateStopped State = "stopped"
	StatePaused  State = "paused"
	StateActive  State = "active"
)

// PauseReason says what a paused processor is waiting on.
type PauseReason string

const (
	PauseNone PauseReason = ""

	// PauseNetwork means connectivity is absent or not yet proven stable.
	PauseNetwork PauseReason = "network"

	// PauseForeground means the app left the foreground.
	PauseForeground PauseReason = "foreground"
)

// TransferClient is the subset of the remote client the processor needs
// to move bytes. *remote.Client satisfies it. Extracted for testability.
type TransferClient interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, progress func(float64)) (string, error)
	CreateSession(ctx context.Context, key string, size int64) (string, error)
	UploadPart(ctx context.Context, sessionID string, part int, r io.Reader, size int64) (string, error)
	CompleteSession(ctx context.Context, sessionID string, parts []string) (string, error)
	AbortSession(ctx context.Context, sessionID string) error
}

// Snapshot is the observable processor state. Counts cover the declared
// collections: Pending is records still owed an upload, Failed is
// records waiting on a retry signal.
type Snapshot struct {
	State       State
	PauseReason PauseReason
	Pending     int
	Failed      int

	// CurrentID and Percent describe the in-flight transfer, if any.
	CurrentID string
	Percent   float64
}

// Config holds the processor's dependencies and tuning.
type Config struct {
	Store   *store.Store
	Client  TransferClient
	Monitor netmon.Monitor
	Source  lifecycle.Source
	Bus     *events.Bus

	// Tables are the collections scanned for uploadable records.
	Tables []string

	// Policy governs whether metered links count as stable. Replaceable
	// at runtime via SetPolicy.
	Policy netmon.Policy

	// ChunkThreshold is the file size above which uploads go chunked.
	ChunkThreshold int64

	// ChunkSize is the per-part byte length for chunked uploads.
	ChunkSize int64

	// PollInterval is how often an idle active processor rescans for work.
	PollInterval time.Duration

	// StabilityDelay is how long favorable conditions must hold before
	// the processor goes active. Zero activates on the next loop turn.
	StabilityDelay time.Duration

	// SnapshotInterval is how often chunked-upload progress is persisted.
	// Zero persists after every part.
	SnapshotInterval time.Duration

	// PartTimeout bounds each individual part upload.
	PartTimeout time.Duration
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdSetPolicy
)

type command struct {
	kind   cmdKind
	policy netmon.Policy
}

// transferResult is what the transfer goroutine reports back to the loop.
type transferResult struct {
	url string
	err error
}

// inflight tracks the one transfer the loop may have running. done is
// buffered so the transfer goroutine never blocks handing its result
// over, even when the loop has already moved on.
type inflight struct {
	rec     store.Record
	cancel  context.CancelFunc
	done    chan transferResult
	aborted bool
}

// Processor drives media uploads for the declared collections.
//
// Architecture: Run is the single event loop owning all state machine
// fields. It selects over connectivity and lifecycle subscriptions,
// control commands, kicks, the poll ticker, the stability timer, and the
// in-flight transfer's completion. Only one transfer runs at a time; a
// poll tick while one is in flight is a no-op.
type Processor struct {
	store  *store.Store
	client TransferClient
	mon    netmon.Monitor
	source lifecycle.Source
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	cmdCh  chan command
	kickCh chan struct{}

	// done is closed when Run exits so command submission never blocks
	// against a dead loop. Run may be called once.
	done chan struct{}

	// Event loop state. Touched only by Run and the handlers it calls.
	state          State
	pauseReason    PauseReason
	policy         netmon.Policy
	netStatus      netmon.Status
	phase          lifecycle.Phase
	stabilityTimer *time.Timer
	flight         *inflight

	// snap mirrors the loop state for readers on other goroutines.
	mu   sync.Mutex
	snap Snapshot
}

// New creates a Processor. Zero tuning values fall back to defaults,
// except SnapshotInterval where zero means persist after every part.
func New(cfg Config, logger *slog.Logger) *Processor {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = defaultChunkThreshold
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.PartTimeout <= 0 {
		cfg.PartTimeout = defaultPartTimeout
	}

	return &Processor{
		store:  cfg.Store,
		client: cfg.Client,
		mon:    cfg.Monitor,
		source: cfg.Source,
		bus:    cfg.Bus,
		logger: logger,
		cfg:    cfg,
		cmdCh:  make(chan command, cmdChanSize),
		kickCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateStopped,
		policy: cfg.Policy,
		snap:   Snapshot{State: StateStopped},
	}
}

// Start moves the processor out of Stopped: straight into a stability
// wait when conditions are favorable, otherwise into Paused until they
// are. The transition is applied by the event loop; observe it via
// StateChanged events or Snapshot. No-op unless currently stopped.
func (p *Processor) Start() {
	p.submit(command{kind: cmdStart})
}

// Stop aborts any in-flight transfer and halts all processing. The
// aborted record keeps its uploading status and resumable state and is
// retried transparently on the next active cycle. Idempotent.
func (p *Processor) Stop() {
	p.submit(command{kind: cmdStop})
}

// SetPolicy replaces the metered-transfer policy and re-applies the
// stability rules under it.
func (p *Processor) SetPolicy(pol netmon.Policy) {
	p.submit(command{kind: cmdSetPolicy, policy: pol})
}

func (p *Processor) submit(c command) {
	select {
	case p.cmdCh <- c:
	case <-p.done:
	}
}

// Kick asks the processor to look for work now instead of waiting for
// the next poll tick. Non-blocking; kicks coalesce, and a kick while
// paused or stopped is dropped because activation always begins with a
// full cycle anyway.
func (p *Processor) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// RetryFailed resets failed uploads in the given collection (all
// collections when table is empty) back to pending and kicks the
// processor. Returns the number of records reset.
func (p *Processor) RetryFailed(table string) (int, error) {
	n, err := p.store.RetryFailedUploads(table)
	if err != nil {
		return 0, fmt.Errorf("resetting failed uploads: %w", err)
	}

	if n > 0 {
		p.Kick()
	}

	return n, nil
}

// Snapshot returns the current observable state. Safe from any goroutine.
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snap
}

// Run is the processor event loop. It blocks until ctx is cancelled,
// then aborts any in-flight transfer and waits for it to wind down so no
// goroutine outlives the loop.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)

	statusCh, unsubStatus := p.mon.Subscribe()
	defer unsubStatus()

	phaseCh, unsubPhase := p.source.Subscribe()
	defer unsubPhase()

	p.netStatus = p.mon.Status()
	p.phase = p.source.Phase()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("upload processor running",
		slog.Duration("poll_interval", p.cfg.PollInterval),
		slog.Duration("stability_delay", p.cfg.StabilityDelay),
	)

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()

		case st := <-statusCh:
			p.netStatus = st
			p.reevaluate()

		case ph := <-phaseCh:
			p.phase = ph
			p.reevaluate()

		case c := <-p.cmdCh:
			p.handleCommand(ctx, c)

		case <-p.kickCh:
			if p.state == StateActive {
				p.startCycle(ctx)
			}

		case <-ticker.C:
			if p.state == StateActive {
				p.startCycle(ctx)
			}

		case <-p.stabilityC():
			p.stabilityTimer = nil

			if p.state == StatePaused && p.blockingReason() == PauseNone {
				p.activate(ctx)
			}

		case res := <-p.flightResult():
			p.finishTransfer(res)

			if p.state == StateActive {
				p.startCycle(ctx)
			}
		}
	}
}

func (p *Processor) handleCommand(ctx context.Context, c command) {
	switch c.kind {
	case cmdStart:
		if p.state != StateStopped {
			return
		}

		p.state = StatePaused

		if r := p.blockingReason(); r != PauseNone {
			p.pauseReason = r
		} else {
			// Favorable from the first moment still waits out the
			// stability delay; until the link has held that long it is
			// not yet stable.
			p.pauseReason = PauseNetwork
			p.armStability()
		}

		p.publishState()
		p.refreshCounts()

	case cmdStop:
		if p.state == StateStopped {
			return
		}

		p.disarmStability()

		if p.flight != nil {
			p.flight.aborted = true
			p.flight.cancel()
		}

		p.state = StateStopped
		p.pauseReason = PauseNone
		p.publishState()

	case cmdSetPolicy:
		p.policy = c.policy
		p.reevaluate()
	}
}

// blockingReason reports what currently prevents the processor from
// running, or PauseNone when conditions are favorable.
func (p *Processor) blockingReason() PauseReason {
	if !netmon.Stable(p.netStatus, p.policy) {
		return PauseNetwork
	}

	if p.phase != lifecycle.Foreground {
		return PauseForeground
	}

	return PauseNone
}

// reevaluate applies the current connectivity and lifecycle signals to
// the state machine. Pausing never aborts an in-flight transfer; it only
// stops new work from starting.
func (p *Processor) reevaluate() {
	switch p.state {
	case StateStopped:
		// Signals never restart a stopped processor.

	case StateActive:
		if r := p.blockingReason(); r != PauseNone {
			p.disarmStability()
			p.state = StatePaused
			p.pauseReason = r
			p.publishState()
		}

	case StatePaused:
		r := p.blockingReason()
		if r == PauseNone {
			p.armStability()
			return
		}

		p.disarmStability()

		if r != p.pauseReason {
			p.pauseReason = r
			p.publishState()
		}
	}
}

// armStability starts the stability wait unless one is already pending.
// The processor goes active only after conditions have held for the
// whole delay, so a flapping link cannot thrash transfers.
func (p *Processor) armStability() {
	if p.stabilityTimer != nil {
		return
	}

	p.stabilityTimer = time.NewTimer(p.cfg.StabilityDelay)
}

func (p *Processor) disarmStability() {
	if p.stabilityTimer == nil {
		return
	}

	p.stabilityTimer.Stop()
	p.stabilityTimer = nil
}

// stabilityC returns the pending stability timer's channel, or nil when
// none is armed so the select case stays disabled.
func (p *Processor) stabilityC() <-chan time.Time {
	if p.stabilityTimer == nil {
		return nil
	}

	return p.stabilityTimer.C
}

// flightResult returns the in-flight transfer's completion channel, or
// nil when nothing is in flight.
func (p *Processor) flightResult() <-chan transferResult {
	if p.flight == nil {
		return nil
	}

	return p.flight.done
}

func (p *Processor) activate(ctx context.Context) {
	p.state = StateActive
	p.pauseReason = PauseNone
	p.publishState()

	// Resuming always begins with an immediate cycle; anything queued
	// while paused is picked up without waiting for the poll tick.
	p.startCycle(ctx)
}

// startCycle claims the oldest uploadable record and launches its
// transfer. Records whose media file is gone are failed in place and
// skipped. No-op while a transfer is already in flight.
func (p *Processor) startCycle(ctx context.Context) {
	if p.flight != nil {
		return
	}

	for {
		rec, err := p.nextUpload()
		if err != nil {
			p.logger.Error("scanning for uploads", slog.String("error", err.Error()))
			return
		}

		if rec == nil {
			p.refreshCounts()
			return
		}

		info, err := media.Stat(rec.MediaPath)
		if err != nil {
			p.failRecord(*rec, statReason(rec.MediaPath, err))
			continue
		}

		if err := p.store.SetUploadStatus(rec.Table, rec.ID, store.UploadInProgress); err != nil {
			p.logger.Error("claiming record", slog.String("record", rec.ID), slog.String("error", err.Error()))
			return
		}

		p.logger.Info("upload started",
			slog.String("table", rec.Table),
			slog.String("record", rec.ID),
			slog.Int64("size", info.Size),
		)
		p.bus.Publish(events.Event{Type: events.TypeUploadStarted, Table: rec.Table, RecordID: rec.ID})

		p.setCurrent(rec.ID, 0)
		p.refreshCounts()

		tctx, cancel := context.WithCancel(ctx)
		fl := &inflight{rec: *rec, cancel: cancel, done: make(chan transferResult, 1)}
		p.flight = fl

		go func() {
			url, terr := p.transfer(tctx, fl.rec, info)
			fl.done <- transferResult{url: url, err: terr}
		}()

		return
	}
}

// finishTransfer settles the in-flight transfer's outcome: success
// stores the remote reference, a deliberate abort leaves the record
// uploading for a transparent retry, and everything else marks it failed
// until a retry signal.
func (p *Processor) finishTransfer(res transferResult) {
	fl := p.flight
	p.flight = nil
	fl.cancel()
	p.setCurrent("", 0)

	switch {
	case res.err == nil:
		if err := p.store.CompleteUpload(fl.rec.Table, fl.rec.ID, res.url); err != nil {
			p.logger.Error("storing upload result", slog.String("record", fl.rec.ID), slog.String("error", err.Error()))
		}

		p.logger.Info("upload completed", slog.String("record", fl.rec.ID), slog.String("url", res.url))
		p.bus.Publish(events.Event{Type: events.TypeUploadCompleted, Table: fl.rec.Table, RecordID: fl.rec.ID})

	case fl.aborted:
		p.logger.Debug("upload aborted", slog.String("record", fl.rec.ID))

	default:
		p.failRecord(fl.rec, res.err.Error())
	}

	p.refreshCounts()
}

func (p *Processor) failRecord(rec store.Record, reason string) {
	if err := p.store.FailUpload(rec.Table, rec.ID, reason); err != nil {
		p.logger.Error("marking upload failed", slog.String("record", rec.ID), slog.String("error", err.Error()))
	}

	p.logger.Warn("upload failed",
		slog.String("table", rec.Table),
		slog.String("record", rec.ID),
		slog.String("reason", reason),
	)
	p.bus.Publish(events.Event{Type: events.TypeUploadFailed, Table: rec.Table, RecordID: rec.ID, Reason: reason})
}

// shutdown aborts the in-flight transfer and drains its result so the
// transfer goroutine is gone before Run returns. An upload that raced to
// completion is kept; anything else stays uploading for the next run.
func (p *Processor) shutdown() {
	p.disarmStability()

	if p.flight == nil {
		return
	}

	p.flight.aborted = true
	p.flight.cancel()

	res := <-p.flight.done
	p.finishTransfer(res)
}

// nextUpload returns the oldest record awaiting upload across the
// declared collections: status pending or uploading, a local media file
// reference, and no remote object yet.
func (p *Processor) nextUpload() (*store.Record, error) {
	var oldest *store.Record

	for _, table := range p.cfg.Tables {
		recs, err := p.store.RecordsByUploadStatus(table, store.UploadPending, store.UploadInProgress)
		if err != nil {
			return nil, err
		}

		for i := range recs {
			rec := &recs[i]
			if rec.MediaPath == "" || rec.RemoteURL != "" || rec.Deleted {
				continue
			}

			if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
				oldest = rec
			}

			break // within one table the first match is the oldest
		}
	}

	return oldest, nil
}

func (p *Processor) refreshCounts() {
	pending, failed := 0, 0

	for _, table := range p.cfg.Tables {
		recs, err := p.store.RecordsByUploadStatus(table,
			store.UploadPending, store.UploadInProgress, store.UploadFailed)
		if err != nil {
			p.logger.Warn("counting uploads", slog.String("table", table), slog.String("error", err.Error()))
			return
		}

		for _, rec := range recs {
			switch {
			case rec.UploadStatus == store.UploadFailed:
				failed++
			case rec.MediaPath != "" && rec.RemoteURL == "" && !rec.Deleted:
				pending++
			}
		}
	}

	p.mu.Lock()
	p.snap.Pending = pending
	p.snap.Failed = failed
	p.mu.Unlock()
}

// publishState mirrors the loop state into the snapshot and emits one
// coalesced StateChanged event, but only when the state actually moved.
func (p *Processor) publishState() {
	p.mu.Lock()
	changed := p.snap.State != p.state || p.snap.PauseReason != p.pauseReason
	p.snap.State = p.state
	p.snap.PauseReason = p.pauseReason
	p.mu.Unlock()

	if !changed {
		return
	}

	p.logger.Info("processor state changed",
		slog.String("state", string(p.state)),
		slog.String("reason", string(p.pauseReason)),
	)
	p.bus.Publish(events.Event{
		Type:   events.TypeStateChanged,
		State:  string(p.state),
		Reason: string(p.pauseReason),
	})
}

func (p *Processor) setCurrent(id string, percent float64) {
	p.mu.Lock()
	p.snap.CurrentID = id
	p.snap.Percent = percent
	p.mu.Unlock()
}

func (p *Processor) setProgress(percent float64) {
	p.mu.Lock()
	p.snap.Percent = percent
	p.mu.Unlock()
}

func statReason(path string, err error) string {
	if errors.Is(err, syncerrors.ErrMediaMissing) {
		return "media file missing: " + path
	}

	return "media file unreadable: " + err.Error()
}
