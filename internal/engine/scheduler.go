package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/remote"
)

// defaultHintDebounce coalesces a burst of change-feed hints into one pass.
const defaultHintDebounce = 2 * time.Second

// SchedulerConfig tunes when sync passes run.
type SchedulerConfig struct {
	// Interval is the periodic pass cadence. Zero disables periodic
	// passes (hints only).
	Interval time.Duration

	// DeepSchedule is an optional cron spec for an additional wall-clock
	// pass, e.g. "0 3 * * *".
	DeepSchedule string

	// Hints delivers change-feed notifications. Nil means schedule-only.
	Hints <-chan remote.Hint

	// HintDebounce is how long to wait for a hint burst to settle before
	// triggering a pass.
	HintDebounce time.Duration
}

// Scheduler triggers sync passes on a periodic schedule and on debounced
// change-feed hints. Overlaps are harmless: the engine coalesces them.
type Scheduler struct {
	engine   *Engine
	logger   *slog.Logger
	cron     *cron.Cron
	hints    <-chan remote.Hint
	debounce time.Duration

	// ctx is set once in Run before the cron starts; jobs read it.
	ctx context.Context
}

func NewScheduler(e *Engine, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		engine:   e,
		logger:   logger,
		cron:     cron.New(),
		hints:    cfg.Hints,
		debounce: cfg.HintDebounce,
	}

	if s.debounce <= 0 {
		s.debounce = defaultHintDebounce
	}

	if cfg.Interval > 0 {
		if _, err := s.cron.AddFunc("@every "+cfg.Interval.String(), s.runPass); err != nil {
			return nil, fmt.Errorf("scheduling periodic pass: %w", err)
		}
	}

	if cfg.DeepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.DeepSchedule, s.runPass); err != nil {
			return nil, fmt.Errorf("scheduling deep pass %q: %w", cfg.DeepSchedule, err)
		}
	}

	return s, nil
}

// Run starts the cron entries and consumes hints until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx

	s.cron.Start()
	defer s.cron.Stop()

	s.logger.Info("sync scheduler running", slog.Duration("debounce", s.debounce))

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return ctx.Err()

		case hint, ok := <-s.hints:
			if !ok {
				s.hints = nil
				continue
			}

			s.logger.Debug("change hint",
				slog.String("table", hint.Table),
				slog.String("record", hint.RecordID),
			)

			// Every hint restarts the settle window; a replaced timer's
			// channel is unreachable, so a stale fire cannot trigger.
			if timer != nil {
				timer.Stop()
			}

			timer = time.NewTimer(s.debounce)
			timerC = timer.C

		case <-timerC:
			timer = nil
			timerC = nil

			s.runPass()
		}
	}
}

func (s *Scheduler) runPass() {
	err := s.engine.SyncPass(s.ctx)

	switch {
	case err == nil:
	case errors.Is(err, syncerrors.ErrPassInProgress):
		s.logger.Debug("sync pass already running, skipped")
	case errors.Is(err, context.Canceled):
		// Shutting down.
	default:
		s.logger.Error("sync pass failed", slog.String("error", err.Error()))
	}
}
