package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	syncerrors "github.com/fieldbook/sync-core/internal/errors"
	"github.com/fieldbook/sync-core/internal/events"
	"github.com/fieldbook/sync-core/internal/media"
	"github.com/fieldbook/sync-core/internal/store"
)

// abortTimeout bounds the best-effort backend abort of an invalidated
// session; it must not stall the upload that replaces it.
const abortTimeout = 10 * time.Second

// transfer moves one record's media to the backend and returns the
// remote object reference. Chunked mode is chosen when the file is over
// the threshold or a resumable session already exists; everything else
// goes in one shot.
func (p *Processor) transfer(ctx context.Context, rec store.Record, info media.Info) (string, error) {
	key := media.ObjectKey(rec.Table, rec.ID, info.Path)

	ts, err := p.store.GetTransferState(rec.ID)
	if err != nil {
		return "", fmt.Errorf("loading transfer state: %w", err)
	}

	if ts != nil && !ts.Matches(info.Size, info.ModTime) {
		// The file changed since the session was opened. Splicing parts
		// from two versions would corrupt the object, so the session is
		// abandoned and the upload starts over.
		p.logger.Warn("media changed under resumable session, restarting",
			slog.String("record", rec.ID),
			slog.String("session", ts.SessionID),
		)
		p.abandonSession(ctx, ts)

		ts = nil
	}

	if ts != nil || info.Size > p.cfg.ChunkThreshold {
		return p.transferChunked(ctx, rec, info, key, ts)
	}

	return p.transferSingle(ctx, rec, info, key)
}

// abandonSession aborts a backend session best-effort and drops its
// local snapshot. Sessions the backend never hears about expire there on
// their own, so the abort failing is only worth a debug line.
func (p *Processor) abandonSession(ctx context.Context, ts *store.TransferState) {
	actx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()

	if err := p.client.AbortSession(actx, ts.SessionID); err != nil {
		p.logger.Debug("aborting stale session",
			slog.String("session", ts.SessionID),
			slog.String("error", err.Error()),
		)
	}

	if err := p.store.DeleteTransferState(ts.RecordID); err != nil {
		p.logger.Warn("deleting transfer state",
			slog.String("record", ts.RecordID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) transferSingle(ctx context.Context, rec store.Record, info media.Info, key string) (string, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return "", fmt.Errorf("opening media: %w", err)
	}
	defer f.Close()

	return p.client.Put(ctx, key, f, info.Size, func(pct float64) {
		p.setProgress(pct)
		p.bus.Publish(events.Event{
			Type:     events.TypeUploadProgress,
			Table:    rec.Table,
			RecordID: rec.ID,
			Percent:  pct,
		})
	})
}

func (p *Processor) transferChunked(ctx context.Context, rec store.Record, info media.Info, key string, ts *store.TransferState) (string, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return "", fmt.Errorf("opening media: %w", err)
	}
	defer f.Close()

	if ts == nil {
		totalParts := int((info.Size + p.cfg.ChunkSize - 1) / p.cfg.ChunkSize)
		if totalParts < 1 {
			totalParts = 1
		}

		sessionID, err := p.client.CreateSession(ctx, key, info.Size)
		if err != nil {
			return "", err
		}

		ts = &store.TransferState{
			RecordID:    rec.ID,
			SessionID:   sessionID,
			TotalParts:  totalParts,
			PartSize:    p.cfg.ChunkSize,
			FileSize:    info.Size,
			FileModTime: info.ModTime,
			CreatedAt:   time.Now(),
		}

		// The snapshot interval only governs per-part persistence below.
		// The fresh session is written out immediately; a crash after
		// CreateSession must find something to resume or abort.
		if err := p.store.SetTransferState(*ts); err != nil {
			return "", fmt.Errorf("persisting transfer state: %w", err)
		}
	} else {
		p.logger.Info("resuming chunked upload",
			slog.String("record", rec.ID),
			slog.String("session", ts.SessionID),
			slog.Int("completed_parts", len(ts.PartTags)),
			slog.Int("total_parts", ts.TotalParts),
		)
	}

	lastPersist := time.Now()

	for part := len(ts.PartTags) + 1; part <= ts.TotalParts; part++ {
		off := int64(part-1) * ts.PartSize
		n := min(ts.PartSize, info.Size-off)

		tag, err := p.uploadPart(ctx, ts.SessionID, part, io.NewSectionReader(f, off, n), n)
		if err != nil {
			return "", p.partFailure(rec.ID, ts, err)
		}

		ts.PartTags = append(ts.PartTags, tag)

		pct := float64(part) / float64(ts.TotalParts) * 100
		p.setProgress(pct)
		p.bus.Publish(events.Event{
			Type:     events.TypeUploadProgress,
			Table:    rec.Table,
			RecordID: rec.ID,
			Percent:  pct,
		})

		if p.cfg.SnapshotInterval <= 0 || time.Since(lastPersist) >= p.cfg.SnapshotInterval {
			if err := p.store.SetTransferState(*ts); err != nil {
				return "", fmt.Errorf("persisting transfer state: %w", err)
			}

			lastPersist = time.Now()
		}
	}

	url, err := p.client.CompleteSession(ctx, ts.SessionID, ts.PartTags)
	if err != nil {
		return "", p.partFailure(rec.ID, ts, err)
	}

	if err := p.store.DeleteTransferState(rec.ID); err != nil {
		p.logger.Warn("deleting transfer state",
			slog.String("record", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	return url, nil
}

// uploadPart runs a single part under its own deadline so a stalled
// chunk fails bounded instead of hanging the transfer.
func (p *Processor) uploadPart(ctx context.Context, sessionID string, part int, r io.Reader, size int64) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.PartTimeout)
	defer cancel()

	return p.client.UploadPart(pctx, sessionID, part, r, size)
}

// partFailure persists the resume point before surfacing the error, or
// clears it when the backend no longer recognizes the session; resuming
// against a dead session can only fail again.
func (p *Processor) partFailure(recordID string, ts *store.TransferState, err error) error {
	if errors.Is(err, syncerrors.ErrSessionInvalid) {
		if derr := p.store.DeleteTransferState(recordID); derr != nil {
			p.logger.Warn("deleting transfer state",
				slog.String("record", recordID),
				slog.String("error", derr.Error()),
			)
		}

		return err
	}

	if perr := p.store.SetTransferState(*ts); perr != nil {
		p.logger.Warn("persisting transfer state",
			slog.String("record", recordID),
			slog.String("error", perr.Error()),
		)
	}

	return err
}
