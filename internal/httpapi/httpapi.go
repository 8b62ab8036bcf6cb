// Package httpapi serves the local status API for fieldsyncd.
//
// The API is read-only except for the retry endpoint, and is meant for
// debugging and companion tooling on the same machine. It is disabled
// entirely unless an address is configured, and the default bind is
// loopback.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldbook/sync-core/internal/conflict"
	"github.com/fieldbook/sync-core/internal/engine"
	"github.com/fieldbook/sync-core/internal/queue"
	"github.com/fieldbook/sync-core/internal/store"
	"github.com/fieldbook/sync-core/internal/uploader"
)

// Config holds the handler's dependencies.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Engine   *engine.Engine
	Uploader *uploader.Processor
	Logger   *slog.Logger

	// MaxAttempts is the queue retry ceiling; items at or past it are
	// reported as dead.
	MaxAttempts int
}

// Handler exposes the sync core's observable state over HTTP.
type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/queue", h.queueContents)
	r.Get("/conflicts", h.conflicts)
	r.Post("/retry", h.retryFailed)

	return r
}

// Serve runs the status API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      h.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting status API", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API error: %w", err)
	}

	return nil
}

type uploadsStatus struct {
	State       string  `json:"state"`
	PauseReason string  `json:"pauseReason,omitempty"`
	Pending     int     `json:"pending"`
	Failed      int     `json:"failed"`
	CurrentID   string  `json:"currentId,omitempty"`
	Percent     float64 `json:"percent"`
}

type queueCounts struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

type statusResponse struct {
	DeviceID string           `json:"deviceId"`
	Uploads  uploadsStatus    `json:"uploads"`
	Queue    queueCounts      `json:"queue"`
	LastPass engine.PassStats `json:"lastPass"`
}

type queueItemView struct {
	ID            string    `json:"id"`
	Table         string    `json:"table"`
	RecordID      string    `json:"recordId"`
	Op            string    `json:"op"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
}

type queueResponse struct {
	Pending []queueItemView `json:"pending"`
	Dead    []queueItemView `json:"dead"`
}

type conflictView struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Table      string        `json:"table"`
	RecordID   string        `json:"recordId"`
	DetectedAt time.Time     `json:"detectedAt"`
	Local      store.Record  `json:"local"`
	Remote     *store.Record `json:"remote,omitempty"`
	Preview    string        `json:"preview"`
}

type retryResponse struct {
	Reset int `json:"reset"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	deviceID, err := h.cfg.Store.DeviceID()
	if err != nil {
		h.writeError(w, err)
		return
	}

	pending, err := h.cfg.Queue.PendingCount(h.cfg.MaxAttempts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	dead, err := h.cfg.Queue.DeadCount(h.cfg.MaxAttempts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	snap := h.cfg.Uploader.Snapshot()

	h.writeJSON(w, statusResponse{
		DeviceID: deviceID,
		Uploads: uploadsStatus{
			State:       string(snap.State),
			PauseReason: string(snap.PauseReason),
			Pending:     snap.Pending,
			Failed:      snap.Failed,
			CurrentID:   snap.CurrentID,
			Percent:     snap.Percent,
		},
		Queue:    queueCounts{Pending: pending, Dead: dead},
		LastPass: h.cfg.Engine.LastPass(),
	})
}

func (h *Handler) queueContents(w http.ResponseWriter, _ *http.Request) {
	items, err := h.cfg.Store.AllQueueItems()
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := queueResponse{
		Pending: []queueItemView{},
		Dead:    []queueItemView{},
	}

	for _, item := range items {
		view := queueItemView{
			ID:        item.ID,
			Table:     item.Table,
			RecordID:  item.RecordID,
			Op:        string(item.Op),
			Attempts:  item.Attempts,
			LastError: item.LastError,
			CreatedAt: item.CreatedAt,
		}
		if item.Attempts > 0 {
			view.NextAttemptAt = item.LastAttemptAt.Add(queue.Delay(item.Attempts))
		}

		if item.Attempts >= h.cfg.MaxAttempts {
			resp.Dead = append(resp.Dead, view)
		} else {
			resp.Pending = append(resp.Pending, view)
		}
	}

	h.writeJSON(w, resp)
}

func (h *Handler) conflicts(w http.ResponseWriter, _ *http.Request) {
	open := h.cfg.Engine.Conflicts()

	views := make([]conflictView, 0, len(open))
	for _, c := range open {
		views = append(views, conflictView{
			ID:         c.ID,
			Type:       string(c.Type),
			Table:      c.Table,
			RecordID:   c.RecordID,
			DetectedAt: c.DetectedAt,
			Local:      c.Local,
			Remote:     c.Remote,
			Preview:    conflict.Preview(c),
		})
	}

	h.writeJSON(w, views)
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")

	n, err := h.cfg.Uploader.RetryFailed(table)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, retryResponse{Reset: n})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.cfg.Logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.cfg.Logger.Error("status API request failed", slog.String("error", err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
