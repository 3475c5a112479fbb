package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/staged-messaging/internal/cache"
	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
	"github.com/LeventeLantos/staged-messaging/internal/notify"
	"github.com/LeventeLantos/staged-messaging/internal/queue"
	"github.com/LeventeLantos/staged-messaging/internal/scheduler"
)

// StagingQueue is the part of queue.Manager the HTTP layer drives.
type StagingQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	SendNow(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	UpdateContent(ctx context.Context, id, content string) error
	UpdateCountdown(ctx context.Context, id string, remaining int) error
	Get(ctx context.Context, id string) (model.StagedMessage, error)
	Snapshot(ctx context.Context) ([]model.StagedMessage, error)
}

type NoticeFeed interface {
	Recent(limit int) []notify.Notice
	Total() uint64
}

type CheckpointControl interface {
	Start() bool
	Stop() bool
	Status() scheduler.Status
}

type Handler struct {
	queue      StagingQueue
	feed       NoticeFeed
	ledger     cache.Ledger
	checkpoint CheckpointControl

	log      zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

func NewHandler(q StagingQueue, feed NoticeFeed, ledger cache.Ledger, cp CheckpointControl) *Handler {
	if ledger == nil {
		ledger = cache.NoopLedger{}
	}
	return &Handler{
		queue:      q,
		feed:       feed,
		ledger:     ledger,
		checkpoint: cp,
		log:        zerolog.Nop(),
	}
}

func (h *Handler) WithLogger(l zerolog.Logger) *Handler {
	h.log = l.With().Str("component", "api").Logger()
	return h
}

// WithMetrics enables request instrumentation and, when g is non-nil, the
// /metrics endpoint.
func (h *Handler) WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) *Handler {
	h.metrics = m
	h.gatherer = g
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- staged messages ----

type enqueueBody struct {
	Content        string `json:"content"`
	PatientID      string `json:"patientId"`
	PatientName    string `json:"patientName"`
	ConversationID string `json:"conversationId"`
	AIGenerated    *bool  `json:"aiGenerated"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var in enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	id, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Content:        in.Content,
		PatientID:      in.PatientID,
		PatientName:    in.PatientName,
		ConversationID: in.ConversationID,
		AIGenerated:    in.AIGenerated,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.queue.Get(r.Context(), id)
	if err != nil {
		// Evicted already (e.g. a zero countdown sent straight away).
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.StagedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetOne(w http.ResponseWriter, r *http.Request) {
	msg, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// intent adapts a single-id queue operation to an HTTP handler that answers
// with the message's state afterwards.
func (h *Handler) intent(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.respondCurrent(w, r, id)
	}
}

func (h *Handler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Content == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.queue.UpdateContent(r.Context(), id, *in.Content); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondCurrent(w, r, id)
}

func (h *Handler) UpdateCountdown(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Countdown *int `json:"countdown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Countdown == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.queue.UpdateCountdown(r.Context(), id, *in.Countdown); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondCurrent(w, r, id)
}

func (h *Handler) respondCurrent(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := h.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "evicted": true})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// ---- notices and receipts ----

func (h *Handler) Notices(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	if h.feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []notify.Notice{}, "total": 0})
		return
	}
	items := h.feed.Recent(limit)
	if items == nil {
		items = []notify.Notice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": h.feed.Total()})
}

func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Lookup(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, cache.ErrNoReceipt) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "receipt_not_found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("receipt lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---- checkpoint scheduler ----

func (h *Handler) CheckpointStatus(w http.ResponseWriter, r *http.Request) {
	if h.checkpoint == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "checkpoint_disabled"})
		return
	}
	writeJSON(w, http.StatusOK, h.checkpoint.Status())
}

func (h *Handler) CheckpointStart(w http.ResponseWriter, r *http.Request) {
	if h.checkpoint == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "checkpoint_disabled"})
		return
	}
	h.checkpoint.Start()
	writeJSON(w, http.StatusOK, h.checkpoint.Status())
}

func (h *Handler) CheckpointStop(w http.ResponseWriter, r *http.Request) {
	if h.checkpoint == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "checkpoint_disabled"})
		return
	}
	h.checkpoint.Stop()
	writeJSON(w, http.StatusOK, h.checkpoint.Status())
}

// ---- helpers ----

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, queue.ErrInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, queue.ErrContentTooShort):
		return http.StatusUnprocessableEntity, "content_too_short"
	case errors.Is(err, queue.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, queue.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
