package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"crimelink/internal/capture"
	"crimelink/internal/feed"
	"crimelink/internal/models"
	"crimelink/internal/uploader"
)

// maxFixBody caps a POST /api/fixes body.
const maxFixBody = 1 << 20

type Tracker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (capture.State, error)
}

type Queue interface {
	Count(ctx context.Context) (int, error)
}

type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, fixes []models.Fix) error
}

type TrackerHandler struct {
	tracker   Tracker
	queue     Queue
	drainer   Drainer
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

type statusResponse struct {
	State  capture.State `json:"state"`
	Queued int           `json:"queued"`
}

type flushResponse struct {
	Uploaded int    `json:"uploaded"`
	Queued   int    `json:"queued"`
	Error    string `json:"error,omitempty"`
}

func NewTrackerHandler(tracker Tracker, queue Queue, drainer Drainer, deliverer Deliverer, logger *slog.Logger) *TrackerHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TrackerHandler{
		tracker:   tracker,
		queue:     queue,
		drainer:   drainer,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
	}
}

// Routes registers every endpoint on mux.
func (h *TrackerHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/fixes", h.HandleFixes)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/flush", h.HandleFlush)
	mux.HandleFunc("/api/tracking/start", h.HandleStart)
	mux.HandleFunc("/api/tracking/stop", h.HandleStop)
}

// HandleFixes accepts one fix or an array of fixes from a gateway and hands
// them to the location service.
func (h *TrackerHandler) HandleFixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFixBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	fixes, err := feed.DecodeFixes(body, h.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.deliverer.Deliver(r.Context(), fixes); err != nil {
		h.logger.Error("delivering posted fixes", "count", len(fixes), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delivery failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"fixes": len(fixes)})
}

func (h *TrackerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h.writeStatus(r.Context(), w)
}

// HandleFlush uploads the queue now. An upload failure answers 502 with the
// records left behind.
func (h *TrackerHandler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	uploaded, err := h.drainer.Drain(r.Context())
	queued, countErr := h.queue.Count(r.Context())
	if countErr != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}

	resp := flushResponse{Uploaded: uploaded, Queued: queued}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case uploader.IsUploadError(err):
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		h.logger.Error("manual flush", "error", err)
		resp.Error = "flush failed"
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (h *TrackerHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	err := h.tracker.Start(r.Context())
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("starting tracking", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "start failed"})
		return
	}
	h.writeStatus(r.Context(), w)
}

func (h *TrackerHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := h.tracker.Stop(r.Context()); err != nil {
		h.logger.Error("stopping tracking", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stop failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]capture.State{"state": capture.Stopped})
}

func (h *TrackerHandler) writeStatus(ctx context.Context, w http.ResponseWriter) {
	state, err := h.tracker.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}
	queued, err := h.queue.Count(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{State: state, Queued: queued})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
