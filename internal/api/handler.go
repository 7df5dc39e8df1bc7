package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"PacedSend/internal/csvparser"
	"PacedSend/internal/models"
	"PacedSend/internal/scheduler"
)

// WindowResetter clears a sender's hourly send window.
type WindowResetter interface {
	Reset(ctx context.Context, senderID string) error
}

type Handler struct {
	Service *scheduler.Service
	Limiter WindowResetter
	Log     *zap.Logger

	// Checks are run by the health endpoint, keyed by dependency name.
	Checks map[string]func(context.Context) error

	MaxBatchRows int
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.Health)

	r.Route("/api", func(api chi.Router) {
		api.Route("/email-jobs", func(jobs chi.Router) {
			jobs.Post("/schedule", h.ScheduleEmails)
			jobs.Get("/", h.ListJobs)
			jobs.Get("/{id}", h.GetJob)
			jobs.Delete("/{id}", h.CancelJob)
		})

		api.Route("/senders", func(senders chi.Router) {
			senders.Post("/", h.CreateSender)
			senders.Get("/{id}", h.GetSender)
			senders.Patch("/{id}", h.UpdateSender)
			senders.Post("/{id}/rate-limit/reset", h.ResetRateLimit)
		})

		api.Get("/stats", h.Stats)
	})

	return r
}

type scheduleRequest struct {
	scheduler.Request

	// CSVData is an alternative to Rows: a CSV document with an email column
	// and optional subject and body columns.
	CSVData string `json:"csvData"`
}

func (h *Handler) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.CSVData != "" {
		rows, err := csvparser.ParseRecipientRows(strings.NewReader(req.CSVData), h.MaxBatchRows)
		if err != nil {
			if !errors.Is(err, models.ErrEmptyBatch) {
				err = models.NewValidationError("csvData", err.Error())
			}
			h.writeError(w, r, err)
			return
		}
		for _, row := range rows {
			req.Rows = append(req.Rows, scheduler.Row{
				Recipient: row.Email,
				Subject:   row.Subject,
				Body:      row.Body,
			})
		}
	}

	if h.MaxBatchRows > 0 && len(req.Rows) > h.MaxBatchRows {
		h.writeError(w, r, models.NewValidationError("rows", "too many rows"))
		return
	}

	res, err := h.Service.Schedule(r.Context(), req.Request)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Scheduled emails",
		"count":   res.Count,
		"jobs":    res.Jobs,
	})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	jobs, err := h.Service.Jobs(r.Context(), q.Get("senderId"), models.EmailStatus(q.Get("status")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateSender(w http.ResponseWriter, r *http.Request) {
	var req scheduler.NewSender
	if !h.decode(w, r, &req) {
		return
	}

	sender, err := h.Service.CreateSender(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sender)
}

func (h *Handler) GetSender(w http.ResponseWriter, r *http.Request) {
	sender, err := h.Service.Sender(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sender)
}

func (h *Handler) UpdateSender(w http.ResponseWriter, r *http.Request) {
	var req scheduler.SenderUpdate
	if !h.decode(w, r, &req) {
		return
	}

	sender, err := h.Service.UpdateSender(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sender)
}

func (h *Handler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.Service.Sender(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Limiter.Reset(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	senderID := r.URL.Query().Get("senderId")
	if senderID == "" {
		h.writeError(w, r, models.NewValidationError("senderId", "is required"))
		return
	}

	stats, err := h.Service.Stats(r.Context(), senderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, models.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request data",
			"details": verr.Fields,
		})
	case errors.Is(err, models.ErrEmptyBatch):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrAlreadySent):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()

		next.ServeHTTP(ww, r)

		h.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(began)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
