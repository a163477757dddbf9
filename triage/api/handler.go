package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

// TriageService is the engine surface the HTTP layer needs.
type TriageService interface {
	Submit(ctx context.Context, appointmentID int64, text string) (ports.Reply, error)
	Resume(ctx context.Context, appointmentID int64) (ports.Reply, error)
	History(ctx context.Context, appointmentID int64) ([]ports.Turn, error)
	LatestDiagnosis(ctx context.Context, appointmentID int64) (ports.DiagnosisView, bool, error)
}

// Pinger reports backing store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	svc       TriageService
	validator *RequestValidator
	health    Pinger // optional
	logger    zerolog.Logger
}

func NewHandler(svc TriageService, health Pinger, logger zerolog.Logger) (*Handler, error) {
	validator, err := NewRequestValidator(turnRequestSchema)
	if err != nil {
		return nil, err
	}
	return &Handler{svc: svc, validator: validator, health: health, logger: logger}, nil
}

type TurnRequest struct {
	AppointmentID int64  `json:"appointment_id"`
	Message       string `json:"message"`
}

type ReplyResponse struct {
	Condition string `json:"condition"`
	Advice    string `json:"advice"`
}

type TurnResponse struct {
	Sequence  int64     `json:"sequence"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Condition *string   `json:"condition,omitempty"`
	Advice    *string   `json:"advice,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitTurn handles POST /api/triage/turns.
func (h *Handler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		return
	}
	if err := h.validator.Validate(body); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TurnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	reply, err := h.svc.Submit(r.Context(), req.AppointmentID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReplyResponse(reply))
}

// ResumeTurn handles POST /api/triage/appointments/{id}/resume.
func (h *Handler) ResumeTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	reply, err := h.svc.Resume(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReplyResponse(reply))
}

// ListTurns handles GET /api/triage/appointments/{id}/turns.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	turns, err := h.svc.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]TurnResponse, 0, len(turns))
	for _, t := range turns {
		tr := TurnResponse{
			Sequence:  t.Sequence,
			Role:      t.Role.String(),
			Content:   t.Text,
			CreatedAt: t.CreatedAt,
		}
		if t.Reply != nil {
			tr.Condition = &t.Reply.Condition
			tr.Advice = &t.Reply.Advice
		}
		out = append(out, tr)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDiagnosis handles GET /api/triage/appointments/{id}/diagnosis.
func (h *Handler) GetDiagnosis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.appointmentID(w, r)
	if !ok {
		return
	}
	view, found, err := h.svc.LatestDiagnosis(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no diagnosis for appointment"})
		return
	}
	writeJSON(w, http.StatusOK, ReplyResponse(view))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Error().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) appointmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "appointment id must be an integer"})
		return 0, false
	}
	return id, true
}

// writeError maps the error taxonomy to a status. Server-side failures get
// an opaque body; the detail goes to the log only.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, ports.ErrAppointmentNotFound):
		status, msg = http.StatusNotFound, "appointment not found"
	case errors.Is(err, ports.ErrValidation):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ports.ErrNothingToResume):
		status, msg = http.StatusConflict, "nothing to resume"
	case errors.Is(err, errMalformedBody):
		status, msg = http.StatusBadRequest, "invalid request"
	}

	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Msg("Request failed")

	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
