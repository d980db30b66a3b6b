package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/turns"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *turns.Service
	store               storage.Store
	storeName           string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Service             *turns.Service
	Store               storage.Store
	StoreName           string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Service,
		store:               d.Store,
		storeName:           d.StoreName,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeServiceError maps service and storage errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidAnswers):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, model.ErrUnknownModule),
		errors.Is(err, model.ErrUnknownQuestionnaire):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.logger.Error("request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

func turnTime(ts *time.Time) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return *ts
}

// HandleTurn handles POST /v1/turns.
func (h *Handlers) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var req model.TurnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	result, err := h.svc.ProcessTurn(r.Context(), req.ConversationID, req.Text, turnTime(req.Timestamp))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleTurnBatch handles POST /v1/turns/batch. Results are returned in
// request order.
func (h *Handlers) HandleTurnBatch(w http.ResponseWriter, r *http.Request) {
	var req model.BatchTurnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inputs := make([]turns.TurnInput, len(req.Turns))
	for i, t := range req.Turns {
		inputs[i] = turns.TurnInput{ConversationID: t.ConversationID, Text: t.Text, At: turnTime(t.Timestamp)}
	}
	results, err := h.svc.ProcessBatch(r.Context(), inputs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// HandleGetConversation handles GET /v1/conversations/{id}.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleListScores handles GET /v1/conversations/{id}/scores.
func (h *Handlers) HandleListScores(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Scores(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"scores": recs})
}

// HandleRecommendModule handles POST /v1/conversations/{id}/modules/{module_id}/recommend.
func (h *Handlers) HandleRecommendModule(w http.ResponseWriter, r *http.Request) {
	moduleID := r.PathValue("module_id")
	progress, err := h.svc.RecommendModule(r.Context(), r.PathValue("id"), moduleID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"module_id": moduleID, "progress": progress})
}

// HandleCompleteModule handles POST /v1/conversations/{id}/modules/{module_id}/complete.
// The body is optional.
func (h *Handlers) HandleCompleteModule(w http.ResponseWriter, r *http.Request) {
	var req model.CompleteModuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}
	moduleID := r.PathValue("module_id")
	progress, err := h.svc.CompleteModule(r.Context(), r.PathValue("id"), moduleID, req.CompletionData)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"module_id": moduleID, "progress": progress})
}

// HandleReminderOptOut handles PUT /v1/conversations/{id}/reminders.
func (h *Handlers) HandleReminderOptOut(w http.ResponseWriter, r *http.Request) {
	var req model.ReminderOptOutRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	tally, err := h.svc.SetReminderOptOut(r.Context(), r.PathValue("id"), req.OptedOut)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tally)
}

// HandleSubmitQuestionnaire handles POST /v1/questionnaires/{id}/submit.
func (h *Handlers) HandleSubmitQuestionnaire(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitQuestionnaireRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	rec, err := h.svc.SubmitQuestionnaire(r.Context(), req.ConversationID, r.PathValue("id"), req.Answers)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rec)
}

// HandleGetScore handles GET /v1/scores/{id}.
func (h *Handlers) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid score id")
		return
	}
	rec, err := h.svc.Score(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleListModules handles GET /v1/modules.
func (h *Handlers) HandleListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"modules": h.svc.Catalog().ModuleCatalog().List()})
}

// HandleGetQuestionnaire handles GET /v1/questionnaires/{id}.
func (h *Handlers) HandleGetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Catalog().Questionnaire(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health: store ping failed", "store", h.storeName, "error", err)
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.storeName,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}
