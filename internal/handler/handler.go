package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/toeicprep/toeic/internal/auth"
	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/practice"
	"github.com/toeicprep/toeic/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds presentation settings.
type Config struct {
	SessionLives  int
	SessionBudget time.Duration
	Cohort        string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	practice *practice.Service
	tokens   *auth.Issuer
	config   Config
}

// New creates a new Handler.
func New(s *store.Store, p *practice.Service, tokens *auth.Issuer, cfg Config) *Handler {
	return &Handler{store: s, practice: p, tokens: tokens, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/logout", h.handleLogout)
		r.Get("/api/me", h.handleMe)

		r.Post("/api/practice/session", h.handleNewSession)
		r.Get("/api/practice/next", h.handleNextItem)
		r.Post("/api/practice/answer", h.handleAnswer)
		r.Get("/api/practice/timed", h.handleActiveTimed)
		r.Post("/api/practice/timed", h.handleStartTimed)
		r.Post("/api/practice/timed/{challengeID}/finish", h.handleFinishTimed)
		r.Delete("/api/practice/timed/{challengeID}", h.handleCancelTimed)

		r.Get("/api/mastery", h.handleMastery)
		r.Post("/api/mastery/{itemID}/reset", h.handleReset)

		r.Get("/api/progress/dashboard", h.handleDashboard)
		r.Get("/api/progress/goals", h.handleGoals)
		r.Get("/api/progress/roadmaps", h.handleRoadmapProgress)
		r.Get("/api/progress/lessons", h.handleLessonHistory)

		r.Get("/api/roadmaps", h.handleListRoadmaps)
		r.Get("/api/roadmaps/{roadmapID}/lessons", h.handleListLessons)
		r.Post("/api/lessons/{lessonID}/complete", h.handleCompleteLesson)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			r.Get("/api/items", h.handleListItems)
			r.Post("/api/items", h.handleCreateItem)
			r.Post("/api/items/upload", h.handleUploadItems)
			r.Delete("/api/items/{itemID}", h.handleDeleteItem)
			r.Get("/api/topics", h.handleListTopics)
			r.Post("/api/roadmaps", h.handleCreateRoadmap)
			r.Post("/api/roadmaps/{roadmapID}/lessons", h.handleCreateLesson)
			r.Get("/api/export", h.handleExport)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/users/{userID}/toggle", h.handleToggleUserActive)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeMessage writes a localized message.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, messageResponse{Message: appI18n.T(r.Context(), msgID)})
}

func writeErrorMsg(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID)})
}

// writeError maps err to a status and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: appI18n.Td(r.Context(), "ErrInvalidInput", map[string]any{"Reason": ve.Error()}),
		})
	case errors.Is(err, model.ErrNotFound):
		writeErrorMsg(w, r, http.StatusNotFound, "ErrNotFound")
	case errors.Is(err, practice.ErrChallengeExpired):
		writeErrorMsg(w, r, http.StatusConflict, "ErrChallengeExpired")
	case errors.Is(err, model.ErrPersistenceUnavailable):
		slog.Error("storage unavailable", "path", r.URL.Path, "error", err)
		writeErrorMsg(w, r, http.StatusServiceUnavailable, "ErrInternal")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeErrorMsg(w, r, http.StatusInternalServerError, "ErrInternal")
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Invalid("body", "%v", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Invalid(name, "invalid id")
	}
	return id, nil
}
