package handler

import (
	"net/http"

	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/practice"
)

type dashboardResponse struct {
	model.Dashboard
	Remaining string `json:"remaining"`
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	d, err := h.practice.Dashboard(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	remaining := 0
	for _, g := range d.Goals {
		if !g.Completed {
			remaining++
		}
	}
	writeJSON(w, http.StatusOK, dashboardResponse{
		Dashboard: d,
		Remaining: appI18n.Tp(r.Context(), "GoalsRemaining", remaining),
	})
}

func (h *Handler) handleGoals(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	goals, err := h.practice.Goals(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

func (h *Handler) handleRoadmapProgress(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	roadmaps, err := h.practice.Roadmaps(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roadmaps)
}

func (h *Handler) handleListRoadmaps(w http.ResponseWriter, r *http.Request) {
	roadmaps, err := h.store.ListRoadmaps(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roadmaps)
}

func (h *Handler) handleListLessons(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "roadmapID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.store.GetRoadmap(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	lessons, err := h.store.ListLessons(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lessons)
}

type lessonResponse struct {
	practice.LessonOutcome
	Message string `json:"message"`
}

func (h *Handler) handleCompleteLesson(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id, err := idParam(r, "lessonID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.practice.CompleteLesson(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "LessonCompleted"
	if !out.Created {
		msg = "LessonAlreadyCompleted"
	}
	writeJSON(w, http.StatusOK, lessonResponse{LessonOutcome: out, Message: appI18n.T(r.Context(), msg)})
}

func (h *Handler) handleLessonHistory(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	done, err := h.store.CompletedLessons(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if done == nil {
		done = []model.LessonProgress{}
	}
	writeJSON(w, http.StatusOK, done)
}
