package handler

import (
	"cmp"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/model"
	"github.com/toeicprep/toeic/internal/practice"
)

// itemView is an item as shown to a learner, without its answer key.
type itemView struct {
	ID               int64            `json:"id"`
	Kind             model.ItemKind   `json:"kind"`
	Difficulty       model.Difficulty `json:"difficulty"`
	Topic            string           `json:"topic"`
	Prompt           string           `json:"prompt"`
	Options          []model.Option   `json:"options,omitempty"`
	RequiresResponse bool             `json:"requires_response"`
}

func newItemView(it model.Item) itemView {
	return itemView{
		ID:               it.ID,
		Kind:             it.Kind,
		Difficulty:       it.Difficulty,
		Topic:            it.Topic,
		Prompt:           it.Prompt,
		Options:          it.Options,
		RequiresResponse: it.RequiresResponse,
	}
}

type nextItemResponse struct {
	Item      *itemView `json:"item,omitempty"`
	Exhausted bool      `json:"exhausted"`
	Message   string    `json:"message,omitempty"`
}

// itemFilter reads the kind, topic, difficulty and min_difficulty query
// parameters.
func itemFilter(r *http.Request) (model.ItemFilter, error) {
	q := r.URL.Query()
	filter := model.ItemFilter{Kind: model.ItemKind(q.Get("kind")), Topic: q.Get("topic")}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return filter, model.Invalid("kind", "unknown kind %q", filter.Kind)
	}
	var err error
	if filter.Difficulty, err = difficultyParam(q.Get("difficulty"), "difficulty"); err != nil {
		return filter, err
	}
	if filter.MinDifficulty, err = difficultyParam(q.Get("min_difficulty"), "min_difficulty"); err != nil {
		return filter, err
	}
	return filter, nil
}

func difficultyParam(v, name string) (model.Difficulty, error) {
	if v == "" {
		return "", nil
	}
	d, ok := model.ParseDifficulty(v)
	if !ok {
		return "", model.Invalid(name, "unknown difficulty %q", v)
	}
	return d, nil
}

func (h *Handler) handleNewSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, practice.NewSession(h.config.SessionLives, h.config.SessionBudget))
}

func (h *Handler) handleNextItem(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	filter, err := itemFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	item, err := h.practice.NextItem(r.Context(), user.ID, filter)
	if errors.Is(err, model.ErrExhausted) {
		writeJSON(w, http.StatusOK, nextItemResponse{Exhausted: true, Message: appI18n.T(r.Context(), "AllMastered")})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	view := newItemView(item)
	writeJSON(w, http.StatusOK, nextItemResponse{Item: &view})
}

type answerRequest struct {
	AttemptID string                    `json:"attempt_id"`
	ItemID    int64                     `json:"item_id"`
	Response  string                    `json:"response"`
	ElapsedMS int64                     `json:"elapsed_ms"`
	Session   *practice.PracticeSession `json:"session,omitempty"`
}

type outcomeResponse struct {
	practice.Outcome
	SessionAccuracy *float64 `json:"session_accuracy,omitempty"`
	Message         string   `json:"message"`
	Warning         string   `json:"warning,omitempty"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.practice.SubmitAnswer(r.Context(), practice.Answer{
		AttemptID: req.AttemptID,
		LearnerID: user.ID,
		ItemID:    req.ItemID,
		Response:  req.Response,
		Elapsed:   time.Duration(req.ElapsedMS) * time.Millisecond,
		Session:   req.Session,
	})
	h.writeOutcome(w, r, out, err)
}

type timedResponse struct {
	Challenge practice.Challenge `json:"challenge"`
	Deadline  time.Time          `json:"deadline"`
	Item      itemView           `json:"item"`
}

type startTimedRequest struct {
	ItemID int64 `json:"item_id"`
}

func (h *Handler) handleStartTimed(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req startTimedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ch, err := h.practice.StartTimed(r.Context(), user.ID, req.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.store.GetItem(r.Context(), ch.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, timedResponse{Challenge: ch, Deadline: ch.Deadline(), Item: newItemView(item)})
}

type finishTimedRequest struct {
	Confidence *float64                  `json:"confidence,omitempty"`
	Transcript string                    `json:"transcript,omitempty"`
	Session    *practice.PracticeSession `json:"session,omitempty"`
}

func (h *Handler) handleFinishTimed(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req finishTimedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.practice.FinishTimed(r.Context(), practice.Recording{
		ChallengeID: chi.URLParam(r, "challengeID"),
		LearnerID:   user.ID,
		Confidence:  req.Confidence,
		Transcript:  req.Transcript,
		Session:     req.Session,
	})
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) handleActiveTimed(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	ch, ok := h.practice.ActiveChallenge(user.ID)
	if !ok {
		writeErrorMsg(w, r, http.StatusNotFound, "NoActiveChallenge")
		return
	}
	item, err := h.store.GetItem(r.Context(), ch.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timedResponse{Challenge: ch, Deadline: ch.Deadline(), Item: newItemView(item)})
}

func (h *Handler) handleCancelTimed(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if err := h.practice.CancelTimed(user.ID, chi.URLParam(r, "challengeID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeOutcome reports a scored attempt. A save failure after retries is
// not an error for the learner: the score is shown with a warning.
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out practice.Outcome, err error) {
	if err != nil && !errors.Is(err, model.ErrPersistenceUnavailable) {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	resp := outcomeResponse{Outcome: out}
	if out.Session != nil {
		acc := out.Session.Accuracy()
		resp.SessionAccuracy = &acc
	}
	switch {
	case out.Attempt.TimedOut:
		resp.Message = appI18n.T(ctx, "TimedOut")
	case out.Attempt.Passed(h.practice.PassThreshold()):
		resp.Message = appI18n.T(ctx, "Correct")
	default:
		resp.Message = appI18n.T(ctx, "Incorrect")
	}
	switch {
	case err != nil:
		resp.Warning = appI18n.T(ctx, "AttemptNotSaved")
	case out.Duplicate:
		resp.Warning = appI18n.T(ctx, "AttemptAlreadyRecorded")
	case out.Session != nil && out.Session.Over():
		resp.Warning = appI18n.Td(ctx, "SessionOver", map[string]any{"Score": out.Session.Score})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMastery(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	records, err := h.store.MasteryRecords(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list := make([]model.MasteryRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	slices.SortFunc(list, func(a, b model.MasteryRecord) int { return cmp.Compare(a.ItemID, b.ItemID) })
	writeJSON(w, http.StatusOK, list)
}

type resetResponse struct {
	Record  model.MasteryRecord `json:"record"`
	Message string              `json:"message"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	itemID, err := idParam(r, "itemID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.practice.Reset(r.Context(), user.ID, itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Record: rec, Message: appI18n.T(r.Context(), "MasteryReset")})
}
