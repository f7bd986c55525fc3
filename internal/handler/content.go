package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/model"
)

const maxUploadBytes = 10 << 20

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	filter, err := itemFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.store.ListItems(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req model.ItemImport
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := req.ToItem()
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.store.InsertItem(r.Context(), item)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err = h.store.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("item created", "id", id, "kind", item.Kind)
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "itemID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = h.store.DeleteItem(r.Context(), id)
	if model.IsValidation(err) {
		writeErrorMsg(w, r, http.StatusConflict, "ErrItemInUse")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importResponse struct {
	Imported  int    `json:"imported"`
	Unchanged bool   `json:"unchanged,omitempty"`
	Message   string `json:"message"`
}

func (h *Handler) handleUploadItems(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, model.Invalid("items_file", "file too large"))
		return
	}

	file, header, err := r.FormFile("items_file")
	if err != nil {
		writeError(w, r, model.Invalid("items_file", "no file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err)
		return
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	storedHash, err := h.store.GetImportedFileHash(header.Filename)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if storedHash == hash {
		writeJSON(w, http.StatusOK, importResponse{Unchanged: true, Message: appI18n.T(r.Context(), "FileUnchanged")})
		return
	}

	var batch []model.ItemImport
	if err := json.Unmarshal(data, &batch); err != nil {
		writeError(w, r, model.Invalid("items_file", "invalid JSON: %v", err))
		return
	}

	n, err := h.store.ImportItems(r.Context(), batch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SetImportedFileHash(header.Filename, hash); err != nil {
		slog.Error("failed to store import hash", "file", header.Filename, "error", err)
	}

	slog.Info("uploaded items", "file", header.Filename, "count", n)
	writeJSON(w, http.StatusCreated, importResponse{Imported: n, Message: appI18n.Tp(r.Context(), "ItemsImported", n)})
}

func (h *Handler) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.store.ListDistinctTopics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (h *Handler) handleCreateRoadmap(w http.ResponseWriter, r *http.Request) {
	var req model.Roadmap
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, model.Invalid("name", "must not be empty"))
		return
	}
	id, err := h.store.CreateRoadmap(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.ID = id
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	roadmapID, err := idParam(r, "roadmapID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.Lesson
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.RoadmapID = roadmapID
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, r, model.Invalid("title", "must not be empty"))
		return
	}
	id, err := h.store.CreateLesson(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.ID = id
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	cohort := r.URL.Query().Get("cohort")
	if cohort == "" {
		cohort = h.config.Cohort
	}
	exp, err := h.practice.ExportProgress(r.Context(), cohort)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="progress.json"`)
	writeJSON(w, http.StatusOK, exp)
}
