package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/toeicprep/toeic/internal/i18n"
	"github.com/toeicprep/toeic/internal/model"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

type createUserResponse struct {
	User    model.User `json:"user"`
	Message string     `json:"message"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, model.Invalid("user", "username and password required"))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleLearner
	case model.UserRoleLearner, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		writeError(w, r, model.Invalid("role", "unknown role %q", req.Role))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeErrorMsg(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}

	u := model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	}
	id, err := h.store.CreateUser(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u.ID = id
	writeJSON(w, http.StatusCreated, createUserResponse{
		User:    u,
		Message: appI18n.Td(r.Context(), "UserCreated", map[string]any{"Username": u.Username}),
	})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.ToggleUserActive(id); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("toggled user", "id", id, "active", u.Active)
	writeJSON(w, http.StatusOK, u)
}
