package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/toeicprep/toeic/internal/model"
)

type tokenIDKey struct{}

// requireAuth is middleware that checks for a valid, unrevoked bearer token.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		claims, err := h.tokens.Parse(token)
		if err != nil {
			slog.Debug("rejected token", "error", err)
			writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(claims.ID)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		if uid, err := claims.UserID(); authSess == nil || err != nil || uid != authSess.UserID {
			writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		ctx = context.WithValue(ctx, tokenIDKey{}, claims.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeErrorMsg(w, r, http.StatusUnauthorized, "ErrUnauthorized")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErrorMsg(w, r, http.StatusForbidden, "ErrForbidden")
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeErrorMsg(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if user == nil {
		writeErrorMsg(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeErrorMsg(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if !user.Active {
		writeErrorMsg(w, r, http.StatusForbidden, "ErrAccountDisabled")
		return
	}

	token, id, err := h.tokens.Issue(user)
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		writeErrorMsg(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	sess, err := h.store.CreateAuthSession(id, user.ID, h.tokens.TTL())
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeErrorMsg(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}

	slog.Info("user logged in", "user", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: sess.ExpiresAt, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := r.Context().Value(tokenIDKey{}).(string); ok {
		if err := h.store.DeleteAuthSession(id); err != nil {
			slog.Error("failed to revoke auth session", "error", err)
		}
	}
	writeMessage(w, r, http.StatusOK, "LoggedOut")
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}
