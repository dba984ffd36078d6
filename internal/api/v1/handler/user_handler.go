package handler

import (
	"encoding/json"
	"net/http"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/model"
	"researchdesk/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// SessionCloser ends a user's server-side session.
type SessionCloser interface {
	Close(userID string)
}

type UserHandler struct {
	userService service.UserService
	sessions    SessionCloser
	validate    *validator.Validate
	logger      zerolog.Logger
}

func NewUserHandler(userService service.UserService, sessions SessionCloser, v *validator.Validate, logger zerolog.Logger) *UserHandler {
	return &UserHandler{userService: userService, sessions: sessions, validate: v, logger: logger}
}

// RegisterRoutes mounts v1 user routes
func (h *UserHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/users/me", authMw(http.HandlerFunc(h.getUser)))
	mux.Handle("/users/me/preferences", authMw(http.HandlerFunc(h.updatePreferences)))
	mux.Handle("/users/me/signout", authMw(http.HandlerFunc(h.signOut)))
}

// getUser godoc
// @Summary Get the current user
// @Description Returns the signed-in user with their subscription, creating the record with the free trial on first sign-in.
// @Tags users
// @Produce json
// @Success 200 {object} dto.UserResponseDTO
// @Failure 401 {string} string "Unauthorized"
// @Router /users/me [get]
func (h *UserHandler) getUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(sess.User()), h.logger)
}

// signOut godoc
// @Summary Sign out
// @Description Closes the server-side session. The next authenticated request opens a fresh one.
// @Tags users
// @Success 204
// @Failure 401 {string} string "Unauthorized"
// @Router /users/me/signout [post]
func (h *UserHandler) signOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	h.sessions.Close(sess.UserID())
	h.logger.Info().Str("user_id", sess.UserID()).Msg("User signed out")
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPatch {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	var req dto.PreferencesUpdateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	prefs := model.Preferences{
		ResearchFocus:        req.ResearchFocus,
		NotificationsEnabled: req.NotificationsEnabled,
		Theme:                req.Theme,
	}
	if prefs.Theme == "" {
		prefs.Theme = model.DefaultPreferences().Theme
	}
	if err := h.userService.UpdatePreferences(r.Context(), sess.UserID(), prefs); err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := sess.Refresh(r.Context()); err != nil {
		h.logger.Warn().Err(err).Str("user_id", sess.UserID()).Msg("failed to refresh session")
	}
	writeJSON(w, http.StatusOK, newUserResponse(sess.User()), h.logger)
}

func newUserResponse(u model.User) dto.UserResponseDTO {
	return dto.UserResponseDTO{
		UserID:       u.UserID,
		Email:        u.Email,
		DisplayName:  u.DisplayName,
		PhotoURL:     u.PhotoURL,
		Subscription: dto.NewSubscriptionDTO(u.Subscription),
		Preferences:  u.Preferences,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}
