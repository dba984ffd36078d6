package handler

import (
	"encoding/json"
	"net/http"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/service"

	"github.com/rs/zerolog"
)

type SupportHandler struct {
	support service.SupportService
	logger  zerolog.Logger
}

func NewSupportHandler(support service.SupportService, logger zerolog.Logger) *SupportHandler {
	return &SupportHandler{support: support, logger: logger}
}

func (h *SupportHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/support", authMw(http.HandlerFunc(h.submit)))
}

func (h *SupportHandler) submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	var req dto.SupportCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	// The service trims and validates.
	m, err := h.support.Submit(r.Context(), sess, service.SupportRequest{
		Subject:  req.Subject,
		Message:  req.Message,
		Category: req.Category,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, dto.SupportResponseDTO{
		ID:        m.ID,
		Subject:   m.Subject,
		Category:  m.Category,
		Priority:  m.Priority,
		CreatedAt: m.CreatedAt,
	}, h.logger)
}
