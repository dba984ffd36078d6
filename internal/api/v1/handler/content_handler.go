package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/model"
	"researchdesk/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type ContentHandler struct {
	content  service.ContentService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewContentHandler(content service.ContentService, v *validator.Validate, logger zerolog.Logger) *ContentHandler {
	return &ContentHandler{content: content, validate: v, logger: logger}
}

func (h *ContentHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/content", authMw(http.HandlerFunc(h.listJobs)))
	mux.Handle("/content/", authMw(http.HandlerFunc(h.handleContent)))
}

func (h *ContentHandler) handleContent(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/content/"), "/")
	switch {
	case rest == "generate" && r.Method == http.MethodPost:
		h.generate(w, r)
	case rest == "" || strings.Contains(rest, "/"):
		http.NotFound(w, r)
	case r.Method == http.MethodGet:
		h.getJob(w, r, rest)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// generate godoc
// @Summary Generate content from bibliography entries
// @Tags content
// @Accept json
// @Produce json
// @Param request body dto.ContentGenerateRequest true "Generation request"
// @Success 201 {object} dto.ContentJobResponseDTO
// @Failure 402 {string} string "Plan limit reached"
// @Failure 504 {string} string "Processing timeout"
// @Router /content/generate [post]
func (h *ContentHandler) generate(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	var req dto.ContentGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, _, err := h.content.Generate(r.Context(), sess, service.GenerateRequest{
		SourceIDs:       req.SourceIDs,
		Outline:         req.Outline,
		Settings:        req.Settings,
		Tier:            model.ContentTier(req.Tier),
		PaymentIntentID: req.PaymentIntentID,
	}, nil)
	if err != nil {
		writeError(w, err, h.logger.With().Str("user_id", sess.UserID()).Logger())
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewContentJobResponse(job), h.logger)
}

func (h *ContentHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	jobs, err := h.content.List(r.Context(), sess.UserID(), parseLimit(r))
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	resp := make([]dto.ContentJobResponseDTO, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, dto.NewContentJobResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *ContentHandler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	job, err := h.content.Get(r.Context(), sess.UserID(), id)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewContentJobResponse(job), h.logger)
}
