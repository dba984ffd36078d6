package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/poller"
	"researchdesk/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// EntryHandler serves document analysis and the bibliography.
type EntryHandler struct {
	entries        service.BibliographyService
	exports        service.ExportService
	validate       *validator.Validate
	maxUploadBytes int64
	logger         zerolog.Logger
}

func NewEntryHandler(entries service.BibliographyService, exports service.ExportService, v *validator.Validate,
	maxUploadBytes int64, logger zerolog.Logger) *EntryHandler {
	return &EntryHandler{
		entries:        entries,
		exports:        exports,
		validate:       v,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

func (h *EntryHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/entries", authMw(http.HandlerFunc(h.listEntries)))
	mux.Handle("/entries/", authMw(http.HandlerFunc(h.handleEntry)))
}

func (h *EntryHandler) handleEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/entries/"), "/")
	switch {
	case rest == "analyze" && r.Method == http.MethodPost:
		h.analyze(w, r)
	case rest == "export" && r.Method == http.MethodGet:
		h.export(w, r)
	case rest == "" || strings.Contains(rest, "/"):
		http.NotFound(w, r)
	case r.Method == http.MethodGet:
		h.getEntry(w, r, rest)
	case r.Method == http.MethodPatch || r.Method == http.MethodPut:
		h.updateEntry(w, r, rest)
	case r.Method == http.MethodDelete:
		h.deleteEntry(w, r, rest)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// analyze godoc
// @Summary Analyze a document
// @Description Uploads a PDF, waits for the analysis and saves it as a bibliography entry. Counts one entry against the plan quota.
// @Tags entries
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "PDF document"
// @Param research_focus formData string true "Research focus (3-100 characters)"
// @Success 201 {object} dto.AnalyzeResponseDTO
// @Failure 400 {string} string "Invalid upload"
// @Failure 402 {string} string "Plan limit reached"
// @Failure 502 {string} string "Processing failed"
// @Failure 504 {string} string "Processing timeout"
// @Router /entries/analyze [post]
func (h *EntryHandler) analyze(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}

	// Leave room for the form fields; the poller enforces the file limit itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("File size must be less than %dMB", h.maxUploadBytes>>20), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Please select a file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	lg := h.logger.With().Str("user_id", sess.UserID()).Logger()
	obs := poller.ObserverFuncs{
		Progress: func(step, progress int) {
			lg.Debug().Int("step", step).Int("progress", progress).Msg("analysis progress")
		},
	}
	entry, out, err := h.entries.Analyze(r.Context(), sess, poller.Input{
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Data:          data,
		ResearchFocus: r.FormValue("research_focus"),
	}, obs)
	if err != nil {
		writeError(w, err, lg)
		return
	}

	writeJSON(w, http.StatusCreated, dto.AnalyzeResponseDTO{
		TaskID:       out.TaskID,
		Entry:        dto.NewEntryResponse(entry),
		Subscription: dto.NewSubscriptionDTO(sess.Subscription()),
	}, h.logger)
}

// listEntries godoc
// @Summary List bibliography entries
// @Description Returns the user's entries, newest first. With q set, only entries whose citation, overview or focus contains q.
// @Tags entries
// @Produce json
// @Param q query string false "Search term"
// @Param limit query int false "Maximum number of entries" default(50)
// @Success 200 {array} dto.EntryResponseDTO
// @Router /entries [get]
func (h *EntryHandler) listEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	entries, err := h.entries.List(r.Context(), sess.UserID(), r.URL.Query().Get("q"), parseLimit(r))
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	resp := make([]dto.EntryResponseDTO, 0, len(entries))
	for i := range entries {
		resp = append(resp, dto.NewEntryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *EntryHandler) getEntry(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	entry, err := h.entries.Get(r.Context(), sess.UserID(), id)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewEntryResponse(entry), h.logger)
}

func (h *EntryHandler) updateEntry(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	var req dto.EntryUpdateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := h.entries.Update(r.Context(), sess.UserID(), id, req.ToModel())
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewEntryResponse(entry), h.logger)
}

func (h *EntryHandler) deleteEntry(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	if err := h.entries.Delete(r.Context(), sess.UserID(), id); err != nil {
		writeError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// export godoc
// @Summary Export entries as a Word document
// @Description Streams a .docx with the selected entries (all entries when ids is empty). With upload=true the file is stored and a time-limited link is returned instead.
// @Tags entries
// @Produce application/vnd.openxmlformats-officedocument.wordprocessingml.document
// @Param ids query string false "Comma-separated entry IDs"
// @Param upload query bool false "Return a download link"
// @Success 200 {file} file
// @Router /entries/export [get]
func (h *EntryHandler) export(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(w, r)
	if !ok {
		return
	}
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	upload, _ := strconv.ParseBool(r.URL.Query().Get("upload"))

	file, err := h.exports.Export(r.Context(), sess.UserID(), ids, upload)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if upload {
		writeJSON(w, http.StatusOK, dto.ExportResponseDTO{URL: file.URL, FileName: file.FileName, Entries: file.Entries}, h.logger)
		return
	}
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	if _, err := w.Write(file.Data); err != nil {
		h.logger.Error().Err(err).Msg("failed to write export")
	}
}
