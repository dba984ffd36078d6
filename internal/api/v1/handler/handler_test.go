package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/backend"
	"researchdesk/internal/model"
	"researchdesk/internal/poller"
	"researchdesk/internal/reconcile"
	"researchdesk/internal/service"
	"researchdesk/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userLoader struct{}

func (userLoader) LoadUser(_ context.Context, id session.Identity) (*model.User, error) {
	return &model.User{UserID: id.UserID, Subscription: model.NewTrialSubscription()}, nil
}

func passThrough(next http.Handler) http.Handler { return next }

// withSession attaches a session for userID, standing in for the auth middleware.
func withSession(t *testing.T, r *http.Request, userID string) *http.Request {
	t.Helper()
	sess, err := session.New(r.Context(), session.Identity{UserID: userID}, "token", userLoader{})
	require.NoError(t, err)
	return r.WithContext(session.WithSession(r.Context(), sess))
}

type stubEntries struct {
	service.BibliographyService
	entries map[string]model.BibliographyEntry
	deleted []string
	query   string
}

func (s *stubEntries) List(_ context.Context, _ string, query string, _ int) ([]model.BibliographyEntry, error) {
	s.query = query
	out := []model.BibliographyEntry{}
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *stubEntries) Get(_ context.Context, userID, id string) (*model.BibliographyEntry, error) {
	e, ok := s.entries[id]
	if !ok || e.UserID != userID {
		return nil, service.ErrEntryNotFound
	}
	return &e, nil
}

func (s *stubEntries) Update(ctx context.Context, userID, id string, upd model.EntryUpdate) (*model.BibliographyEntry, error) {
	e, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	upd.Apply(e)
	return e, nil
}

func (s *stubEntries) Delete(_ context.Context, _, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubExports struct {
	ids    []string
	upload bool
}

func (s *stubExports) Export(_ context.Context, _ string, ids []string, upload bool) (*service.ExportFile, error) {
	s.ids, s.upload = ids, upload
	if upload {
		return nil, service.ErrStorageDisabled
	}
	return &service.ExportFile{FileName: "annotated-bibliography-1.docx", ContentType: "application/test", Data: []byte("doc"), Entries: len(ids)}, nil
}

func newEntryMux(entries *stubEntries, exports *stubExports) *http.ServeMux {
	mux := http.NewServeMux()
	NewEntryHandler(entries, exports, validator.New(), 10<<20, zerolog.Nop()).RegisterRoutes(mux, passThrough)
	return mux
}

func TestEntryRoutes(t *testing.T) {
	entries := &stubEntries{entries: map[string]model.BibliographyEntry{
		"e1": {ID: "e1", UserID: "u1", Citation: json.RawMessage(`"Smith (2020)"`), NarrativeOverview: "old"},
	}}
	mux := newEntryMux(entries, &stubExports{})

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries/e1", nil), "u1"))
		require.Equal(t, http.StatusOK, rec.Code)
		var got dto.EntryResponseDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, "Smith (2020)", got.CitationText)
	})

	t.Run("other users get 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries/e1", nil), "u2"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("patch", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"narrative_overview": "new"}`)
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodPatch, "/entries/e1", body), "u1"))
		require.Equal(t, http.StatusOK, rec.Code)
		var got dto.EntryResponseDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, "new", got.NarrativeOverview)
	})

	t.Run("patch rejects short focus", func(t *testing.T) {
		rec := httptest.NewRecorder()
		body := strings.NewReader(`{"research_focus": "x"}`)
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodPatch, "/entries/e1", body), "u1"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodDelete, "/entries/e1", nil), "u1"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"e1"}, entries.deleted)
	})

	t.Run("list passes search term", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries?q=sleep&limit=5", nil), "u1"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sleep", entries.query)
	})

	t.Run("nested paths are not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries/e1/extra", nil), "u1"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/entries/e1", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestExportRoute(t *testing.T) {
	exports := &stubExports{}
	mux := newEntryMux(&stubEntries{}, exports)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries/export?ids=e1,%20e2,,", nil), "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"e1", "e2"}, exports.ids)
	assert.Equal(t, "application/test", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "annotated-bibliography-1.docx")
	assert.Equal(t, "doc", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/entries/export?upload=true", nil), "u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, exports.upload)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"quota", fmt.Errorf("check: %w", service.ErrQuotaExceeded), http.StatusPaymentRequired, "You have reached your plan limit. Please upgrade your plan."},
		{"invalid upload", &poller.UploadError{Message: "Please upload a PDF file", Err: poller.ErrInvalidInput}, http.StatusBadRequest, "Please upload a PDF file"},
		{"upload transport", &poller.UploadError{Message: "Failed to upload file. Please try again.", Err: errors.New("eof")}, http.StatusBadGateway, "Failed to upload file. Please try again."},
		{"timeout", poller.ErrTimeout, http.StatusGatewayTimeout, "Processing timeout. Please try again."},
		{"job failed", poller.ErrJobFailed, http.StatusBadGateway, "Processing failed. Please try again."},
		{"payment pending", fmt.Errorf("%w: status processing", service.ErrPaymentNotCompleted), http.StatusPaymentRequired, "Payment not completed. Please finish payment and try again."},
		{"payment of another user", service.ErrPaymentNotOwned, http.StatusForbidden, "Unauthorized - payment belongs to a different user"},
		{"not found", service.ErrEntryNotFound, http.StatusNotFound, "entry not found"},
		{"unknown plan", service.ErrUnknownPlan, http.StatusBadRequest, "unknown plan"},
		{"backend down", &backend.APIError{Op: "status", StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable, "Our service is temporarily unavailable. Please try again in a few minutes."},
		{"backend rejected", &backend.APIError{Op: "checkout", StatusCode: http.StatusBadRequest, Message: "bad price"}, http.StatusBadGateway, "bad price"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "Something went wrong. Please try again."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := errorStatus(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.msg, msg)
		})
	}
}

func TestParseLimit(t *testing.T) {
	for query, want := range map[string]int{"": 50, "limit=0": 50, "limit=abc": 50, "limit=20": 20, "limit=1000": 200} {
		r := httptest.NewRequest(http.MethodGet, "/entries?"+query, nil)
		assert.Equal(t, want, parseLimit(r), query)
	}
}

type recordingCloser struct{ closed []string }

func (c *recordingCloser) Close(userID string) { c.closed = append(c.closed, userID) }

func TestSignOutClosesSession(t *testing.T) {
	closer := &recordingCloser{}
	mux := http.NewServeMux()
	NewUserHandler(nil, closer, validator.New(), zerolog.Nop()).RegisterRoutes(mux, passThrough)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodPost, "/users/me/signout", nil), "u1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"u1"}, closer.closed)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(t, httptest.NewRequest(http.MethodGet, "/users/me/signout", nil), "u1"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// noticeSubscriptions reports the claimed plan back as the reconcile notice.
type noticeSubscriptions struct {
	service.SubscriptionService
}

func (noticeSubscriptions) Reconcile(ctx context.Context, _ *session.Session, claimed model.Plan, n reconcile.Notifier) reconcile.Result {
	n.Notify(ctx, model.Notice{Level: model.NoticeInfo, Message: string(claimed)})
	return reconcile.Result{}
}

func TestRefreshReturnsOwnNotice(t *testing.T) {
	mux := http.NewServeMux()
	NewSubscriptionHandler(nil, noticeSubscriptions{}, validator.New(), zerolog.Nop()).RegisterRoutes(mux, passThrough)

	// Both requests share one session, like two tabs of the same user.
	sess, err := session.New(context.Background(), session.Identity{UserID: "u1"}, "token", userLoader{})
	require.NoError(t, err)
	refresh := func(plan string) dto.SubscriptionRefreshResponse {
		req := httptest.NewRequest(http.MethodPost, "/subscription/refresh", strings.NewReader(`{"plan":"`+plan+`"}`))
		req = req.WithContext(session.WithSession(req.Context(), sess))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.SubscriptionRefreshResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp
	}

	a, b := refresh("student"), refresh("researcher")
	require.NotNil(t, a.Notice)
	require.NotNil(t, b.Notice)
	assert.Equal(t, "student", a.Notice.Message)
	assert.Equal(t, "researcher", b.Notice.Message)
}
