package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"researchdesk/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, Options{APITimeout: 2 * time.Second}, zerolog.Nop())
}

func TestUploadSendsMultipartForm(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "climate adaptation", r.FormValue("research_focus"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "paper.pdf", hdr.Filename)
		assert.Equal(t, "%PDF-1.4", string(data))

		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	}))

	id, err := c.Upload(context.Background(), UploadRequest{
		FileName:      "paper.pdf",
		ContentType:   "application/pdf",
		Data:          []byte("%PDF-1.4"),
		ResearchFocus: "climate adaptation",
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
}

func TestUploadSurfacesServerMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"PDF appears to be scanned and has no text layer"}`))
	}))

	_, err := c.Upload(context.Background(), UploadRequest{FileName: "scan.pdf", ContentType: "application/pdf"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "PDF appears to be scanned and has no text layer", apiErr.UserMessage())
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestStatusDecodesJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"processing","progress":51}`))
	}))

	job, err := c.Status(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", job.TaskID)
	assert.Equal(t, model.JobProcessing, job.Status)
	assert.Equal(t, 51, job.Progress)
}

func TestCheckSubscriptionNull(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-subscription/u1", r.URL.Path)
		_, _ = w.Write([]byte(`{"subscription":null}`))
	}))

	sub, err := c.CheckSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestForceSyncDecodesSubscription(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/force-sync-subscription/u1", r.URL.Path)
		_, _ = w.Write([]byte(`{"subscription":{"plan":"researcher","status":"active","entriesLimit":-1,"periodEnd":{"_seconds":1767225600,"_nanoseconds":0}}}`))
	}))

	sub, err := c.ForceSyncSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, model.PlanResearcher, sub.Plan)
	assert.True(t, sub.Unlimited())
	assert.Equal(t, int64(1767225600), sub.PeriodEnd.Unix())
}

func TestCheckoutAndPortal(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/create-checkout-session":
			assert.Equal(t, "price_student", body["price_id"])
			assert.Equal(t, "student", body["plan_id"])
			_, _ = w.Write([]byte(`{"checkout_url":"https://pay.example/c/1"}`))
		case "/create-portal-session":
			assert.Equal(t, "u1", body["user_id"])
			_, _ = w.Write([]byte(`{"url":"https://pay.example/p/1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})).WithToken("tok")

	checkoutURL, err := c.CreateCheckoutSession(context.Background(), CheckoutRequest{
		UserID:  "u1",
		PriceID: "price_student",
		PlanID:  model.PlanStudent,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/c/1", checkoutURL)

	portalURL, err := c.CreatePortalSession(context.Background(), "u1", "https://app.example/settings")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/p/1", portalURL)
}

func TestUnavailableStatusMapsToUserMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, "Our service is temporarily unavailable. Please try again in a few minutes.", UserMessage(err, ""))
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, Options{HealthTimeout: time.Second}, zerolog.Nop())
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, UserMessage(err, ""), "Unable to connect")
}

func TestGenerateAcceptsJobID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"gen-7"}`))
	}))

	id, err := c.Generate(context.Background(), GenerateRequest{UserID: "u1", Tier: model.ContentTierPro})
	require.NoError(t, err)
	assert.Equal(t, "gen-7", id)
}
