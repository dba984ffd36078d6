package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"researchdesk/internal/model"
	"researchdesk/internal/session"
	"researchdesk/internal/util"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type loaderFunc func(ctx context.Context, id session.Identity) (*model.User, error)

func (f loaderFunc) LoadUser(ctx context.Context, id session.Identity) (*model.User, error) {
	return f(ctx, id)
}

func newManager(err error) *session.Manager {
	return session.NewManager(loaderFunc(func(_ context.Context, id session.Identity) (*model.User, error) {
		if err != nil {
			return nil, err
		}
		return &model.User{UserID: id.UserID, Email: id.Email, Subscription: model.NewTrialSubscription()}, nil
	}), session.ManagerConfig{}, zerolog.Nop())
}

func TestAuthMiddlewareAttachesSession(t *testing.T) {
	token, err := util.IssueJWT("u1", "u1@example.com", secret, time.Hour)
	require.NoError(t, err)

	var got *session.Session
	h := AuthMiddleware(secret, newManager(nil), zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = session.FromContext(r.Context())
		assert.Equal(t, "u1", r.Context().Value(UserContextKey))
	}))

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID())
	assert.Equal(t, token, got.Token())
}

func TestAuthMiddlewareRejects(t *testing.T) {
	expired, err := util.IssueJWT("u1", "", secret, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := util.IssueJWT("u1", "", "other", time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"expired":        "Bearer " + expired,
		"wrong key":      "Bearer " + wrongKey,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h := AuthMiddleware(secret, newManager(nil), zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestAuthMiddlewareSessionLoadFailure(t *testing.T) {
	token, err := util.IssueJWT("u1", "", secret, time.Hour)
	require.NoError(t, err)
	h := AuthMiddleware(secret, newManager(errors.New("db down")), zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLoggerMiddlewarePassesThrough(t *testing.T) {
	h := LoggerMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
