package middleware

import (
	"context"
	"net/http"
	"strings"

	"researchdesk/internal/session"
	"researchdesk/internal/util"

	"github.com/rs/zerolog"
)

// Injected key type to avoid context collisions
type contextKey string

const UserContextKey = contextKey("user")

// SessionOpener returns the open session for a verified identity.
type SessionOpener interface {
	Open(ctx context.Context, id session.Identity, token string) (*session.Session, error)
}

// AuthMiddleware verifies the bearer token and attaches the user's session to the request.
func AuthMiddleware(jwtSecret string, sessions SessionOpener, logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("service", "AuthMiddleware").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Error().Msg("Authorization header missing")
				http.Error(w, "Authorization header missing", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.Error().Msg("Invalid authorization header")
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := parts[1]
			claims, err := util.ValidateJWT(tokenString, jwtSecret)
			if err != nil {
				logger.Error().Msgf("Invalid token: %+v", err)
				http.Error(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			sess, err := sessions.Open(r.Context(), session.Identity{
				UserID:      claims.Subject,
				Email:       claims.Email,
				DisplayName: claims.Name,
			}, tokenString)
			if err != nil {
				logger.Error().Err(err).Str("user_id", claims.Subject).Msg("Failed to open session")
				http.Error(w, "Failed to load user", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims.Subject)
			ctx = session.WithSession(ctx, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
