package router

import (
	"net/http"
	"strings"

	"researchdesk/internal/api/v1/handler"
	"researchdesk/internal/app"
	"researchdesk/internal/middleware"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// New mounts every v1 handler on a ServeMux and wraps it with CORS and request logging.
func New(a *app.App, logger zerolog.Logger) http.Handler {
	logger.Info().Msg("Router initialized")
	cfg := a.Config

	userHandler := handler.NewUserHandler(a.Users, a.Sessions, a.Validate, logger)
	entryHandler := handler.NewEntryHandler(a.Entries, a.Exports, a.Validate, cfg.MaxUploadBytes, logger)
	contentHandler := handler.NewContentHandler(a.Content, a.Validate, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(a.Billing, a.Subscriptions, a.Validate, logger)
	supportHandler := handler.NewSupportHandler(a.Support, logger)

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, a.Sessions, logger)

	mux := http.NewServeMux()

	apiV1Mux := http.NewServeMux()
	userHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	entryHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	contentHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	subscriptionHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	supportHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	// Mount the API v1 routes under /v1
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			logger.Error().Err(err).Msg("Health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Generated by `swag init`; served as static files.
	mux.HandleFunc("/swagger/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./docs/swagger/swagger.json")
	})
	mux.Handle("/swagger/", http.StripPrefix("/swagger/", http.FileServer(http.Dir("./docs/swagger/swagger-ui"))))

	// Redirect /api/* to /v1/* for backward compatibility
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/")
		http.Redirect(w, r, "/v1/"+rest, http.StatusMovedPermanently)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux))
}
