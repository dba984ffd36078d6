// Package app wires configuration, storage and services for the API server and the CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"researchdesk/internal/backend"
	"researchdesk/internal/config"
	"researchdesk/internal/pgmq"
	"researchdesk/internal/poller"
	"researchdesk/internal/pubsub"
	"researchdesk/internal/repository"
	"researchdesk/internal/service"
	"researchdesk/internal/session"
	"researchdesk/internal/storage"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// App holds the long-lived dependencies shared by every request.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Validate *validator.Validate
	Sessions *session.Manager
	// Queue is set when events are published to the pgmq queue.
	Queue *pgmq.Client

	Users         service.UserService
	Subscriptions service.SubscriptionService
	Billing       service.BillingService
	Entries       service.BibliographyService
	Content       service.ContentService
	Support       service.SupportService
	Exports       service.ExportService

	closers []func() error
}

// New opens the database and builds every service. Optional integrations (Pub/Sub or
// the pgmq queue, Secret Manager, S3) are skipped when their settings are empty.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("Database connection successful")
	a := &App{Config: cfg, DB: db, closers: []func() error{db.Close}}

	events := pubsub.EventSink(pubsub.NopSink{})
	if cfg.EventsEnabled() {
		pub, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Pub/Sub publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		events = pubsub.NewEventSink(pub, cfg.PubSubEventsTopic, logger)
	} else if cfg.QueueEventsEnabled() {
		a.Queue = pgmq.New(db)
		if err := a.Queue.CreateQueue(ctx, cfg.EventsQueue); err != nil {
			a.Close()
			return nil, err
		}
		events = pubsub.NewEventSink(a.Queue, cfg.EventsQueue, logger)
	}

	client := backend.NewClient(cfg.APIBaseURL, backend.Options{
		APITimeout:    cfg.APITimeout,
		UploadTimeout: cfg.UploadTimeout,
		HealthTimeout: cfg.HealthTimeout,
	}, logger)
	if cfg.APITokenSecretName != "" && cfg.GCPProjectID != "" {
		token, err := serviceToken(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		client = client.WithToken(token)
	}

	var store storage.ObjectStore
	if cfg.StorageEnabled() {
		if store, err = storage.NewS3Store(ctx, cfg, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	userRepo := repository.NewUserRepo(db)
	usageRepo := repository.NewUsageRepo(db)
	entryRepo := repository.NewBibliographyRepo(db)
	jobRepo := repository.NewContentJobRepo(db)
	supportRepo := repository.NewSupportRepo(db)
	hints := repository.NewPendingSubscriptionRepo(db, cfg.PendingHintTTL)

	jobs := poller.New(client, poller.Config{
		Interval:       cfg.PollInterval,
		Timeout:        cfg.PollTimeout,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RetryTransient: cfg.PollRetryTransient,
	}, events, logger)

	a.Validate = validator.New(validator.WithRequiredStructEnabled())
	a.Users = service.NewUserService(userRepo, logger)
	a.Sessions = session.NewManager(a.Users, session.ManagerConfig{
		RefreshAfter: cfg.SessionRefreshAfter,
		IdleTimeout:  cfg.SessionIdleTimeout,
	}, logger)
	a.Subscriptions = service.NewSubscriptionService(cfg, userRepo, usageRepo, client, hints, events, logger)
	a.Billing = service.NewBillingService(cfg, client, hints, logger)
	a.Entries = service.NewBibliographyService(entryRepo, usageRepo, a.Subscriptions, jobs, logger)
	a.Content = service.NewContentService(jobRepo, entryRepo, usageRepo, a.Subscriptions, service.NewPaymentVerifier(cfg, logger), jobs, logger)
	a.Support = service.NewSupportService(supportRepo, a.Validate, logger)
	a.Exports = service.NewExportService(entryRepo, store, logger)
	return a, nil
}

// Close releases the database and integration clients.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

func serviceToken(ctx context.Context, cfg *config.Config) (string, error) {
	secrets, err := service.NewSecretManagerService(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer secrets.Close()
	token, err := secrets.GetSecret(ctx, cfg.APITokenSecretName)
	if err != nil {
		return "", fmt.Errorf("failed to load backend API token: %w", err)
	}
	return token, nil
}

// OpenDB opens and pings the Postgres pool.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open DB connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// DSN adjusts the connection string for the environment: SSL is disabled for local
// development, and the simple query protocol is used behind transaction poolers.
func DSN(cfg *config.Config) string {
	dsn := cfg.DBConnectionString
	isURL := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	appendParam := func(param string) {
		switch {
		case !isURL:
			dsn += " " + param
		case strings.Contains(dsn, "?"):
			dsn += "&" + param
		default:
			dsn += "?" + param
		}
	}
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		appendParam("sslmode=disable")
	}
	if cfg.Environment != "development" && !strings.Contains(dsn, "prefer_simple_protocol") {
		appendParam("prefer_simple_protocol=true")
	}
	return dsn
}
