package service

import (
	"context"
	"errors"
	"sort"

	"researchdesk/internal/backend"
	"researchdesk/internal/config"
	"researchdesk/internal/model"
	"researchdesk/internal/pubsub"
	"researchdesk/internal/reconcile"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/rs/zerolog"
)

var ErrQuotaExceeded = repository.ErrQuotaExceeded

// SubscriptionService defines business logic methods for subscriptions.
type SubscriptionService interface {
	// CheckQuota returns ErrQuotaExceeded when the user cannot create another entry.
	CheckQuota(ctx context.Context, userID string) (*model.Subscription, error)
	// Reconcile converges the user's subscription after a checkout. Notices go to n, or
	// to the log when n is nil.
	Reconcile(ctx context.Context, sess *session.Session, claimed model.Plan, n reconcile.Notifier) reconcile.Result
	Plans() []model.PlanDetails
}

type subscriptionService struct {
	userRepo  repository.UserRepository
	usageRepo repository.UsageRepository
	client    backend.Client
	hints     repository.PendingSubscriptionRepository
	events    pubsub.EventSink
	cfg       reconcile.Config
	logger    zerolog.Logger
}

// NewSubscriptionService creates a new SubscriptionService with a scoped logger.
func NewSubscriptionService(cfg *config.Config, userRepo repository.UserRepository, usageRepo repository.UsageRepository,
	client backend.Client, hints repository.PendingSubscriptionRepository, events pubsub.EventSink, logger zerolog.Logger) SubscriptionService {
	return &subscriptionService{
		userRepo:  userRepo,
		usageRepo: usageRepo,
		client:    client,
		hints:     hints,
		events:    events,
		cfg: reconcile.Config{
			MaxAttempts:       cfg.ReconcileMaxAttempts,
			Interval:          cfg.ReconcileInterval,
			SynthesizedPeriod: cfg.SynthesizedPeriod,
		},
		logger: logger.With().Str("service", "SubscriptionService").Logger(),
	}
}

func (s *subscriptionService) CheckQuota(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := s.usageRepo.CheckQuota(ctx, userID)
	if err != nil && !errors.Is(err, ErrQuotaExceeded) {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to check quota")
	}
	return sub, err
}

func (s *subscriptionService) Reconcile(ctx context.Context, sess *session.Session, claimed model.Plan, n reconcile.Notifier) reconcile.Result {
	r := reconcile.New(reconcile.Deps{
		Store:     s.userRepo,
		Sources:   reconcile.DefaultSources(s.client.WithToken(sess.Token())),
		Hints:     s.hints,
		Notifier:  n,
		Refresher: sess,
		Events:    s.events,
		Logger:    s.logger,
	}, s.cfg)
	return r.Reconcile(ctx, sess.UserID(), claimed)
}

// Plans returns the catalog ordered by price.
func (s *subscriptionService) Plans() []model.PlanDetails {
	plans := make([]model.PlanDetails, 0, len(model.Plans))
	for _, p := range model.Plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].PriceCents != plans[j].PriceCents {
			return plans[i].PriceCents < plans[j].PriceCents
		}
		return plans[i].ID < plans[j].ID
	})
	return plans
}
