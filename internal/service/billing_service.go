package service

import (
	"context"
	"errors"
	"fmt"

	"researchdesk/internal/backend"
	"researchdesk/internal/config"
	"researchdesk/internal/model"
	"researchdesk/internal/repository"
	"researchdesk/internal/session"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownPlan        = errors.New("unknown plan")
	ErrPlanNotPurchasable = errors.New("plan cannot be purchased")
)

// BillingService starts hosted checkout and customer portal sessions.
type BillingService interface {
	CreateCheckoutSession(ctx context.Context, sess *session.Session, plan model.Plan, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, sess *session.Session, returnURL string) (string, error)
}

type billingService struct {
	client backend.Client
	hints  repository.PendingSubscriptionRepository
	prices map[model.Plan]string
	logger zerolog.Logger
}

// NewBillingService maps paid plans to the price IDs from config.
func NewBillingService(cfg *config.Config, client backend.Client, hints repository.PendingSubscriptionRepository, logger zerolog.Logger) BillingService {
	return &billingService{
		client: client,
		hints:  hints,
		prices: map[model.Plan]string{
			model.PlanStudent:    cfg.StripePriceStudent,
			model.PlanResearcher: cfg.StripePriceResearcher,
		},
		logger: logger.With().Str("service", "BillingService").Logger(),
	}
}

// CreateCheckoutSession records the pending plan before redirecting so reconciliation
// can recover it if the payment webhook is late.
func (s *billingService) CreateCheckoutSession(ctx context.Context, sess *session.Session, plan model.Plan, successURL, cancelURL string) (string, error) {
	if _, ok := model.Plans[plan]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlan, plan)
	}
	priceID := s.prices[plan]
	if !plan.IsPaid() || priceID == "" {
		return "", fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan)
	}
	userID := sess.UserID()

	if err := s.hints.Put(ctx, userID, plan); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to store pending subscription hint")
	}

	url, err := s.client.WithToken(sess.Token()).CreateCheckoutSession(ctx, backend.CheckoutRequest{
		UserID:     userID,
		PriceID:    priceID,
		PlanID:     plan,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		// No checkout happened; a stale hint must not feed a later reconciliation.
		_ = s.hints.Clear(ctx, userID)
		s.logger.Error().Err(err).Str("user_id", userID).Str("plan_id", string(plan)).Msg("Failed to create checkout session")
		return "", err
	}
	s.logger.Info().Str("user_id", userID).Str("plan_id", string(plan)).Msg("Checkout session created")
	return url, nil
}

func (s *billingService) CreatePortalSession(ctx context.Context, sess *session.Session, returnURL string) (string, error) {
	url, err := s.client.WithToken(sess.Token()).CreatePortalSession(ctx, sess.UserID(), returnURL)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", sess.UserID()).Msg("Failed to create portal session")
		return "", err
	}
	return url, nil
}
