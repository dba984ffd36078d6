package service

import (
	"context"
	"errors"
	"fmt"

	"researchdesk/internal/config"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

var (
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrPaymentNotOwned     = errors.New("payment belongs to a different user")
)

// PaymentVerifier confirms a content generation payment with Stripe before any work starts.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, userID, paymentIntentID string) (*stripe.PaymentIntent, error)
}

// paymentIntents is the part of the Stripe payment intent client used here.
type paymentIntents interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripePaymentVerifier struct {
	intents paymentIntents
	logger  zerolog.Logger
}

// NewPaymentVerifier returns nil when no Stripe secret key is configured; payments are then
// only checked by the backend.
func NewPaymentVerifier(cfg *config.Config, logger zerolog.Logger) PaymentVerifier {
	if cfg.StripeSecretKey == "" {
		return nil
	}
	client := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.StripeSecretKey}
	return newPaymentVerifier(client, logger)
}

func newPaymentVerifier(intents paymentIntents, logger zerolog.Logger) *stripePaymentVerifier {
	return &stripePaymentVerifier{
		intents: intents,
		logger:  logger.With().Str("service", "PaymentVerifier").Logger(),
	}
}

// VerifyPayment retrieves the intent from Stripe rather than trusting the caller, and
// checks that it succeeded and was created for userID.
func (v *stripePaymentVerifier) VerifyPayment(ctx context.Context, userID, paymentIntentID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := v.intents.Get(paymentIntentID, params)
	if err != nil {
		v.logger.Error().Err(err).Str("payment_intent_id", paymentIntentID).Msg("Failed to retrieve payment intent")
		return nil, fmt.Errorf("retrieving payment intent %s: %w", paymentIntentID, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotCompleted, pi.Status)
	}
	if pi.Metadata["user_id"] != userID {
		v.logger.Warn().Str("user_id", userID).Str("payment_intent_id", paymentIntentID).Msg("Payment intent owned by another user")
		return nil, ErrPaymentNotOwned
	}
	v.logger.Info().Str("user_id", userID).Str("payment_intent_id", paymentIntentID).
		Int64("amount", pi.Amount).Str("currency", string(pi.Currency)).Msg("Payment verified")
	return pi, nil
}
