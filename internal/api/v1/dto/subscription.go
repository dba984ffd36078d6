package dto

import (
	"time"

	"researchdesk/internal/model"
)

// SubscriptionDTO is the subscription as shown to the user.
type SubscriptionDTO struct {
	Plan             string     `json:"plan"`
	PlanName         string     `json:"plan_name"`
	Status           string     `json:"status"`
	EntriesUsed      int        `json:"entries_used"`
	EntriesLimit     int        `json:"entries_limit"`
	EntriesRemaining int        `json:"entries_remaining"`
	Unlimited        bool       `json:"unlimited"`
	IsLifetime       bool       `json:"is_lifetime"`
	PeriodEnd        *time.Time `json:"period_end,omitempty"`
}

// NewSubscriptionDTO maps the embedded subscription to its response shape.
func NewSubscriptionDTO(s model.Subscription) SubscriptionDTO {
	d := SubscriptionDTO{
		Plan:             string(s.Plan),
		PlanName:         s.Plan.DisplayName(),
		Status:           string(s.Status),
		EntriesUsed:      s.EntriesUsed,
		EntriesLimit:     s.EntriesLimit,
		EntriesRemaining: s.EntriesRemaining,
		Unlimited:        s.Unlimited(),
		IsLifetime:       s.IsLifetime,
	}
	if !s.PeriodEnd.IsZero() {
		t := s.PeriodEnd.Time
		d.PeriodEnd = &t
	}
	return d
}

// SubscriptionCheckoutRequest starts a hosted checkout for a paid plan.
type SubscriptionCheckoutRequest struct {
	Plan       string `json:"plan" validate:"required,oneof=student researcher"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

// SubscriptionPortalRequest opens the customer portal.
type SubscriptionPortalRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// SubscriptionRefreshRequest re-runs reconciliation; Plan is the plan just paid for, if known.
type SubscriptionRefreshRequest struct {
	Plan string `json:"plan" validate:"omitempty,oneof=trial free student researcher"`
}

type SubscriptionRefreshResponse struct {
	Converged    bool            `json:"converged"`
	Synthesized  bool            `json:"synthesized"`
	Attempts     int             `json:"attempts"`
	Notice       *model.Notice   `json:"notice,omitempty"`
	Subscription SubscriptionDTO `json:"subscription"`
}

type URLResponse struct {
	URL string `json:"url"`
}
