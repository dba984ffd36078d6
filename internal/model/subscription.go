package model

import (
	"time"

	"researchdesk/internal/util"

	"github.com/stripe/stripe-go/v82"
)

// Plan identifies a subscription plan.
type Plan string

const (
	PlanTrial      Plan = "trial"
	PlanFree       Plan = "free"
	PlanStudent    Plan = "student"
	PlanResearcher Plan = "researcher"
)

// UnlimitedEntries is the EntriesLimit value for plans without a quota.
const UnlimitedEntries = -1

// TrialEntriesLimit is the lifetime quota granted at account creation.
const TrialEntriesLimit = 5

// PlanDetails describes the quota attached to a plan.
type PlanDetails struct {
	ID           Plan   `json:"id"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	EntriesLimit int    `json:"entries_limit"`
	IsLifetime   bool   `json:"is_lifetime"`
}

// Plans is the catalog of known plans.
var Plans = map[Plan]PlanDetails{
	PlanTrial:      {ID: PlanTrial, Name: "Free Trial", EntriesLimit: TrialEntriesLimit, IsLifetime: true},
	PlanFree:       {ID: PlanFree, Name: "Free", EntriesLimit: TrialEntriesLimit, IsLifetime: true},
	PlanStudent:    {ID: PlanStudent, Name: "Student", PriceCents: 999, EntriesLimit: 20},
	PlanResearcher: {ID: PlanResearcher, Name: "Researcher", PriceCents: 1999, EntriesLimit: UnlimitedEntries},
}

// ParsePlan returns the plan named by s, if it is in the catalog.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(s)
	_, ok := Plans[p]
	return p, ok
}

// IsPaid reports whether p is a paid plan (anything other than trial or free).
func (p Plan) IsPaid() bool {
	switch p {
	case PlanStudent, PlanResearcher:
		return true
	}
	return false
}

// DisplayName returns the catalog name, or the raw id for unknown plans.
func (p Plan) DisplayName() string {
	if d, ok := Plans[p]; ok {
		return d.Name
	}
	return string(p)
}

// Subscription is embedded in every user record.
type Subscription struct {
	Plan             Plan                      `json:"plan"`
	Status           stripe.SubscriptionStatus `json:"status"`
	EntriesUsed      int                       `json:"entriesUsed"`
	EntriesLimit     int                       `json:"entriesLimit"`
	EntriesRemaining int                       `json:"entriesRemaining"`
	IsLifetime       bool                      `json:"isLifetime"`
	PeriodEnd        util.Timestamp            `json:"periodEnd"`
}

// NewTrialSubscription returns the subscription every account starts with.
func NewTrialSubscription() Subscription {
	return Subscription{
		Plan:             PlanTrial,
		Status:           stripe.SubscriptionStatusActive,
		EntriesUsed:      0,
		EntriesLimit:     TrialEntriesLimit,
		EntriesRemaining: TrialEntriesLimit,
		IsLifetime:       true,
	}
}

// SynthesizeSubscription builds an active subscription for plan locally, keeping the
// usage counter. It is used only when no authoritative record could be obtained.
func SynthesizeSubscription(plan Plan, entriesUsed int, now time.Time, period time.Duration) Subscription {
	limit := UnlimitedEntries
	if d, ok := Plans[plan]; ok {
		limit = d.EntriesLimit
	}
	sub := Subscription{
		Plan:         plan,
		Status:       stripe.SubscriptionStatusActive,
		EntriesUsed:  entriesUsed,
		EntriesLimit: limit,
		IsLifetime:   false,
		PeriodEnd:    util.Timestamp{Time: now.Add(period).UTC()},
	}
	sub.Normalize()
	return sub
}

// Unlimited reports whether the subscription has no entry quota.
func (s Subscription) Unlimited() bool {
	return s.EntriesLimit == UnlimitedEntries
}

// IsActive reports whether the subscription currently grants its plan.
func (s Subscription) IsActive() bool {
	switch s.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, "":
		return true
	}
	return false
}

// Normalize restores the quota invariants: EntriesUsed is never negative and, for
// limited plans, EntriesRemaining = max(0, EntriesLimit - EntriesUsed).
func (s *Subscription) Normalize() {
	if s.Plan == "" {
		s.Plan = PlanTrial
	}
	if s.Status == "" {
		s.Status = stripe.SubscriptionStatusActive
	}
	if s.EntriesUsed < 0 {
		s.EntriesUsed = 0
	}
	if s.EntriesLimit < UnlimitedEntries {
		s.EntriesLimit = UnlimitedEntries
	}
	if s.Unlimited() {
		s.EntriesRemaining = UnlimitedEntries
		return
	}
	s.EntriesRemaining = max(0, s.EntriesLimit-s.EntriesUsed)
}

// Increment records one consumed entry.
func (s *Subscription) Increment() {
	s.EntriesUsed++
	s.Normalize()
}

// CanCreateEntry reports whether another entry fits into the quota.
func (s Subscription) CanCreateEntry() bool {
	if s.Unlimited() {
		return true
	}
	return s.EntriesUsed < s.EntriesLimit
}

// Fingerprint is the (plan, limit) pair used to detect a plan change.
func (s Subscription) Fingerprint() (Plan, int) {
	return s.Plan, s.EntriesLimit
}

// PendingSubscription is the short-lived checkout hint written when a user starts a
// checkout. It is advisory only.
type PendingSubscription struct {
	UserID    string         `json:"userId"`
	PlanID    Plan           `json:"planId"`
	Timestamp util.Timestamp `json:"timestamp"`
}
