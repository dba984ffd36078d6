package reconcile

import (
	"context"

	"researchdesk/internal/model"
)

// Source is one strategy for obtaining the authoritative subscription. A nil
// subscription with a nil error means the source knows nothing yet.
type Source interface {
	Name() string
	Fetch(ctx context.Context, userID string) (*model.Subscription, error)
}

// SubscriptionAPI is the subscription half of the backend client.
type SubscriptionAPI interface {
	CheckSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	ForceSyncSubscription(ctx context.Context, userID string) (*model.Subscription, error)
}

type authoritativeSource struct{ api SubscriptionAPI }

// AuthoritativeSource asks the backend for the subscription it has on record.
func AuthoritativeSource(api SubscriptionAPI) Source { return authoritativeSource{api: api} }

func (authoritativeSource) Name() string { return "check-subscription" }

func (s authoritativeSource) Fetch(ctx context.Context, userID string) (*model.Subscription, error) {
	return s.api.CheckSubscription(ctx, userID)
}

type forceSyncSource struct{ api SubscriptionAPI }

// ForceSyncSource asks the backend to resynchronize with the payment provider.
func ForceSyncSource(api SubscriptionAPI) Source { return forceSyncSource{api: api} }

func (forceSyncSource) Name() string { return "force-sync-subscription" }

func (s forceSyncSource) Fetch(ctx context.Context, userID string) (*model.Subscription, error) {
	return s.api.ForceSyncSubscription(ctx, userID)
}

// DefaultSources returns the backend sources in the order they are tried.
func DefaultSources(api SubscriptionAPI) []Source {
	return []Source{AuthoritativeSource(api), ForceSyncSource(api)}
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	Label string
	Fn    func(ctx context.Context, userID string) (*model.Subscription, error)
}

func (f SourceFunc) Name() string { return f.Label }

func (f SourceFunc) Fetch(ctx context.Context, userID string) (*model.Subscription, error) {
	return f.Fn(ctx, userID)
}

// usable reports whether sub describes an active paid subscription.
func usable(sub *model.Subscription) bool {
	return sub != nil && sub.Plan.IsPaid() && sub.IsActive()
}
