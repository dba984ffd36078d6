// Package reconcile converges the stored subscription of a user with the payment
// provider's state after a checkout, tolerating a webhook that is late or never arrives.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"researchdesk/internal/model"
	"researchdesk/internal/pubsub"

	"github.com/rs/zerolog"
)

const exhaustedMessage = "Subscription update is taking longer than expected. Use manual refresh to check again."

// Store is the durable user record.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error
}

// Hints recovers the plan a user was checking out, if still known.
type Hints interface {
	Get(ctx context.Context, userID string) (*model.PendingSubscription, error)
	Clear(ctx context.Context, userID string) error
}

// Notifier shows a single notice to the user.
type Notifier interface {
	Notify(ctx context.Context, n model.Notice)
}

// Refresher reloads a cached view of the user record.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	MaxAttempts       int
	Interval          time.Duration
	SynthesizedPeriod time.Duration
}

type Deps struct {
	Store     Store
	Sources   []Source
	Hints     Hints
	Notifier  Notifier
	Refresher Refresher
	Events    pubsub.EventSink
	Logger    zerolog.Logger
}

type Reconciler struct {
	store     Store
	sources   []Source
	hints     Hints
	notifier  Notifier
	refresher Refresher
	events    pubsub.EventSink
	cfg       Config
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(d Deps, cfg Config) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 1500 * time.Millisecond
	}
	if cfg.SynthesizedPeriod <= 0 {
		cfg.SynthesizedPeriod = 30 * 24 * time.Hour
	}
	if d.Events == nil {
		d.Events = pubsub.NopSink{}
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	return &Reconciler{
		store:     d.Store,
		sources:   d.Sources,
		hints:     d.Hints,
		notifier:  d.Notifier,
		refresher: d.Refresher,
		events:    d.Events,
		cfg:       cfg,
		logger:    d.Logger.With().Str("service", "SubscriptionReconciler").Logger(),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fingerprint is the (plan, entriesLimit) pair compared against the baseline.
type fingerprint struct {
	plan  model.Plan
	limit int
}

func fingerprintOf(sub model.Subscription) fingerprint {
	p, l := sub.Fingerprint()
	return fingerprint{plan: p, limit: l}
}

// Result summarizes a reconciliation for callers that want more than the notice.
type Result struct {
	Converged    bool
	Attempts     int
	Synthesized  bool
	Subscription *model.Subscription
}

// Reconcile runs the retry loop for userID after a checkout for claimed (which may be
// empty). It never fails: every error is logged and the outcome is reported once
// through the notifier.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, claimed model.Plan) Result {
	lg := r.logger.With().Str("user_id", userID).Str("plan_id", string(claimed)).Logger()

	var baseline fingerprint
	if u, err := r.store.GetUserByID(ctx, userID); err != nil {
		lg.Warn().Err(err).Msg("Could not read baseline subscription; any paid plan counts as a change")
	} else {
		baseline = fingerprintOf(u.Subscription)
		if claimed != "" && u.Subscription.Plan == claimed && claimed.IsPaid() && u.Subscription.IsActive() {
			lg.Info().Msg("Subscription already matches the claimed plan")
			r.converge(ctx, userID, u.Subscription, lg)
			return Result{Converged: true, Subscription: &u.Subscription}
		}
	}

	plan := claimed
	if plan != "" && !plan.IsPaid() {
		lg.Warn().Msg("Ignoring claimed plan that is not a paid plan")
		plan = ""
	}
	foundAuthoritative := false
	synthesized := false

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		alg := lg.With().Int("attempt", attempt).Logger()
		last := attempt == r.cfg.MaxAttempts

		// a. fresh durable read
		if sub, ok := r.freshConverged(ctx, userID, baseline, alg); ok {
			r.converge(ctx, userID, *sub, alg)
			return Result{Converged: true, Attempts: attempt, Subscription: sub}
		}

		// b, c. backend sources in order
		var found *model.Subscription
		for _, src := range r.sources {
			sub, err := src.Fetch(ctx, userID)
			if err != nil {
				alg.Warn().Err(err).Str("source", src.Name()).Msg("Subscription source failed")
				continue
			}
			if usable(sub) {
				alg.Info().Str("source", src.Name()).Str("found_plan", string(sub.Plan)).Msg("Authoritative subscription found")
				found = sub
				break
			}
		}
		if found != nil {
			foundAuthoritative = true
			if err := r.store.UpdateSubscription(ctx, userID, *found); err != nil {
				alg.Error().Err(err).Msg("Failed to store authoritative subscription")
			}
		} else if r.hints != nil {
			// d. pending checkout hint
			h, err := r.hints.Get(ctx, userID)
			switch {
			case err != nil:
				alg.Warn().Err(err).Msg("Failed to read pending subscription hint")
			case h != nil && plan == "" && h.PlanID.IsPaid():
				plan = h.PlanID
				alg.Info().Str("hint_plan", string(plan)).Msg("Recovered plan from pending subscription hint")
			case h != nil && plan != "" && h.PlanID != plan:
				alg.Warn().Str("hint_plan", string(h.PlanID)).Msg("Pending hint disagrees with claimed plan; keeping claimed plan")
			}
		}

		// e. last resort, once, on the final attempt
		if last && plan != "" && !foundAuthoritative && !synthesized {
			if r.synthesize(ctx, userID, plan, alg) {
				synthesized = true
			}
		}

		// f. compare against the baseline
		if found != nil || synthesized {
			if sub, ok := r.freshConverged(ctx, userID, baseline, alg); ok {
				r.converge(ctx, userID, *sub, alg)
				return Result{Converged: true, Attempts: attempt, Synthesized: synthesized, Subscription: sub}
			}
		}

		// g. wait and retry
		if last {
			break
		}
		if err := r.sleep(ctx, r.cfg.Interval); err != nil {
			alg.Info().Err(err).Msg("Reconciliation cancelled")
			return Result{Attempts: attempt, Synthesized: synthesized}
		}
	}

	lg.Warn().Int("attempts", r.cfg.MaxAttempts).Msg("Subscription did not converge")
	r.notifier.Notify(ctx, model.Notice{Level: model.NoticeWarning, Message: exhaustedMessage, At: r.now()})
	return Result{Attempts: r.cfg.MaxAttempts, Synthesized: synthesized}
}

// freshConverged reads the durable record and reports whether it differs from the
// baseline with a paid plan.
func (r *Reconciler) freshConverged(ctx context.Context, userID string, baseline fingerprint, lg zerolog.Logger) (*model.Subscription, bool) {
	u, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		lg.Warn().Err(err).Msg("Fresh user read failed")
		return nil, false
	}
	sub := u.Subscription
	if fingerprintOf(sub) != baseline && sub.Plan.IsPaid() {
		return &sub, true
	}
	return nil, false
}

// synthesize writes a locally derived active subscription for plan. Writing the same
// derived state twice is harmless.
func (r *Reconciler) synthesize(ctx context.Context, userID string, plan model.Plan, lg zerolog.Logger) bool {
	used := 0
	if u, err := r.store.GetUserByID(ctx, userID); err == nil {
		used = u.Subscription.EntriesUsed
	}
	sub := model.SynthesizeSubscription(plan, used, r.now(), r.cfg.SynthesizedPeriod)
	if err := r.store.UpdateSubscription(ctx, userID, sub); err != nil {
		lg.Error().Err(err).Msg("Failed to write synthesized subscription")
		return false
	}
	lg.Warn().Str("synthesized_plan", string(plan)).Msg("No authoritative subscription found; wrote synthesized subscription")
	r.clearHint(ctx, userID, lg)
	return true
}

func (r *Reconciler) converge(ctx context.Context, userID string, sub model.Subscription, lg zerolog.Logger) {
	lg.Info().Str("converged_plan", string(sub.Plan)).Msg("Subscription converged")
	r.clearHint(ctx, userID, lg)
	if r.refresher != nil {
		if err := r.refresher.Refresh(ctx); err != nil {
			lg.Warn().Err(err).Msg("Failed to refresh session after reconciliation")
		}
	}
	r.events.Emit(ctx, pubsub.Event{
		Type:       pubsub.EventSubscriptionReconciled,
		UserID:     userID,
		Attributes: map[string]any{"plan": string(sub.Plan), "entries_limit": sub.EntriesLimit},
	})
	r.notifier.Notify(ctx, model.Notice{
		Level:   model.NoticeSuccess,
		Message: fmt.Sprintf("%s plan is now active", sub.Plan.DisplayName()),
		At:      r.now(),
	})
}

func (r *Reconciler) clearHint(ctx context.Context, userID string, lg zerolog.Logger) {
	if r.hints == nil {
		return
	}
	if err := r.hints.Clear(ctx, userID); err != nil {
		lg.Warn().Err(err).Msg("Failed to clear pending subscription hint")
	}
}

// Collector keeps the notices of a single reconciliation run, for callers that return
// them with their own response.
type Collector struct {
	mu      sync.Mutex
	notices []model.Notice
}

func (c *Collector) Notify(_ context.Context, n model.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
}

// Last returns the most recent notice, if any.
func (c *Collector) Last() (model.Notice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.notices) == 0 {
		return model.Notice{}, false
	}
	return c.notices[len(c.notices)-1], true
}

// LogNotifier writes notices to the log only.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, notice model.Notice) {
	n.Logger.Info().Str("level", string(notice.Level)).Msg(notice.Message)
}
