package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"researchdesk/internal/model"
	"researchdesk/internal/util"
)

// PendingSubscriptionRepository keeps the plan a user started a checkout for, at most one
// per user. Hints are advisory: they only help reconciliation recover the plan id when no
// authoritative source has caught up yet.
type PendingSubscriptionRepository interface {
	Put(ctx context.Context, userID string, plan model.Plan) error
	// Get returns the user's hint, or nil if there is none or it is older than the TTL.
	Get(ctx context.Context, userID string) (*model.PendingSubscription, error)
	Clear(ctx context.Context, userID string) error
}

type pendingSubscriptionRepo struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPendingSubscriptionRepo(db *sql.DB, ttl time.Duration) PendingSubscriptionRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &pendingSubscriptionRepo{db: db, ttl: ttl}
}

// Put replaces any earlier hint and restarts its TTL.
func (r *pendingSubscriptionRepo) Put(ctx context.Context, userID string, plan model.Plan) error {
	const q = `
        INSERT INTO pending_subscriptions (user_id, plan_id, created_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET plan_id = EXCLUDED.plan_id,
            created_at = NOW();
    `
	if _, err := r.db.ExecContext(ctx, q, userID, string(plan)); err != nil {
		return fmt.Errorf("upserting pending subscription %s for user %s: %w", plan, userID, err)
	}
	return nil
}

// Get compares against the database clock so every replica agrees on expiry.
func (r *pendingSubscriptionRepo) Get(ctx context.Context, userID string) (*model.PendingSubscription, error) {
	const q = `
        SELECT plan_id, created_at
        FROM pending_subscriptions
        WHERE user_id = $1
          AND created_at > NOW() - make_interval(secs => $2)
    `
	var (
		plan      string
		createdAt time.Time
	)
	err := r.db.QueryRowContext(ctx, q, userID, r.ttl.Seconds()).Scan(&plan, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending subscription for user %s: %w", userID, err)
	}
	return &model.PendingSubscription{
		UserID:    userID,
		PlanID:    model.Plan(plan),
		Timestamp: util.Timestamp{Time: createdAt.UTC()},
	}, nil
}

func (r *pendingSubscriptionRepo) Clear(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_subscriptions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clearing pending subscription for user %s: %w", userID, err)
	}
	return nil
}
