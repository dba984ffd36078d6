package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"researchdesk/internal/model"
)

// ErrQuotaExceeded is returned when a user has no entries left on their plan.
var ErrQuotaExceeded = errors.New("quota_exceeded")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PersistFunc writes the result of a completed job inside the quota transaction.
type PersistFunc func(ctx context.Context, tx DBTX) error

// UsageRepository counts completed jobs against the user's entry quota.
type UsageRepository interface {
	// RecordCompletion atomically persists a job result and increments entriesUsed by one.
	// A task that was already recorded is skipped entirely and reported with false.
	RecordCompletion(ctx context.Context, userID, taskID string, kind model.JobKind, persist PersistFunc) (bool, error)
	// CheckQuota returns ErrQuotaExceeded when the user cannot create another entry.
	CheckQuota(ctx context.Context, userID string) (*model.Subscription, error)
}

type usageRepo struct {
	db *sql.DB
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(db *sql.DB) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) RecordCompletion(ctx context.Context, userID, taskID string, kind model.JobKind, persist PersistFunc) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("starting transaction for task %s: %w", taskID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const claimQ = `
		INSERT INTO quota_events (user_id, task_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, task_id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, claimQ, userID, taskID, string(kind))
	if err != nil {
		return false, fmt.Errorf("recording quota event for task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading quota event result for task %s: %w", taskID, err)
	}
	if n == 0 {
		return false, nil
	}

	if persist != nil {
		if err := persist(ctx, tx); err != nil {
			return false, err
		}
	}

	const lockQ = `SELECT subscription FROM users WHERE user_id = $1 FOR UPDATE`
	var raw []byte
	if err := tx.QueryRowContext(ctx, lockQ, userID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("locking subscription for user %s: %w", userID, err)
	}
	var sub model.Subscription
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sub); err != nil {
			return false, fmt.Errorf("unmarshal subscription for user %s: %w", userID, err)
		}
	}
	sub.Increment()
	if err := updateSubscription(ctx, tx, userID, sub); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing task %s for user %s: %w", taskID, userID, err)
	}
	return true, nil
}

func (r *usageRepo) CheckQuota(ctx context.Context, userID string) (*model.Subscription, error) {
	const q = `SELECT subscription FROM users WHERE user_id = $1`
	var raw []byte
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("fetch subscription for user %s: %w", userID, err)
	}
	var sub model.Subscription
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription for user %s: %w", userID, err)
		}
	}
	sub.Normalize()
	if !sub.CanCreateEntry() {
		return &sub, ErrQuotaExceeded
	}
	return &sub, nil
}
