package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"researchdesk/internal/model"
)

// ErrUserNotFound is returned when no user record exists for the id.
var ErrUserNotFound = errors.New("user not found")

type UserRepository interface {
	// GetUserByID reads the record straight from the database; it never consults a cache.
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// CreateUser inserts u unless a record with the same id already exists, and returns
	// the stored record either way.
	CreateUser(ctx context.Context, u *model.User) (*model.User, error)
	// UpdateSubscription overwrites the embedded subscription (last writer wins).
	UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error
}

type userRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `user_id, email, display_name, photo_url, stripe_customer_id, subscription, preferences, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u         model.User
		rawSub    []byte
		rawPrefs  []byte
		photoURL  sql.NullString
		stripeCus sql.NullString
	)
	if err := row.Scan(&u.UserID, &u.Email, &u.DisplayName, &photoURL, &stripeCus, &rawSub, &rawPrefs, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PhotoURL = photoURL.String
	if stripeCus.Valid {
		u.StripeCustomerID = &stripeCus.String
	}
	if len(rawSub) > 0 {
		if err := json.Unmarshal(rawSub, &u.Subscription); err != nil {
			return nil, fmt.Errorf("unmarshal subscription for user %s: %w", u.UserID, err)
		}
	}
	u.Subscription.Normalize()
	if len(rawPrefs) > 0 {
		if err := json.Unmarshal(rawPrefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal preferences for user %s: %w", u.UserID, err)
		}
	}
	return &u, nil
}

func (r *userRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = $1`
	u, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("fetch user %s: %w", id, err)
	}
	return u, nil
}

func (r *userRepo) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	u.Subscription.Normalize()
	rawSub, err := json.Marshal(u.Subscription)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	rawPrefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return nil, fmt.Errorf("marshal preferences: %w", err)
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `INSERT INTO users (user_id, email, display_name, photo_url, stripe_customer_id, subscription, preferences)
              VALUES ($1, $2, $3, $4, $5, $6, $7)
              ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
              RETURNING ` + userColumns
	row := r.db.QueryRowContext(ctx, query, u.UserID, u.Email, u.DisplayName, u.PhotoURL, u.StripeCustomerID, rawSub, rawPrefs)
	stored, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", u.UserID, err)
	}
	return stored, nil
}

func (r *userRepo) UpdateSubscription(ctx context.Context, userID string, sub model.Subscription) error {
	return updateSubscription(ctx, r.db, userID, sub)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSubscription(ctx context.Context, db execer, userID string, sub model.Subscription) error {
	sub.Normalize()
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	const q = `UPDATE users SET subscription = $2, updated_at = NOW() WHERE user_id = $1`
	res, err := db.ExecContext(ctx, q, userID, raw)
	if err != nil {
		return fmt.Errorf("update subscription for user %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *userRepo) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	const q = `UPDATE users SET preferences = $2, updated_at = NOW() WHERE user_id = $1`
	res, err := r.db.ExecContext(ctx, q, userID, raw)
	if err != nil {
		return fmt.Errorf("update preferences for user %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}
