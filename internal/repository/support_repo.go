package repository

import (
	"context"
	"database/sql"
	"fmt"

	"researchdesk/internal/model"
)

// SupportRepository stores messages sent to the support inbox.
type SupportRepository interface {
	CreateMessage(ctx context.Context, m *model.SupportMessage) error
	ListMessagesByUser(ctx context.Context, userID string, limit int) ([]model.SupportMessage, error)
}

type supportRepo struct {
	db *sql.DB
}

func NewSupportRepo(db *sql.DB) SupportRepository {
	return &supportRepo{db: db}
}

func (r *supportRepo) CreateMessage(ctx context.Context, m *model.SupportMessage) error {
	query := `INSERT INTO support_messages (id, user_id, user_email, user_name, subject, message, category, priority, read)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
              RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, m.ID, m.UserID, m.UserEmail, m.UserName, m.Subject, m.Message,
		m.Category, m.Priority).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert support message: %w", err)
	}
	return nil
}

func (r *supportRepo) ListMessagesByUser(ctx context.Context, userID string, limit int) ([]model.SupportMessage, error) {
	query := `SELECT id, user_id, user_email, user_name, subject, message, category, priority, read, created_at
              FROM support_messages WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query support messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.SupportMessage{}
	for rows.Next() {
		var m model.SupportMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.UserEmail, &m.UserName, &m.Subject, &m.Message,
			&m.Category, &m.Priority, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan support message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return msgs, nil
}
