package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"researchdesk/internal/model"
)

// ErrJobNotFound is returned when the content job does not exist for the user.
var ErrJobNotFound = errors.New("content job not found")

// ContentJobRepository stores the history of content generation requests.
type ContentJobRepository interface {
	CreateJob(ctx context.Context, j *model.ContentJob) error
	GetJob(ctx context.Context, userID, id string) (*model.ContentJob, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]model.ContentJob, error)
	UpdateProgress(ctx context.Context, id string, status model.JobStatus, progress int) error
	// CompleteJob stores the generated content using db, which may be a transaction.
	CompleteJob(ctx context.Context, db DBTX, id string, content model.GeneratedContent) error
	FailJob(ctx context.Context, id, message string) error
}

type contentJobRepo struct {
	db *sql.DB
}

func NewContentJobRepo(db *sql.DB) ContentJobRepository {
	return &contentJobRepo{db: db}
}

const jobColumns = `id, user_id, task_id, tier, source_ids, outline, settings, status, progress, content,
	word_count, error_message, payment_intent_id, created_at, completed_at`

func scanJob(row rowScanner) (*model.ContentJob, error) {
	var (
		j         model.ContentJob
		sourceIDs []byte
		outline   []byte
		settings  []byte
		content   sql.NullString
		errMsg    sql.NullString
		intentID  sql.NullString
		completed sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.TaskID, &j.Tier, &sourceIDs, &outline, &settings, &j.Status, &j.Progress,
		&content, &j.WordCount, &errMsg, &intentID, &j.CreatedAt, &completed); err != nil {
		return nil, err
	}
	j.SourceIDs = []string{}
	if len(sourceIDs) > 0 {
		if err := json.Unmarshal(sourceIDs, &j.SourceIDs); err != nil {
			return nil, fmt.Errorf("unmarshal source_ids for job %s: %w", j.ID, err)
		}
	}
	if len(outline) > 0 {
		j.Outline = json.RawMessage(outline)
	}
	if len(settings) > 0 {
		j.Settings = json.RawMessage(settings)
	}
	j.Content = content.String
	j.ErrorMessage = errMsg.String
	j.PaymentIntentID = intentID.String
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (r *contentJobRepo) CreateJob(ctx context.Context, j *model.ContentJob) error {
	if j.SourceIDs == nil {
		j.SourceIDs = []string{}
	}
	sourceIDs, err := json.Marshal(j.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshal source_ids: %w", err)
	}
	if j.Status == "" {
		j.Status = model.JobQueued
	}
	query := `INSERT INTO content_generation_jobs
              (id, user_id, task_id, tier, source_ids, outline, settings, status, progress, payment_intent_id)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
              RETURNING created_at`
	err = r.db.QueryRowContext(ctx, query, j.ID, j.UserID, j.TaskID, j.Tier, sourceIDs, nullJSON(j.Outline), nullJSON(j.Settings),
		j.Status, j.Progress, j.PaymentIntentID).Scan(&j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert content job: %w", err)
	}
	return nil
}

func (r *contentJobRepo) GetJob(ctx context.Context, userID, id string) (*model.ContentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM content_generation_jobs WHERE id = $1 AND user_id = $2`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("fetch content job %s: %w", id, err)
	}
	return j, nil
}

func (r *contentJobRepo) ListJobs(ctx context.Context, userID string, limit int) ([]model.ContentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM content_generation_jobs WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query content jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.ContentJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return jobs, nil
}

func (r *contentJobRepo) UpdateProgress(ctx context.Context, id string, status model.JobStatus, progress int) error {
	const q = `UPDATE content_generation_jobs SET status = $2, progress = GREATEST(progress, $3) WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, status, progress); err != nil {
		return fmt.Errorf("update progress for content job %s: %w", id, err)
	}
	return nil
}

func (r *contentJobRepo) CompleteJob(ctx context.Context, db DBTX, id string, content model.GeneratedContent) error {
	if db == nil {
		db = r.db
	}
	const q = `UPDATE content_generation_jobs
               SET status = 'completed', progress = 100, content = $2, word_count = $3, completed_at = $4
               WHERE id = $1`
	res, err := db.ExecContext(ctx, q, id, content.Content, content.WordCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete content job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *contentJobRepo) FailJob(ctx context.Context, id, message string) error {
	const q = `UPDATE content_generation_jobs SET status = 'failed', error_message = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id, message); err != nil {
		return fmt.Errorf("fail content job %s: %w", id, err)
	}
	return nil
}
