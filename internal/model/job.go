package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the backend-reported state of an asynchronous job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
	// JobFailed is reported by the content generation backend instead of JobError.
	JobFailed JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError || s == JobFailed
}

// JobKind distinguishes the two job pipelines.
type JobKind string

const (
	JobKindAnalysis JobKind = "analysis"
	JobKindContent  JobKind = "content"
)

// Job is the ephemeral view of a backend task. Only its result is ever persisted.
type Job struct {
	TaskID       string          `json:"task_id"`
	Status       JobStatus       `json:"status"`
	Progress     int             `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ContentTier is the pricing tier of a content generation job.
type ContentTier string

const (
	ContentTierStandard ContentTier = "standard"
	ContentTierPro      ContentTier = "pro"
)

// PricePerPageCents returns the per-page price of the tier.
func (t ContentTier) PricePerPageCents() int64 {
	if t == ContentTierStandard {
		return 149
	}
	return 249
}

// ContentJob is the durable record of a content generation request.
type ContentJob struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"user_id"`
	TaskID          string          `db:"task_id" json:"task_id"`
	Tier            ContentTier     `db:"tier" json:"tier"`
	SourceIDs       []string        `db:"source_ids" json:"source_ids"`
	Outline         json.RawMessage `db:"outline" json:"outline,omitempty"`
	Settings        json.RawMessage `db:"settings" json:"settings,omitempty"`
	Status          JobStatus       `db:"status" json:"status"`
	Progress        int             `db:"progress" json:"progress"`
	Content         string          `db:"content" json:"content,omitempty"`
	WordCount       int             `db:"word_count" json:"word_count"`
	ErrorMessage    string          `db:"error_message" json:"error_message,omitempty"`
	PaymentIntentID string          `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// GeneratedContent is the result payload of a completed content job.
type GeneratedContent struct {
	Content   string          `json:"content"`
	WordCount int             `json:"word_count"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}
