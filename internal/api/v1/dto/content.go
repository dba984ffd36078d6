package dto

import (
	"encoding/json"
	"time"

	"researchdesk/internal/model"
)

// ContentGenerateRequest starts a content generation job over saved entries.
type ContentGenerateRequest struct {
	SourceIDs       []string        `json:"source_ids" validate:"required,min=1,max=50,dive,required"`
	Outline         json.RawMessage `json:"outline"`
	Settings        json.RawMessage `json:"settings"`
	Tier            string          `json:"tier" validate:"omitempty,oneof=standard pro"`
	PaymentIntentID string          `json:"payment_intent_id"`
}

type ContentJobResponseDTO struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	Tier         string     `json:"tier"`
	SourceIDs    []string   `json:"source_ids"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Content      string     `json:"content,omitempty"`
	WordCount    int        `json:"word_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func NewContentJobResponse(j *model.ContentJob) ContentJobResponseDTO {
	return ContentJobResponseDTO{
		ID:           j.ID,
		TaskID:       j.TaskID,
		Tier:         string(j.Tier),
		SourceIDs:    j.SourceIDs,
		Status:       string(j.Status),
		Progress:     j.Progress,
		Content:      j.Content,
		WordCount:    j.WordCount,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}
