package dto

import "time"

// SupportCreateDTO is used for incoming support messages
type SupportCreateDTO struct {
	Subject  string `json:"subject" validate:"required,max=200"`
	Message  string `json:"message" validate:"required,min=10,max=5000"`
	Category string `json:"category" validate:"omitempty,oneof=general billing technical feature bug"`
	Priority string `json:"priority" validate:"omitempty,oneof=low medium high"`
}

type SupportResponseDTO struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}
