package dto

import (
	"time"

	"researchdesk/internal/model"
)

// UserResponseDTO is returned in API responses
type UserResponseDTO struct {
	UserID       string            `json:"user_id"`
	Email        string            `json:"email"`
	DisplayName  string            `json:"display_name"`
	PhotoURL     string            `json:"photo_url"`
	Subscription SubscriptionDTO   `json:"subscription"`
	Preferences  model.Preferences `json:"preferences"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PreferencesUpdateDTO is used for incoming preference updates
type PreferencesUpdateDTO struct {
	ResearchFocus        string `json:"researchFocus" validate:"max=100"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	Theme                string `json:"theme" validate:"omitempty,oneof=light dark"`
}
