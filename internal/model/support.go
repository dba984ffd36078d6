package model

import "time"

// SupportMessage is a message sent by a user to the support inbox.
type SupportMessage struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	UserEmail string    `db:"user_email" json:"user_email"`
	UserName  string    `db:"user_name" json:"user_name"`
	Subject   string    `db:"subject" json:"subject"`
	Message   string    `db:"message" json:"message"`
	Category  string    `db:"category" json:"category"`
	Priority  string    `db:"priority" json:"priority"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
