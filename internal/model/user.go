package model

import "time"

// User represents a user profile with its embedded subscription.
type User struct {
	UserID           string       `db:"user_id" json:"user_id"`
	Email            string       `db:"email" json:"email"`
	DisplayName      string       `db:"display_name" json:"display_name"`
	PhotoURL         string       `db:"photo_url" json:"photo_url"`
	StripeCustomerID *string      `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	Subscription     Subscription `db:"subscription" json:"subscription"`
	Preferences      Preferences  `db:"preferences" json:"preferences"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// Preferences are per-user UI settings.
type Preferences struct {
	ResearchFocus        string `json:"researchFocus"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	Theme                string `json:"theme"`
}

// DefaultPreferences returns the preferences of a new account.
func DefaultPreferences() Preferences {
	return Preferences{NotificationsEnabled: true, Theme: "light"}
}
