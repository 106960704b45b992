package model

import (
	"time"
)

// Usage holds a user's monthly counters. They reset on wall-clock month
// boundaries, driven opportunistically by the billing reconciliation path.
type Usage struct {
	MessagesThisMonth int       `json:"messages_this_month"`
	APICallsThisMonth int       `json:"api_calls_this_month"`
	LastResetAt       time.Time `json:"last_reset_at"`
}

// User is a registered platform account.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Plan          string `json:"plan,omitempty"`

	Usage Usage `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the user.
func (u *User) Clone() *User {
	cp := *u
	return &cp
}
