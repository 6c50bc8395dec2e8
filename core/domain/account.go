package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a connected Gmail account whose credentials and push watch the
// service keeps alive.
type Account struct {
	ID           int64     `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanRefresh reports whether the account holds a refresh token and is still
// connected. Disconnected accounts need the user to re-authenticate.
func (a *Account) CanRefresh() bool {
	return a.IsActive && a.RefreshToken != ""
}

// TokenExpiresWithin reports whether the access token expires inside the
// given window.
func (a *Account) TokenExpiresWithin(window time.Duration) bool {
	return time.Until(a.TokenExpiry) < window
}
