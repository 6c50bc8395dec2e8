package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// AccountEntity mirrors the accounts table.
type AccountEntity struct {
	ID           int64     `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	Email        string    `db:"email"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenExpiry  time.Time `db:"token_expiry"`
	Scopes       string    `db:"scopes"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// AccountRepository persists connected accounts and their credentials.
type AccountRepository interface {
	Create(ctx context.Context, entity *AccountEntity) error
	GetByID(ctx context.Context, id int64) (*AccountEntity, error)
	GetByEmail(ctx context.Context, email string) (*AccountEntity, error)
	ListActive(ctx context.Context) ([]*AccountEntity, error)
	// ListExpiring returns active accounts whose token expires before the
	// given instant.
	ListExpiring(ctx context.Context, before time.Time) ([]*AccountEntity, error)
	// UpdateTokens persists a refreshed credential pair in a single write.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	// MarkDisconnected flags an account whose grant was revoked.
	MarkDisconnected(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}
