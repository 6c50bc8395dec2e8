package out

import (
	"context"
	"errors"
	"time"

	"mailwatch_server/core/domain"
)

// ErrWatchNotFound is returned when an account has no registration.
var ErrWatchNotFound = errors.New("watch registration not found")

// WatchRepository persists push watch registrations.
type WatchRepository interface {
	// Upsert creates or replaces the registration for an account. The
	// account_id unique constraint guarantees at most one row per account.
	Upsert(ctx context.Context, reg *domain.WatchRegistration) (*domain.WatchRegistration, error)
	GetByID(ctx context.Context, id int64) (*domain.WatchRegistration, error)
	GetByAccountID(ctx context.Context, accountID int64) (*domain.WatchRegistration, error)
	// ListExpiring returns active registrations expiring before the given
	// instant, soonest first.
	ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchRegistration, error)
	ListByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchRegistration, error)
	ListActive(ctx context.Context) ([]*domain.WatchRegistration, error)
	UpdateStatus(ctx context.Context, id int64, status domain.WatchStatus, lastError string) error
	IncrementFailureCount(ctx context.Context, id int64) (int, error)
	ResetFailureCount(ctx context.Context, id int64) error
	// UpdateLastNotified stamps the registration when a push arrives and
	// advances the history cursor if the new value is larger.
	UpdateLastNotified(ctx context.Context, accountID int64, historyID uint64) error
	Delete(ctx context.Context, id int64) error
}
