package out

import (
	"context"

	"mailwatch_server/core/domain"
)

// NotificationLog is an append-only audit trail of received push messages.
// Implementations must be safe to skip when the backing store is absent.
type NotificationLog interface {
	Record(ctx context.Context, rec *domain.NotificationRecord) error
	ListRecent(ctx context.Context, accountID int64, limit int) ([]*domain.NotificationRecord, error)
}
