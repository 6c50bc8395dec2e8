package out

import (
	"context"
	"time"
)

// Time alias keeps job structs free of a direct time import at call sites.
type Time = time.Time

// TokenRefreshJob asks the worker to refresh one account's access token.
type TokenRefreshJob struct {
	AccountID int64  `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

// WatchRenewJob asks the worker to renew one registration, or sweep all
// expiring ones when RenewAll is set.
type WatchRenewJob struct {
	RegistrationID int64 `json:"registration_id,omitempty"`
	AccountID      int64 `json:"account_id,omitempty"`
	RenewAll       bool  `json:"renew_all,omitempty"`
}

// WatchSetupJob asks the worker to create a watch for an account that has
// none.
type WatchSetupJob struct {
	AccountID int64 `json:"account_id"`
}

// NotificationJob carries a received push notification to the worker.
type NotificationJob struct {
	AccountID   int64  `json:"account_id"`
	Email       string `json:"email"`
	HistoryID   uint64 `json:"history_id"`
	MessageID   string `json:"message_id,omitempty"`
	PublishTime string `json:"publish_time,omitempty"`
	ReceivedAt  Time   `json:"received_at"`
}

// MessageProducer publishes lifecycle jobs onto the queue.
type MessageProducer interface {
	PublishTokenRefresh(ctx context.Context, job *TokenRefreshJob) error
	PublishWatchRenew(ctx context.Context, job *WatchRenewJob) error
	PublishWatchSetup(ctx context.Context, job *WatchSetupJob) error
	PublishNotification(ctx context.Context, job *NotificationJob) error
}
