package worker

import (
	"time"

	"github.com/google/uuid"
)

// Priority levels for job scheduling.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// JobType represents the type of a job.
type JobType = string

// Job types
const (
	JobTokenRefresh JobType = "token.refresh"
	JobWatchRenew           = "watch.renew"
	JobWatchSetup           = "watch.setup"
	JobNotification         = "notification.process"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// NewPriorityMessage creates a message with specific priority.
func NewPriorityMessage(jobType string, payload map[string]any, priority Priority) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// IsPriority checks if message should go to priority queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// TokenRefreshPayload asks for a targeted refresh of one account.
type TokenRefreshPayload struct {
	AccountID int64  `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

// WatchRenewPayload renews one registration or sweeps all expiring ones.
type WatchRenewPayload struct {
	RegistrationID int64 `json:"registration_id,omitempty"`
	AccountID      int64 `json:"account_id,omitempty"`
	RenewAll       bool  `json:"renew_all,omitempty"`
}

// WatchSetupPayload creates a watch for an account without one.
type WatchSetupPayload struct {
	AccountID int64 `json:"account_id"`
}

// NotificationPayload carries a received push notification.
type NotificationPayload struct {
	AccountID   int64  `json:"account_id"`
	Email       string `json:"email"`
	HistoryID   uint64 `json:"history_id"`
	MessageID   string `json:"message_id,omitempty"`
	PublishTime string `json:"publish_time,omitempty"`
}
