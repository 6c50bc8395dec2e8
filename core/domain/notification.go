package domain

import "time"

// NotificationOutcome describes what the gateway did with a push message.
type NotificationOutcome string

const (
	NotificationAccepted  NotificationOutcome = "accepted"
	NotificationDuplicate NotificationOutcome = "duplicate"
	NotificationUnknown   NotificationOutcome = "unknown_account"
	NotificationMalformed NotificationOutcome = "malformed"
)

// NotificationRecord is one received Pub/Sub push message, kept for replay
// and debugging.
type NotificationRecord struct {
	AccountID   int64               `json:"account_id,omitempty" bson:"account_id,omitempty"`
	Email       string              `json:"email" bson:"email"`
	HistoryID   uint64              `json:"history_id" bson:"history_id"`
	MessageID   string              `json:"message_id" bson:"message_id"`
	PublishTime string              `json:"publish_time,omitempty" bson:"publish_time,omitempty"`
	Outcome     NotificationOutcome `json:"outcome" bson:"outcome"`
	Raw         []byte              `json:"-" bson:"raw,omitempty"`
	ReceivedAt  time.Time           `json:"received_at" bson:"received_at"`
}
