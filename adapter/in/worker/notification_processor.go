package worker

import (
	"context"
	"fmt"

	"mailwatch_server/core/service/ingest"
)

// NotificationProcessor handles queued push notification jobs.
type NotificationProcessor struct {
	ingest *ingest.Service
}

func NewNotificationProcessor(ingestService *ingest.Service) *NotificationProcessor {
	return &NotificationProcessor{ingest: ingestService}
}

// ProcessNotification applies a received push notification.
func (p *NotificationProcessor) ProcessNotification(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[NotificationPayload](msg)
	if err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}
	if payload.AccountID == 0 {
		return fmt.Errorf("notification payload missing account_id")
	}

	return p.ingest.Process(ctx, payload.AccountID, payload.HistoryID)
}
