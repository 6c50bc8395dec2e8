package worker

import (
	"context"

	"mailwatch_server/pkg/logger"

	"github.com/goccy/go-json"
)

type Handler struct {
	tokenProcessor        *TokenProcessor
	watchProcessor        *WatchProcessor
	notificationProcessor *NotificationProcessor
}

func NewHandler(
	tokenProcessor *TokenProcessor,
	watchProcessor *WatchProcessor,
	notificationProcessor *NotificationProcessor,
) *Handler {
	return &Handler{
		tokenProcessor:        tokenProcessor,
		watchProcessor:        watchProcessor,
		notificationProcessor: notificationProcessor,
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobTokenRefresh:
		return h.tokenProcessor.ProcessRefresh(ctx, msg)

	case JobWatchRenew:
		return h.watchProcessor.ProcessRenew(ctx, msg)
	case JobWatchSetup:
		return h.watchProcessor.ProcessSetup(ctx, msg)

	case JobNotification:
		return h.notificationProcessor.ProcessNotification(ctx, msg)

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
