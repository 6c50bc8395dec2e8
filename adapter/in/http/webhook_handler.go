package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync/atomic"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/service/ingest"
	"mailwatch_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// NotificationIngestor routes a decoded push notification.
type NotificationIngestor interface {
	Ingest(ctx context.Context, n *ingest.Notification) domain.NotificationOutcome
}

// PushAuthVerifier checks the Pub/Sub push OIDC token, when configured.
type PushAuthVerifier interface {
	Verify(authHeader string) error
}

// WebhookMetrics tracks gateway counters.
type WebhookMetrics struct {
	Received   int64
	Accepted   int64
	Duplicates int64
	Unknown    int64
	Malformed  int64
}

// WebhookHandler receives Gmail Pub/Sub push notifications.
//
// Every request is answered 200 with a fixed body, no matter what went
// wrong: a non-2xx makes Pub/Sub redeliver, and a redelivery storm of a
// broken message helps nobody. Failures are logged instead.
type WebhookHandler struct {
	ingestor NotificationIngestor
	verifier PushAuthVerifier
	metrics  WebhookMetrics
}

// NewWebhookHandler creates the webhook gateway. verifier may be nil.
func NewWebhookHandler(ingestor NotificationIngestor, verifier PushAuthVerifier) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		verifier: verifier,
	}
}

// Register mounts the webhook routes. Pub/Sub subscriptions in the wild use
// both spellings, so both are accepted.
func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhooks/gmail", h.GmailWebhook)
	app.Post("/webhook/gmail", h.GmailWebhook)
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushData is the base64-decoded Gmail notification payload.
type pushData struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    historyID `json:"historyId"`
}

// historyID tolerates both spellings Gmail pushes use for the cursor: a
// bare JSON number and a quoted decimal string.
type historyID uint64

func (h *historyID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid history id %q: %w", s, err)
	}
	*h = historyID(v)
	return nil
}

// ack sends the one and only response this endpoint ever produces.
func (h *WebhookHandler) ack(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// GmailWebhook handles one push delivery, ack-then-process.
func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	atomic.AddInt64(&h.metrics.Received, 1)

	// Push authentication is advisory: a bad token is logged and the
	// message still acked, so a misconfigured audience cannot black-hole
	// deliveries behind endless redelivery.
	if h.verifier != nil {
		if err := h.verifier.Verify(c.Get("Authorization")); err != nil {
			logger.WithError(err).Warn("Push authentication failed")
		}
	}

	raw := make([]byte, len(c.Body()))
	copy(raw, c.Body())

	var envelope pushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.WithError(err).Warn("Failed to parse push envelope")
		return h.ack(c)
	}

	if envelope.Message.Data == "" {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.Warn("Push envelope without data (subscription: %s)", envelope.Subscription)
		return h.ack(c)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.WithError(err).Warn("Failed to decode push data")
		return h.ack(c)
	}

	var data pushData
	if err := json.Unmarshal(decoded, &data); err != nil {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.WithError(err).Warn("Failed to unmarshal push data")
		return h.ack(c)
	}

	if data.EmailAddress == "" || data.HistoryID == 0 {
		atomic.AddInt64(&h.metrics.Malformed, 1)
		logger.Warn("Push data missing email or history id")
		return h.ack(c)
	}

	outcome := h.ingestor.Ingest(c.Context(), &ingest.Notification{
		Email:       data.EmailAddress,
		HistoryID:   uint64(data.HistoryID),
		MessageID:   envelope.Message.MessageID,
		PublishTime: envelope.Message.PublishTime,
		Raw:         raw,
	})

	switch outcome {
	case domain.NotificationAccepted:
		atomic.AddInt64(&h.metrics.Accepted, 1)
	case domain.NotificationDuplicate:
		atomic.AddInt64(&h.metrics.Duplicates, 1)
	case domain.NotificationUnknown:
		atomic.AddInt64(&h.metrics.Unknown, 1)
	}

	return h.ack(c)
}

// Metrics returns a snapshot of the gateway counters.
func (h *WebhookHandler) Metrics() WebhookMetrics {
	return WebhookMetrics{
		Received:   atomic.LoadInt64(&h.metrics.Received),
		Accepted:   atomic.LoadInt64(&h.metrics.Accepted),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Unknown:    atomic.LoadInt64(&h.metrics.Unknown),
		Malformed:  atomic.LoadInt64(&h.metrics.Malformed),
	}
}
