package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/apperr"
	"mailwatch_server/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const (
	// IdempotencyTTL is how long a (account, historyId) pair is remembered.
	// Pub/Sub redeliveries arrive within seconds; five minutes is plenty.
	IdempotencyTTL = 5 * time.Minute

	// directTimeout bounds the detached fallback when the queue is down.
	directTimeout = 2 * time.Minute
)

// Notification is one decoded Gmail push message.
type Notification struct {
	Email       string
	HistoryID   uint64
	MessageID   string
	PublishTime string
	Raw         []byte
}

// TokenSource supplies a fresh access token for an account.
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID int64) (*oauth2.Token, error)
}

// idempotencyStore is the slice of the redis client the dedup path needs.
type idempotencyStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Service routes received push notifications into the job queue and runs
// the incremental history fetch the notifications point at.
type Service struct {
	accounts out.AccountRepository
	watches  out.WatchRepository
	provider out.MailProviderPort
	tokens   TokenSource
	producer out.MessageProducer
	redis    idempotencyStore
	audit    out.NotificationLog

	log *logger.Logger
}

// NewService creates the ingestion service. producer, redis and audit may be
// nil; the service degrades to direct processing and skips audit records.
func NewService(
	accounts out.AccountRepository,
	watches out.WatchRepository,
	provider out.MailProviderPort,
	tokens TokenSource,
	producer out.MessageProducer,
	redisClient *redis.Client,
	audit out.NotificationLog,
) *Service {
	s := &Service{
		accounts: accounts,
		watches:  watches,
		provider: provider,
		tokens:   tokens,
		producer: producer,
		audit:    audit,
		log:      logger.WithField("component", "ingest_service"),
	}
	if redisClient != nil {
		s.redis = redisClient
	}
	return s
}

// Ingest handles one decoded notification. It never returns an error for
// conditions the sender cannot fix; the caller has already acked.
func (s *Service) Ingest(ctx context.Context, n *Notification) domain.NotificationOutcome {
	account, err := s.accounts.GetByEmail(ctx, n.Email)
	if err != nil {
		if errors.Is(err, out.ErrAccountNotFound) {
			s.log.Warn("Notification for unknown account %s, history %d", n.Email, n.HistoryID)
		} else {
			s.log.WithError(err).Error("Account lookup failed for %s", n.Email)
		}
		s.recordAudit(ctx, n, 0, domain.NotificationUnknown)
		return domain.NotificationUnknown
	}

	if s.isDuplicate(ctx, account.ID, n.HistoryID) {
		s.log.Debug("Duplicate notification for account %d, history %d", account.ID, n.HistoryID)
		s.recordAudit(ctx, n, account.ID, domain.NotificationDuplicate)
		return domain.NotificationDuplicate
	}

	// A delivered push proves the watch is alive; stamp it and advance the
	// cursor before the job is queued.
	if err := s.watches.UpdateLastNotified(ctx, account.ID, n.HistoryID); err != nil {
		s.log.WithError(err).Error("Failed to stamp notification for account %d", account.ID)
	}

	job := &out.NotificationJob{
		AccountID:   account.ID,
		Email:       n.Email,
		HistoryID:   n.HistoryID,
		MessageID:   n.MessageID,
		PublishTime: n.PublishTime,
		ReceivedAt:  time.Now(),
	}

	if s.producer != nil {
		if err := s.producer.PublishNotification(ctx, job); err == nil {
			s.recordAudit(ctx, n, account.ID, domain.NotificationAccepted)
			return domain.NotificationAccepted
		} else {
			s.log.WithError(err).Warn("Queue publish failed for account %d, processing directly", account.ID)
		}
	}

	// Queue unavailable: process in a detached goroutine so the webhook
	// request never blocks on provider latency. When the fallback also
	// fails, the idempotency key is released so the Pub/Sub redelivery is
	// not swallowed as a duplicate.
	go func() {
		directCtx, cancel := context.WithTimeout(context.Background(), directTimeout)
		defer cancel()
		if err := s.Process(directCtx, account.ID, n.HistoryID); err != nil {
			s.log.WithError(err).Error("Direct processing failed for account %d", account.ID)
			relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.releaseIdempotency(relCtx, account.ID, n.HistoryID)
			relCancel()
		}
	}()

	s.recordAudit(ctx, n, account.ID, domain.NotificationAccepted)
	return domain.NotificationAccepted
}

// Process handles a queued (or direct) notification job: it fetches the
// incremental history the notification points at, using the same credentials
// the refresh scheduler keeps valid.
func (s *Service) Process(ctx context.Context, accountID int64, historyID uint64) error {
	reg, err := s.watches.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, out.ErrWatchNotFound) {
			s.log.Warn("Notification for account %d without registration", accountID)
			return nil
		}
		return err
	}

	// A live push clears any stale failure streak.
	if reg.FailureCount > 0 {
		if err := s.watches.ResetFailureCount(ctx, reg.ID); err != nil {
			s.log.WithError(err).Error("Failed to reset failure count for registration %d", reg.ID)
		}
	}

	// No usable token means the mailbox was unlinked or its refresh failed
	// on its own schedule; retrying the fetch here cannot fix either.
	tok, err := s.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		s.log.WithError(err).Warn("No usable token for account %d, dropping history %d", accountID, historyID)
		return nil
	}

	history, err := s.provider.FetchHistoryChanges(ctx, tok, historyID)
	if err != nil {
		var provErr *out.ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			s.log.WithError(err).Warn("History fetch rejected for account %d, dropping history %d", accountID, historyID)
			return nil
		}
		return apperr.ProviderTransient("history fetch", err)
	}

	if history.HistoryID > historyID {
		if err := s.watches.UpdateLastNotified(ctx, accountID, history.HistoryID); err != nil {
			s.log.WithError(err).Error("Failed to advance cursor for account %d", accountID)
		}
	}

	s.log.Info("Fetched history for account %d: %d added, %d removed (cursor %d -> %d)",
		accountID, len(history.AddedMessageIDs), len(history.RemovedMessageIDs),
		historyID, history.HistoryID)
	return nil
}

// isDuplicate takes the SETNX idempotency key; first writer wins.
func (s *Service) isDuplicate(ctx context.Context, accountID int64, historyID uint64) bool {
	if s.redis == nil {
		return false
	}
	ok, err := s.redis.SetNX(ctx, idempotencyKey(accountID, historyID), "1", IdempotencyTTL).Result()
	if err != nil {
		// Redis down: better to process twice than drop a notification.
		s.log.WithError(err).Warn("Idempotency check failed for account %d", accountID)
		return false
	}
	return !ok
}

// releaseIdempotency gives the key back after a processing failure so a
// redelivery within the TTL gets another chance.
func (s *Service) releaseIdempotency(ctx context.Context, accountID int64, historyID uint64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, idempotencyKey(accountID, historyID)).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to release idempotency key for account %d", accountID)
	}
}

func idempotencyKey(accountID int64, historyID uint64) string {
	return fmt.Sprintf("notify:idempotent:%d:%d", accountID, historyID)
}

func (s *Service) recordAudit(ctx context.Context, n *Notification, accountID int64, outcome domain.NotificationOutcome) {
	if s.audit == nil {
		return
	}
	rec := &domain.NotificationRecord{
		AccountID:   accountID,
		Email:       n.Email,
		HistoryID:   n.HistoryID,
		MessageID:   n.MessageID,
		PublishTime: n.PublishTime,
		Outcome:     outcome,
		Raw:         n.Raw,
		ReceivedAt:  time.Now(),
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		s.log.WithError(err).Warn("Failed to write notification audit record")
	}
}
