package watch

import (
	"context"
	"errors"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"
	"mailwatch_server/core/service/token"
	"mailwatch_server/pkg/apperr"
	"mailwatch_server/pkg/logger"
)

// Service keeps Gmail push watches alive: setup, renewal, reconciliation.
type Service struct {
	accounts out.AccountRepository
	watches  out.WatchRepository
	provider out.MailProviderPort
	tokens   *token.Service

	renewalLead   time.Duration
	failureBudget int

	log *logger.Logger
}

// NewService creates a watch renewal service.
func NewService(
	accounts out.AccountRepository,
	watches out.WatchRepository,
	provider out.MailProviderPort,
	tokens *token.Service,
	renewalLead time.Duration,
	failureBudget int,
) *Service {
	if renewalLead == 0 {
		renewalLead = domain.WatchRenewalLead
	}
	if failureBudget == 0 {
		failureBudget = domain.WatchFailureBudget
	}
	return &Service{
		accounts:      accounts,
		watches:       watches,
		provider:      provider,
		tokens:        tokens,
		renewalLead:   renewalLead,
		failureBudget: failureBudget,
		log:           logger.WithField("component", "watch_service"),
	}
}

// RenewalLead returns the configured lead time before expiry.
func (s *Service) RenewalLead() time.Duration {
	return s.renewalLead
}

// SetupWatch issues a watch for the account and upserts its registration.
// An active registration outside the renewal lead is returned as is.
func (s *Service) SetupWatch(ctx context.Context, accountID int64) (*domain.WatchRegistration, error) {
	existing, err := s.watches.GetByAccountID(ctx, accountID)
	if err != nil && !errors.Is(err, out.ErrWatchNotFound) {
		return nil, apperr.DatabaseError("get watch registration", err)
	}

	if existing != nil && existing.Status == domain.WatchStatusActive &&
		!existing.IsExpired() && !existing.NeedsRenewal() {
		return existing, nil
	}

	return s.issueWatch(ctx, accountID, existing)
}

// RenewWatch re-issues the watch behind a registration regardless of how
// much lifetime it has left.
func (s *Service) RenewWatch(ctx context.Context, registrationID int64) (*domain.WatchRegistration, error) {
	reg, err := s.watches.GetByID(ctx, registrationID)
	if err != nil {
		return nil, apperr.NotFound("watch registration").WithError(err)
	}
	return s.issueWatch(ctx, reg.AccountID, reg)
}

// issueWatch performs the provider call and records the outcome. existing
// may be nil when the account has no registration yet.
func (s *Service) issueWatch(ctx context.Context, accountID int64, existing *domain.WatchRegistration) (*domain.WatchRegistration, error) {
	entity, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.AccountNotFound(accountID).WithError(err)
	}

	tok, err := s.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		s.recordFailure(ctx, existing, err)
		return nil, err
	}

	resp, err := s.provider.Watch(ctx, tok)
	if err != nil {
		appErr := classifyProviderError("watch", err)
		s.recordFailure(ctx, existing, appErr)
		return nil, appErr
	}

	// Never move the history cursor backwards on renewal; stored progress
	// wins over the snapshot in the watch response.
	historyID := resp.HistoryID
	if existing != nil && existing.HistoryID > historyID {
		historyID = existing.HistoryID
	}

	now := time.Now()
	reg := &domain.WatchRegistration{
		AccountID:     accountID,
		UserID:        entity.UserID,
		Topic:         resp.TopicName,
		HistoryID:     historyID,
		Status:        domain.WatchStatusActive,
		FailureCount:  0,
		ExpiresAt:     resp.Expiration,
		LastRenewedAt: &now,
	}

	saved, err := s.watches.Upsert(ctx, reg)
	if err != nil {
		return nil, apperr.DatabaseError("upsert watch registration", err)
	}

	s.log.Info("Watch active for account %d, expires %s, history %d",
		accountID, resp.Expiration.UTC().Format(time.RFC3339), saved.HistoryID)
	return saved, nil
}

// recordFailure bumps the failure count and downgrades the registration.
// The stored history cursor is deliberately left untouched.
func (s *Service) recordFailure(ctx context.Context, reg *domain.WatchRegistration, cause error) {
	if reg == nil || reg.ID == 0 {
		return
	}

	count, err := s.watches.IncrementFailureCount(ctx, reg.ID)
	if err != nil {
		s.log.WithError(err).Error("Failed to bump failure count for registration %d", reg.ID)
		count = reg.FailureCount + 1
	}

	status := reg.Status
	if apperr.IsTerminal(cause) {
		status = domain.WatchStatusFailed
	}
	if count >= s.failureBudget {
		status = domain.WatchStatusDisabled
		s.log.Warn("Registration %d disabled after %d failed renewals", reg.ID, count)
	}

	if status != reg.Status {
		if err := s.watches.UpdateStatus(ctx, reg.ID, status, cause.Error()); err != nil {
			s.log.WithError(err).Error("Failed to update status for registration %d", reg.ID)
		}
	} else if err := s.watches.UpdateStatus(ctx, reg.ID, reg.Status, cause.Error()); err != nil {
		s.log.WithError(err).Error("Failed to record error for registration %d", reg.ID)
	}
}

// RenewExpiring renews every registration inside the renewal lead plus any
// stuck in pending or expired. A per-item failure never aborts the sweep.
func (s *Service) RenewExpiring(ctx context.Context) (renewed, failed int, err error) {
	due := make(map[int64]*domain.WatchRegistration)

	expiring, err := s.watches.ListExpiring(ctx, time.Now().Add(s.renewalLead))
	if err != nil {
		return 0, 0, apperr.DatabaseError("list expiring watches", err)
	}
	for _, reg := range expiring {
		due[reg.ID] = reg
	}

	for _, status := range []domain.WatchStatus{domain.WatchStatusPending, domain.WatchStatusExpired} {
		regs, listErr := s.watches.ListByStatus(ctx, status)
		if listErr != nil {
			s.log.WithError(listErr).Error("Failed to list %s watches", status)
			continue
		}
		for _, reg := range regs {
			due[reg.ID] = reg
		}
	}

	for _, reg := range due {
		if _, renewErr := s.issueWatch(ctx, reg.AccountID, reg); renewErr != nil {
			failed++
			s.log.WithError(renewErr).Error("Failed to renew watch for account %d", reg.AccountID)
			continue
		}
		renewed++
	}

	return renewed, failed, nil
}

// ReconcileAll makes sure every active account has a live registration.
// Run at startup to recover from missed renewals and lost timers.
func (s *Service) ReconcileAll(ctx context.Context) (created, failed int, err error) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return 0, 0, apperr.DatabaseError("list active accounts", err)
	}

	for _, account := range accounts {
		reg, getErr := s.watches.GetByAccountID(ctx, account.ID)
		if getErr != nil && !errors.Is(getErr, out.ErrWatchNotFound) {
			failed++
			s.log.WithError(getErr).Error("Reconcile lookup failed for account %d", account.ID)
			continue
		}

		// Disabled registrations burned their failure budget; they stay
		// down until an operator re-enables them.
		if reg != nil && reg.Status == domain.WatchStatusDisabled {
			continue
		}
		if reg != nil && reg.Status == domain.WatchStatusActive && !reg.IsExpired() && !reg.NeedsRenewal() {
			continue
		}

		if _, setupErr := s.issueWatch(ctx, account.ID, reg); setupErr != nil {
			failed++
			s.log.WithError(setupErr).Error("Reconcile setup failed for account %d", account.ID)
			continue
		}
		created++
	}

	s.log.Info("Watch reconciliation: %d accounts, %d set up, %d failed", len(accounts), created, failed)
	return created, failed, nil
}

// StopWatch tears down the provider watch and disables the registration.
// The provider call is best effort; the registration is disabled regardless.
func (s *Service) StopWatch(ctx context.Context, accountID int64) error {
	if tok, err := s.tokens.GetValidToken(ctx, accountID); err == nil {
		if err := s.provider.StopWatch(ctx, tok); err != nil {
			s.log.WithError(err).Warn("Provider stop failed for account %d", accountID)
		}
	} else {
		s.log.WithError(err).Warn("No usable token to stop watch for account %d", accountID)
	}

	reg, err := s.watches.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, out.ErrWatchNotFound) {
			return nil
		}
		return apperr.DatabaseError("get watch registration", err)
	}

	if err := s.watches.UpdateStatus(ctx, reg.ID, domain.WatchStatusDisabled, "stopped"); err != nil {
		return apperr.DatabaseError("disable watch registration", err)
	}
	return nil
}

// ListActive returns all live registrations, used to arm renewal timers.
func (s *Service) ListActive(ctx context.Context) ([]*domain.WatchRegistration, error) {
	return s.watches.ListActive(ctx)
}

// classifyProviderError maps a provider error onto the shared taxonomy.
func classifyProviderError(operation string, err error) *apperr.AppError {
	var provErr *out.ProviderError
	if errors.As(err, &provErr) {
		if provErr.Retryable {
			return apperr.ProviderTransient(operation, err)
		}
		return apperr.ProviderTerminal(operation, err)
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperr.ProviderTransient(operation, err)
}
