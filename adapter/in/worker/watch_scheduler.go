package worker

import (
	"context"
	"sync"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/service/watch"
	"mailwatch_server/pkg/logger"
)

// WatchScheduler keeps push watches renewed. Each successful renewal arms a
// timer for the next one, so an idle deployment still renews on time. Timer
// state is process local; the reconciliation sweep catches anything a
// restart loses.
type WatchScheduler struct {
	watches       *watch.Service
	checkInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc

	mu     sync.Mutex
	timers map[int64]*time.Timer // keyed by account ID
}

// NewWatchScheduler creates a new watch scheduler.
func NewWatchScheduler(watches *watch.Service, checkInterval time.Duration) *WatchScheduler {
	if checkInterval == 0 {
		checkInterval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchScheduler{
		watches:       watches,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
		timers:        make(map[int64]*time.Timer),
	}
}

// Start reconciles all accounts, arms renewal timers, and begins the
// reconciliation sweep loop.
func (s *WatchScheduler) Start() {
	logger.Info("[WatchScheduler] Starting with sweep interval %v", s.checkInterval)
	go s.run()
}

// Stop stops the scheduler and disarms all renewal timers.
func (s *WatchScheduler) Stop() {
	logger.Info("[WatchScheduler] Stopping...")
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, accountID)
	}
}

// run performs the startup reconciliation and then sweeps on a slow ticker.
func (s *WatchScheduler) run() {
	s.reconcile()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[WatchScheduler] Stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// reconcile makes sure every active account has a live watch, then arms
// timers for every active registration.
func (s *WatchScheduler) reconcile() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	if _, _, err := s.watches.ReconcileAll(ctx); err != nil {
		logger.Error("[WatchScheduler] Reconciliation failed: %v", err)
	}

	s.armAllActive(ctx)
}

// sweep renews everything inside the renewal lead and re-arms timers. This
// is the safety net for lost timers and process restarts.
func (s *WatchScheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	renewed, failed, err := s.watches.RenewExpiring(ctx)
	if err != nil {
		logger.Error("[WatchScheduler] Renewal sweep failed: %v", err)
		return
	}
	if renewed > 0 || failed > 0 {
		logger.Info("[WatchScheduler] Renewal sweep: %d renewed, %d failed", renewed, failed)
	}

	s.armAllActive(ctx)
}

// armAllActive (re)arms a renewal timer for every active registration.
func (s *WatchScheduler) armAllActive(ctx context.Context) {
	regs, err := s.watches.ListActive(ctx)
	if err != nil {
		logger.Error("[WatchScheduler] Failed to list active watches: %v", err)
		return
	}
	for _, reg := range regs {
		s.Arm(reg)
	}
}

// Arm schedules the next renewal for a registration at expiry minus the
// renewal lead. Re-arming replaces any existing timer for the account.
func (s *WatchScheduler) Arm(reg *domain.WatchRegistration) {
	delay := time.Until(reg.ExpiresAt.Add(-s.watches.RenewalLead()))
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[reg.AccountID]; ok {
		timer.Stop()
	}

	accountID := reg.AccountID
	registrationID := reg.ID
	s.timers[accountID] = time.AfterFunc(delay, func() {
		s.renewNow(accountID, registrationID)
	})

	logger.Debug("[WatchScheduler] Renewal for account %d armed in %v", accountID, delay.Round(time.Second))
}

// Disarm cancels the pending renewal timer for an account.
func (s *WatchScheduler) Disarm(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[accountID]; ok {
		timer.Stop()
		delete(s.timers, accountID)
	}
}

// renewNow fires when a renewal timer expires. Success re-arms the chain;
// failure is left to the reconciliation sweep so a flapping provider does
// not spin the timer.
func (s *WatchScheduler) renewNow(accountID, registrationID int64) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	reg, err := s.watches.RenewWatch(ctx, registrationID)
	if err != nil {
		logger.Error("[WatchScheduler] Timed renewal failed for account %d: %v", accountID, err)
		s.Disarm(accountID)
		return
	}

	logger.Info("[WatchScheduler] Renewed watch for account %d, next expiry %s",
		accountID, reg.ExpiresAt.UTC().Format(time.RFC3339))
	s.Arm(reg)
}

// SetCheckInterval sets the sweep interval (for testing).
func (s *WatchScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}
