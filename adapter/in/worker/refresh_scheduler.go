package worker

import (
	"context"
	"time"

	"mailwatch_server/core/service/token"
	"mailwatch_server/pkg/logger"
)

// TokenRefreshScheduler periodically sweeps accounts whose access token is
// about to expire.
type TokenRefreshScheduler struct {
	tokens        *token.Service
	checkInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewTokenRefreshScheduler creates a new token refresh scheduler.
func NewTokenRefreshScheduler(tokens *token.Service, checkInterval time.Duration) *TokenRefreshScheduler {
	if checkInterval == 0 {
		checkInterval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TokenRefreshScheduler{
		tokens:        tokens,
		checkInterval: checkInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the token refresh scheduler.
func (s *TokenRefreshScheduler) Start() {
	logger.Info("[TokenRefreshScheduler] Starting with interval %v", s.checkInterval)
	go s.run()
}

// Stop stops the token refresh scheduler.
func (s *TokenRefreshScheduler) Stop() {
	logger.Info("[TokenRefreshScheduler] Stopping...")
	s.cancel()
}

// run is the main loop that sweeps expiring tokens.
func (s *TokenRefreshScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// Sweep once right away so a restart never waits a full interval.
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[TokenRefreshScheduler] Stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep runs one bounded refresh pass.
func (s *TokenRefreshScheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	result, err := s.tokens.SweepExpiring(ctx)
	if err != nil {
		logger.Error("[TokenRefreshScheduler] Sweep failed: %v", err)
		return
	}
	if result.Checked > 0 {
		logger.Info("[TokenRefreshScheduler] Sweep: %d checked, %d refreshed, %d failed, %d skipped",
			result.Checked, result.Refreshed, result.Failed, result.Skipped)
	}
}

// SetCheckInterval sets the check interval (for testing).
func (s *TokenRefreshScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}
