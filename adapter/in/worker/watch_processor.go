package worker

import (
	"context"
	"fmt"

	"mailwatch_server/core/service/watch"
	"mailwatch_server/pkg/logger"
)

// WatchProcessor handles watch setup and renewal jobs.
type WatchProcessor struct {
	watches *watch.Service
}

func NewWatchProcessor(watches *watch.Service) *WatchProcessor {
	return &WatchProcessor{watches: watches}
}

// ProcessRenew renews one registration, or sweeps all expiring ones.
func (p *WatchProcessor) ProcessRenew(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[WatchRenewPayload](msg)
	if err != nil {
		return fmt.Errorf("invalid watch renew payload: %w", err)
	}

	if payload.RenewAll {
		renewed, failed, err := p.watches.RenewExpiring(ctx)
		if err != nil {
			return err
		}
		logger.Info("Watch renewal sweep: %d renewed, %d failed", renewed, failed)
		return nil
	}

	if payload.RegistrationID != 0 {
		_, err := p.watches.RenewWatch(ctx, payload.RegistrationID)
		return err
	}

	if payload.AccountID != 0 {
		_, err := p.watches.SetupWatch(ctx, payload.AccountID)
		return err
	}

	return fmt.Errorf("watch renew payload missing target")
}

// ProcessSetup creates a watch for an account without one.
func (p *WatchProcessor) ProcessSetup(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[WatchSetupPayload](msg)
	if err != nil {
		return fmt.Errorf("invalid watch setup payload: %w", err)
	}
	if payload.AccountID == 0 {
		return fmt.Errorf("watch setup payload missing account_id")
	}

	_, err = p.watches.SetupWatch(ctx, payload.AccountID)
	return err
}
