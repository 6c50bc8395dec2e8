package worker

import (
	"context"
	"fmt"

	"mailwatch_server/core/service/token"
	"mailwatch_server/pkg/logger"
)

// TokenProcessor handles token refresh jobs.
type TokenProcessor struct {
	tokens *token.Service
}

func NewTokenProcessor(tokens *token.Service) *TokenProcessor {
	return &TokenProcessor{tokens: tokens}
}

// ProcessRefresh refreshes one account's access token.
func (p *TokenProcessor) ProcessRefresh(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[TokenRefreshPayload](msg)
	if err != nil {
		return fmt.Errorf("invalid token refresh payload: %w", err)
	}
	if payload.AccountID == 0 {
		return fmt.Errorf("token refresh payload missing account_id")
	}

	logger.Info("Refreshing token for account %d (reason: %s)", payload.AccountID, payload.Reason)
	return p.tokens.RefreshAccount(ctx, payload.AccountID)
}
