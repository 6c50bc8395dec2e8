package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/apperr"
	"mailwatch_server/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// DefaultRefreshWindow is how close to expiry a token must be before the
	// sweep refreshes it.
	DefaultRefreshWindow = 10 * time.Minute

	// DefaultFreshnessMargin is the minimum remaining lifetime GetValidToken
	// guarantees.
	DefaultFreshnessMargin = 5 * time.Minute

	// refreshLeaseTTL bounds how long a crashed refresher can hold the
	// per-account lease.
	refreshLeaseTTL = time.Minute
)

// gmailScopes are the scopes the service operates with.
var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/userinfo.email",
}

// SweepResult aggregates one bulk refresh pass.
type SweepResult struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// exchangeFunc performs the actual token exchange. Swappable in tests.
type exchangeFunc func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)

// Service keeps OAuth access tokens fresh for all connected accounts.
type Service struct {
	accounts out.AccountRepository
	redis    *redis.Client

	oauthConfig     *oauth2.Config
	refreshWindow   time.Duration
	freshnessMargin time.Duration

	exchange exchangeFunc
	log      *logger.Logger
}

// ServiceConfig carries the OAuth client settings.
type ServiceConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	RefreshWindow   time.Duration
	FreshnessMargin time.Duration
}

// NewService creates a token refresh service. redisClient may be nil; the
// per-account refresh lease is then skipped.
func NewService(accounts out.AccountRepository, redisClient *redis.Client, cfg ServiceConfig) *Service {
	if cfg.RefreshWindow == 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if cfg.FreshnessMargin == 0 {
		cfg.FreshnessMargin = DefaultFreshnessMargin
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       gmailScopes,
		Endpoint:     google.Endpoint,
	}

	s := &Service{
		accounts:        accounts,
		redis:           redisClient,
		oauthConfig:     oauthConfig,
		refreshWindow:   cfg.RefreshWindow,
		freshnessMargin: cfg.FreshnessMargin,
		log:             logger.WithField("component", "token_service"),
	}
	s.exchange = s.exchangeToken
	return s
}

// exchangeToken asks the OAuth endpoint for a fresh access token.
func (s *Service) exchangeToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return s.oauthConfig.TokenSource(ctx, token).Token()
}

// RefreshAccount refreshes one account's access token. Terminal provider
// answers disconnect the account; transient ones leave it untouched.
func (s *Service) RefreshAccount(ctx context.Context, accountID int64) error {
	acquired, release := s.acquireRefreshLease(ctx, accountID)
	if !acquired {
		s.log.Debug("Refresh lease busy for account %d, skipping", accountID)
		return nil
	}
	defer release()

	entity, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return apperr.AccountNotFound(accountID).WithError(err)
	}
	account := toDomainAccount(entity)

	_, err = s.refreshAccount(ctx, account)
	return err
}

// refreshAccount does the exchange and persists the outcome. Callers hold
// the lease.
func (s *Service) refreshAccount(ctx context.Context, account *domain.Account) (*oauth2.Token, error) {
	if !account.CanRefresh() {
		return nil, apperr.AccountNotRefreshable(account.Email)
	}

	current := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}

	fresh, err := s.exchange(ctx, current)
	if err != nil {
		if isTerminalOAuthError(err) {
			s.log.WithError(err).Warn("Grant revoked for account %d (%s), disconnecting", account.ID, account.Email)
			if dbErr := s.accounts.MarkDisconnected(ctx, account.ID); dbErr != nil {
				s.log.WithError(dbErr).Error("Failed to disconnect account %d", account.ID)
			}
			return nil, apperr.ProviderTerminal("token refresh", err).WithDetail("account_id", account.ID)
		}
		return nil, apperr.ProviderTransient("token refresh", err).WithDetail("account_id", account.ID)
	}

	// Providers often omit the refresh token on renewal; keep the old one.
	refreshToken := account.RefreshToken
	if fresh.RefreshToken != "" {
		refreshToken = fresh.RefreshToken
	}

	if err := s.accounts.UpdateTokens(ctx, account.ID, fresh.AccessToken, refreshToken, fresh.Expiry); err != nil {
		return nil, apperr.DatabaseError("update tokens", err)
	}

	s.log.Info("Refreshed token for account %d (%s), new expiry %s",
		account.ID, account.Email, fresh.Expiry.UTC().Format(time.RFC3339))

	fresh.RefreshToken = refreshToken
	return fresh, nil
}

// SweepExpiring refreshes every active account whose token expires inside
// the refresh window. One failure never aborts the sweep.
func (s *Service) SweepExpiring(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	entities, err := s.accounts.ListExpiring(ctx, time.Now().Add(s.refreshWindow))
	if err != nil {
		return result, apperr.DatabaseError("list expiring accounts", err)
	}

	for _, entity := range entities {
		result.Checked++
		account := toDomainAccount(entity)

		if !account.CanRefresh() {
			result.Skipped++
			continue
		}

		acquired, release := s.acquireRefreshLease(ctx, account.ID)
		if !acquired {
			// Someone else is already refreshing this account.
			result.Skipped++
			continue
		}

		if _, err := s.refreshAccount(ctx, account); err != nil {
			result.Failed++
			s.log.WithError(err).Error("Sweep refresh failed for account %d", account.ID)
		} else {
			result.Refreshed++
		}
		release()
	}

	return result, nil
}

// GetValidToken returns a token with at least the freshness margin left,
// refreshing inline when needed.
func (s *Service) GetValidToken(ctx context.Context, accountID int64) (*oauth2.Token, error) {
	entity, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.AccountNotFound(accountID).WithError(err)
	}
	account := toDomainAccount(entity)

	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, apperr.NoAccessToken(accountID)
	}

	if !account.TokenExpiresWithin(s.freshnessMargin) {
		return &oauth2.Token{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
			Expiry:       account.TokenExpiry,
		}, nil
	}

	acquired, release := s.acquireRefreshLease(ctx, accountID)
	if acquired {
		defer release()
		return s.refreshAccount(ctx, account)
	}

	// Another refresher holds the lease; wait briefly and re-read.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}

	entity, err = s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.AccountNotFound(accountID).WithError(err)
	}
	account = toDomainAccount(entity)
	return &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiry,
	}, nil
}

// acquireRefreshLease takes the per-account SETNX lease so a sweep and a
// targeted job never refresh the same account concurrently.
func (s *Service) acquireRefreshLease(ctx context.Context, accountID int64) (bool, func()) {
	if s.redis == nil {
		return true, func() {}
	}

	key := fmt.Sprintf("token:refresh:lock:%d", accountID)
	ok, err := s.redis.SetNX(ctx, key, "1", refreshLeaseTTL).Result()
	if err != nil {
		// Redis down: proceed without the lease rather than stall refreshes.
		s.log.WithError(err).Warn("Refresh lease check failed for account %d", accountID)
		return true, func() {}
	}
	if !ok {
		return false, func() {}
	}
	return true, func() {
		s.redis.Del(context.Background(), key)
	}
}

// terminalOAuthMarkers identify provider answers that re-authentication alone
// can fix.
var terminalOAuthMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"Token has been expired or revoked",
	"Token has been revoked",
	"unauthorized_client",
}

// isTerminalOAuthError classifies a token endpoint failure.
func isTerminalOAuthError(err error) bool {
	if err == nil {
		return false
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		if code == 429 || code >= 500 {
			return false
		}
	}

	msg := err.Error()
	for _, marker := range terminalOAuthMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// toDomainAccount maps a storage entity to the domain model.
func toDomainAccount(entity *out.AccountEntity) *domain.Account {
	var scopes []string
	if entity.Scopes != "" {
		scopes = strings.Split(entity.Scopes, " ")
	}
	return &domain.Account{
		ID:           entity.ID,
		UserID:       entity.UserID,
		Email:        entity.Email,
		AccessToken:  entity.AccessToken,
		RefreshToken: entity.RefreshToken,
		TokenExpiry:  entity.TokenExpiry,
		Scopes:       scopes,
		IsActive:     entity.IsActive,
		CreatedAt:    entity.CreatedAt,
		UpdatedAt:    entity.UpdatedAt,
	}
}
