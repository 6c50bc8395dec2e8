package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/apperr"

	"golang.org/x/oauth2"
)

// fakeAccountRepo is an in-memory AccountRepository.
type fakeAccountRepo struct {
	accounts     map[int64]*out.AccountEntity
	updateCalls  int
	disconnected []int64
}

func newFakeAccountRepo(accounts ...*out.AccountEntity) *fakeAccountRepo {
	repo := &fakeAccountRepo{accounts: make(map[int64]*out.AccountEntity)}
	for _, a := range accounts {
		repo.accounts[a.ID] = a
	}
	return repo
}

func (r *fakeAccountRepo) Create(ctx context.Context, entity *out.AccountEntity) error {
	r.accounts[entity.ID] = entity
	return nil
}

func (r *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*out.AccountEntity, error) {
	if a, ok := r.accounts[id]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*out.AccountEntity, error) {
	for _, a := range r.accounts {
		if a.Email == email {
			copied := *a
			return &copied, nil
		}
	}
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) ListActive(ctx context.Context) ([]*out.AccountEntity, error) {
	var active []*out.AccountEntity
	for _, a := range r.accounts {
		if a.IsActive {
			copied := *a
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (r *fakeAccountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*out.AccountEntity, error) {
	var expiring []*out.AccountEntity
	for _, a := range r.accounts {
		if a.IsActive && a.TokenExpiry.Before(before) {
			copied := *a
			expiring = append(expiring, &copied)
		}
	}
	return expiring, nil
}

func (r *fakeAccountRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	a, ok := r.accounts[id]
	if !ok {
		return out.ErrAccountNotFound
	}
	r.updateCalls++
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.TokenExpiry = expiry
	a.IsActive = true
	return nil
}

func (r *fakeAccountRepo) MarkDisconnected(ctx context.Context, id int64) error {
	a, ok := r.accounts[id]
	if !ok {
		return out.ErrAccountNotFound
	}
	a.IsActive = false
	r.disconnected = append(r.disconnected, id)
	return nil
}

func (r *fakeAccountRepo) Delete(ctx context.Context, id int64) error {
	delete(r.accounts, id)
	return nil
}

func testEntity(id int64, expiry time.Time) *out.AccountEntity {
	return &out.AccountEntity{
		ID:           id,
		Email:        fmt.Sprintf("user%d@example.com", id),
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  expiry,
		IsActive:     true,
	}
}

func newTestService(repo *fakeAccountRepo, exchange exchangeFunc) *Service {
	svc := NewService(repo, nil, ServiceConfig{ClientID: "c", ClientSecret: "s"})
	if exchange != nil {
		svc.exchange = exchange
	}
	return svc
}

func TestRefreshAccountSuccess(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Minute)))
	newExpiry := time.Now().Add(time.Hour)
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: newExpiry}, nil
	})

	if err := svc.RefreshAccount(context.Background(), 1); err != nil {
		t.Fatalf("RefreshAccount failed: %v", err)
	}

	got := repo.accounts[1]
	if got.AccessToken != "new-access" {
		t.Errorf("access token = %s, want new-access", got.AccessToken)
	}
	if got.RefreshToken != "new-refresh" {
		t.Errorf("refresh token = %s, want new-refresh", got.RefreshToken)
	}
	if repo.updateCalls != 1 {
		t.Errorf("UpdateTokens called %d times, want 1", repo.updateCalls)
	}
}

func TestRefreshAccountPreservesRefreshToken(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Minute)))
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		// Google often returns no refresh token on renewal.
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	})

	if err := svc.RefreshAccount(context.Background(), 1); err != nil {
		t.Fatalf("RefreshAccount failed: %v", err)
	}

	if got := repo.accounts[1].RefreshToken; got != "old-refresh" {
		t.Errorf("refresh token = %s, want old-refresh preserved", got)
	}
}

func TestRefreshAccountTerminalDisconnects(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Minute)))
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		return nil, errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)
	})

	err := svc.RefreshAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error for revoked grant")
	}
	if !apperr.IsTerminal(err) {
		t.Errorf("expected terminal error, got retryable: %v", err)
	}
	if len(repo.disconnected) != 1 || repo.disconnected[0] != 1 {
		t.Errorf("expected account 1 disconnected, got %v", repo.disconnected)
	}
	if repo.updateCalls != 0 {
		t.Error("tokens must not be written on a failed refresh")
	}
}

func TestRefreshAccountTransientKeepsAccount(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Minute)))
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		return nil, errors.New("connection timed out")
	})

	err := svc.RefreshAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.IsTerminal(err) {
		t.Errorf("expected retryable error, got terminal: %v", err)
	}
	if len(repo.disconnected) != 0 {
		t.Error("transient failure must not disconnect the account")
	}
	if repo.accounts[1].AccessToken != "old-access" {
		t.Error("transient failure must leave tokens untouched")
	}
}

func TestRefreshAccountNotRefreshable(t *testing.T) {
	entity := testEntity(1, time.Now().Add(time.Minute))
	entity.RefreshToken = ""
	repo := newFakeAccountRepo(entity)
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		t.Fatal("exchange must not be called without a refresh token")
		return nil, nil
	})

	err := svc.RefreshAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	appErr := apperr.AsAppError(err)
	if appErr.Code != apperr.CodeAccountNotRefreshable {
		t.Errorf("code = %s, want %s", appErr.Code, apperr.CodeAccountNotRefreshable)
	}
}

func TestSweepExpiringAggregates(t *testing.T) {
	soon := time.Now().Add(time.Minute)
	noRefresh := testEntity(3, soon)
	noRefresh.RefreshToken = ""

	repo := newFakeAccountRepo(
		testEntity(1, soon),
		testEntity(2, soon),
		noRefresh,
		testEntity(4, time.Now().Add(24*time.Hour)), // not expiring
	)

	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		if token.AccessToken == "old-access" && token.RefreshToken == "old-refresh" {
			return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
		}
		return nil, errors.New("unexpected token")
	})

	result, err := svc.SweepExpiring(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiring failed: %v", err)
	}

	if result.Checked != 3 {
		t.Errorf("checked = %d, want 3", result.Checked)
	}
	if result.Refreshed != 2 {
		t.Errorf("refreshed = %d, want 2", result.Refreshed)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", result.Skipped)
	}
	if result.Failed != 0 {
		t.Errorf("failed = %d, want 0", result.Failed)
	}
}

func TestSweepExpiringCountsFailures(t *testing.T) {
	repo := newFakeAccountRepo(
		testEntity(1, time.Now().Add(time.Minute)),
		testEntity(2, time.Now().Add(time.Minute)),
	)

	var calls int
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("503 backend error")
		}
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	})

	result, err := svc.SweepExpiring(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiring failed: %v", err)
	}
	if result.Failed != 1 || result.Refreshed != 1 {
		t.Errorf("failed=%d refreshed=%d, want 1 and 1", result.Failed, result.Refreshed)
	}
}

func TestGetValidTokenFreshTokenPassthrough(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Hour)))
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		t.Fatal("exchange must not run for a fresh token")
		return nil, nil
	})

	tok, err := svc.GetValidToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "old-access" {
		t.Errorf("access token = %s, want old-access", tok.AccessToken)
	}
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	repo := newFakeAccountRepo(testEntity(1, time.Now().Add(time.Minute)))
	svc := newTestService(repo, func(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	})

	tok, err := svc.GetValidToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("access token = %s, want new-access", tok.AccessToken)
	}
	if repo.accounts[1].AccessToken != "new-access" {
		t.Error("refreshed token must be persisted")
	}
}

func TestGetValidTokenNoCredentials(t *testing.T) {
	entity := testEntity(1, time.Now().Add(time.Hour))
	entity.AccessToken = ""
	entity.RefreshToken = ""
	repo := newFakeAccountRepo(entity)
	svc := newTestService(repo, nil)

	_, err := svc.GetValidToken(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if appErr := apperr.AsAppError(err); appErr.Code != apperr.CodeNoAccessToken {
		t.Errorf("code = %s, want %s", appErr.Code, apperr.CodeNoAccessToken)
	}
}

func TestIsTerminalOAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid_grant", errors.New("oauth2: invalid_grant"), true},
		{"invalid_client", errors.New("oauth2: invalid_client"), true},
		{"revoked token", errors.New("Token has been revoked"), true},
		{"unauthorized_client", errors.New("unauthorized_client"), true},
		{"network error", errors.New("dial tcp: connection refused"), false},
		{
			"retrieve error 429 is transient",
			&oauth2.RetrieveError{Response: &http.Response{StatusCode: 429}},
			false,
		},
		{
			"retrieve error 503 is transient",
			&oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTerminalOAuthError(tt.err); got != tt.want {
				t.Errorf("isTerminalOAuthError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
