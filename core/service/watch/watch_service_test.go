package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"
	"mailwatch_server/core/service/token"

	"golang.org/x/oauth2"
)

// fakeAccountRepo implements out.AccountRepository with fresh tokens so the
// token service never hits the OAuth endpoint.
type fakeAccountRepo struct {
	accounts map[int64]*out.AccountEntity
}

func newFakeAccountRepo(ids ...int64) *fakeAccountRepo {
	repo := &fakeAccountRepo{accounts: make(map[int64]*out.AccountEntity)}
	for _, id := range ids {
		repo.accounts[id] = &out.AccountEntity{
			ID:           id,
			Email:        "user@example.com",
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenExpiry:  time.Now().Add(time.Hour),
			IsActive:     true,
		}
	}
	return repo
}

func (r *fakeAccountRepo) Create(ctx context.Context, e *out.AccountEntity) error { return nil }

func (r *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*out.AccountEntity, error) {
	if a, ok := r.accounts[id]; ok {
		return a, nil
	}
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*out.AccountEntity, error) {
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) ListActive(ctx context.Context) ([]*out.AccountEntity, error) {
	var all []*out.AccountEntity
	for _, a := range r.accounts {
		all = append(all, a)
	}
	return all, nil
}

func (r *fakeAccountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*out.AccountEntity, error) {
	return nil, nil
}

func (r *fakeAccountRepo) UpdateTokens(ctx context.Context, id int64, a, rt string, e time.Time) error {
	return nil
}

func (r *fakeAccountRepo) MarkDisconnected(ctx context.Context, id int64) error { return nil }
func (r *fakeAccountRepo) Delete(ctx context.Context, id int64) error           { return nil }

// fakeWatchRepo implements out.WatchRepository in memory.
type fakeWatchRepo struct {
	byAccount map[int64]*domain.WatchRegistration
	nextID    int64
}

func newFakeWatchRepo(regs ...*domain.WatchRegistration) *fakeWatchRepo {
	repo := &fakeWatchRepo{byAccount: make(map[int64]*domain.WatchRegistration), nextID: 1}
	for _, reg := range regs {
		if reg.ID >= repo.nextID {
			repo.nextID = reg.ID + 1
		}
		repo.byAccount[reg.AccountID] = reg
	}
	return repo
}

func (r *fakeWatchRepo) Upsert(ctx context.Context, reg *domain.WatchRegistration) (*domain.WatchRegistration, error) {
	copied := *reg
	if existing, ok := r.byAccount[reg.AccountID]; ok {
		copied.ID = existing.ID
		if existing.HistoryID > copied.HistoryID {
			copied.HistoryID = existing.HistoryID
		}
	} else {
		copied.ID = r.nextID
		r.nextID++
	}
	r.byAccount[reg.AccountID] = &copied
	return &copied, nil
}

func (r *fakeWatchRepo) GetByID(ctx context.Context, id int64) (*domain.WatchRegistration, error) {
	for _, reg := range r.byAccount {
		if reg.ID == id {
			return reg, nil
		}
	}
	return nil, out.ErrWatchNotFound
}

func (r *fakeWatchRepo) GetByAccountID(ctx context.Context, accountID int64) (*domain.WatchRegistration, error) {
	if reg, ok := r.byAccount[accountID]; ok {
		return reg, nil
	}
	return nil, out.ErrWatchNotFound
}

func (r *fakeWatchRepo) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchRegistration, error) {
	var due []*domain.WatchRegistration
	for _, reg := range r.byAccount {
		if reg.Status == domain.WatchStatusActive && reg.ExpiresAt.Before(before) {
			due = append(due, reg)
		}
	}
	return due, nil
}

func (r *fakeWatchRepo) ListByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchRegistration, error) {
	var matched []*domain.WatchRegistration
	for _, reg := range r.byAccount {
		if reg.Status == status {
			matched = append(matched, reg)
		}
	}
	return matched, nil
}

func (r *fakeWatchRepo) ListActive(ctx context.Context) ([]*domain.WatchRegistration, error) {
	return r.ListByStatus(ctx, domain.WatchStatusActive)
}

func (r *fakeWatchRepo) UpdateStatus(ctx context.Context, id int64, status domain.WatchStatus, lastError string) error {
	reg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	reg.Status = status
	reg.LastError = lastError
	return nil
}

func (r *fakeWatchRepo) IncrementFailureCount(ctx context.Context, id int64) (int, error) {
	reg, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	reg.FailureCount++
	return reg.FailureCount, nil
}

func (r *fakeWatchRepo) ResetFailureCount(ctx context.Context, id int64) error {
	reg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	reg.FailureCount = 0
	reg.LastError = ""
	return nil
}

func (r *fakeWatchRepo) UpdateLastNotified(ctx context.Context, accountID int64, historyID uint64) error {
	reg, ok := r.byAccount[accountID]
	if !ok {
		return out.ErrWatchNotFound
	}
	now := time.Now()
	reg.LastNotifiedAt = &now
	if historyID > reg.HistoryID {
		reg.HistoryID = historyID
	}
	return nil
}

func (r *fakeWatchRepo) Delete(ctx context.Context, id int64) error { return nil }

// fakeProvider implements out.MailProviderPort.
type fakeProvider struct {
	watchResp *out.ProviderWatchResponse
	watchErr  error
	calls     int
}

func (p *fakeProvider) Watch(ctx context.Context, tok *oauth2.Token) (*out.ProviderWatchResponse, error) {
	p.calls++
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	return p.watchResp, nil
}

func (p *fakeProvider) StopWatch(ctx context.Context, tok *oauth2.Token) error { return nil }

func (p *fakeProvider) GetProfile(ctx context.Context, tok *oauth2.Token) (*out.ProviderProfile, error) {
	return &out.ProviderProfile{Email: "user@example.com", HistoryID: 1}, nil
}

func (p *fakeProvider) FetchHistoryChanges(ctx context.Context, tok *oauth2.Token, startHistoryID uint64) (*out.ProviderHistory, error) {
	return &out.ProviderHistory{HistoryID: startHistoryID}, nil
}

func newTestService(accounts *fakeAccountRepo, watches *fakeWatchRepo, provider *fakeProvider) *Service {
	tokens := token.NewService(accounts, nil, token.ServiceConfig{ClientID: "c", ClientSecret: "s"})
	return NewService(accounts, watches, provider, tokens, 0, 0)
}

func goodWatchResp() *out.ProviderWatchResponse {
	return &out.ProviderWatchResponse{
		HistoryID:  100,
		Expiration: time.Now().Add(7 * 24 * time.Hour),
		TopicName:  "projects/p/topics/gmail-push",
	}
}

func TestSetupWatchCreatesRegistration(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo()
	provider := &fakeProvider{watchResp: goodWatchResp()}
	svc := newTestService(accounts, watches, provider)

	reg, err := svc.SetupWatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("SetupWatch failed: %v", err)
	}
	if reg.Status != domain.WatchStatusActive {
		t.Errorf("status = %s, want active", reg.Status)
	}
	if reg.HistoryID != 100 {
		t.Errorf("history id = %d, want 100", reg.HistoryID)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestSetupWatchReturnsFreshRegistration(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:        5,
		AccountID: 1,
		Status:    domain.WatchStatusActive,
		ExpiresAt: time.Now().Add(6 * 24 * time.Hour),
		HistoryID: 42,
	})
	provider := &fakeProvider{watchResp: goodWatchResp()}
	svc := newTestService(accounts, watches, provider)

	reg, err := svc.SetupWatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("SetupWatch failed: %v", err)
	}
	if provider.calls != 0 {
		t.Error("fresh active registration must not trigger a provider call")
	}
	if reg.ID != 5 || reg.HistoryID != 42 {
		t.Errorf("expected existing registration back, got %+v", reg)
	}
}

func TestRenewWatchForcesReissue(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:        5,
		AccountID: 1,
		Status:    domain.WatchStatusActive,
		ExpiresAt: time.Now().Add(6 * 24 * time.Hour),
		HistoryID: 42,
	})
	provider := &fakeProvider{watchResp: goodWatchResp()}
	svc := newTestService(accounts, watches, provider)

	reg, err := svc.RenewWatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("RenewWatch failed: %v", err)
	}
	if provider.calls != 1 {
		t.Error("RenewWatch must always call the provider")
	}
	if reg.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 after success", reg.FailureCount)
	}
}

func TestRenewalPreservesHigherHistoryID(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:        5,
		AccountID: 1,
		Status:    domain.WatchStatusActive,
		ExpiresAt: time.Now().Add(time.Hour),
		HistoryID: 500, // ahead of the watch response snapshot
	})
	provider := &fakeProvider{watchResp: goodWatchResp()} // HistoryID 100
	svc := newTestService(accounts, watches, provider)

	reg, err := svc.RenewWatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("RenewWatch failed: %v", err)
	}
	if reg.HistoryID != 500 {
		t.Errorf("history id = %d, want 500 (cursor must never move backwards)", reg.HistoryID)
	}
}

func TestFailedRenewalKeepsCursorAndBumpsFailures(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:        5,
		AccountID: 1,
		Status:    domain.WatchStatusActive,
		ExpiresAt: time.Now().Add(time.Hour),
		HistoryID: 500,
	})
	provider := &fakeProvider{
		watchErr: out.NewProviderError("gmail", out.ProviderErrServer, "watch: server error", errors.New("503"), true),
	}
	svc := newTestService(accounts, watches, provider)

	if _, err := svc.RenewWatch(context.Background(), 5); err == nil {
		t.Fatal("expected renewal to fail")
	}

	reg := watches.byAccount[1]
	if reg.HistoryID != 500 {
		t.Errorf("history id = %d, failed renewal must not touch the cursor", reg.HistoryID)
	}
	if reg.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", reg.FailureCount)
	}
	if reg.Status != domain.WatchStatusActive {
		t.Errorf("status = %s, one transient failure must not downgrade", reg.Status)
	}
}

func TestTerminalFailureMarksFailed(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:        5,
		AccountID: 1,
		Status:    domain.WatchStatusActive,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	provider := &fakeProvider{
		watchErr: out.NewProviderError("gmail", out.ProviderErrAuth, "watch: forbidden", errors.New("403"), false),
	}
	svc := newTestService(accounts, watches, provider)

	if _, err := svc.RenewWatch(context.Background(), 5); err == nil {
		t.Fatal("expected renewal to fail")
	}

	if got := watches.byAccount[1].Status; got != domain.WatchStatusFailed {
		t.Errorf("status = %s, want failed after a terminal provider answer", got)
	}
}

func TestFailureBudgetDisablesRegistration(t *testing.T) {
	accounts := newFakeAccountRepo(1)
	watches := newFakeWatchRepo(&domain.WatchRegistration{
		ID:           5,
		AccountID:    1,
		Status:       domain.WatchStatusActive,
		ExpiresAt:    time.Now().Add(time.Hour),
		FailureCount: domain.WatchFailureBudget - 1,
	})
	provider := &fakeProvider{
		watchErr: out.NewProviderError("gmail", out.ProviderErrServer, "watch: server error", errors.New("503"), true),
	}
	svc := newTestService(accounts, watches, provider)

	if _, err := svc.RenewWatch(context.Background(), 5); err == nil {
		t.Fatal("expected renewal to fail")
	}

	if got := watches.byAccount[1].Status; got != domain.WatchStatusDisabled {
		t.Errorf("status = %s, want disabled after exhausting the failure budget", got)
	}
}

func TestRenewExpiringCounts(t *testing.T) {
	accounts := newFakeAccountRepo(1, 2, 3)
	watches := newFakeWatchRepo(
		&domain.WatchRegistration{
			ID: 1, AccountID: 1, Status: domain.WatchStatusActive,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		&domain.WatchRegistration{
			ID: 2, AccountID: 2, Status: domain.WatchStatusExpired,
			ExpiresAt: time.Now().Add(-time.Hour),
		},
		&domain.WatchRegistration{
			ID: 3, AccountID: 3, Status: domain.WatchStatusActive,
			ExpiresAt: time.Now().Add(6 * 24 * time.Hour), // outside the lead
		},
	)
	provider := &fakeProvider{watchResp: goodWatchResp()}
	svc := newTestService(accounts, watches, provider)

	renewed, failed, err := svc.RenewExpiring(context.Background())
	if err != nil {
		t.Fatalf("RenewExpiring failed: %v", err)
	}
	if renewed != 2 {
		t.Errorf("renewed = %d, want 2", renewed)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if got := watches.byAccount[2].Status; got != domain.WatchStatusActive {
		t.Errorf("expired registration status = %s, want active after sweep", got)
	}
}

func TestReconcileAllSkipsDisabledAndFresh(t *testing.T) {
	accounts := newFakeAccountRepo(1, 2, 3)
	watches := newFakeWatchRepo(
		&domain.WatchRegistration{
			ID: 1, AccountID: 1, Status: domain.WatchStatusDisabled,
			ExpiresAt: time.Now().Add(-time.Hour),
		},
		&domain.WatchRegistration{
			ID: 2, AccountID: 2, Status: domain.WatchStatusActive,
			ExpiresAt: time.Now().Add(6 * 24 * time.Hour),
		},
	)
	// Account 3 has no registration at all.
	provider := &fakeProvider{watchResp: goodWatchResp()}
	svc := newTestService(accounts, watches, provider)

	created, failed, err := svc.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1 (only the account without a watch)", created)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
	if got := watches.byAccount[1].Status; got != domain.WatchStatusDisabled {
		t.Error("reconciliation must not resurrect disabled registrations")
	}
	if _, err := watches.GetByAccountID(context.Background(), 3); err != nil {
		t.Error("account without a registration must get one")
	}
}

func TestClassifyProviderError(t *testing.T) {
	transient := classifyProviderError("watch",
		out.NewProviderError("gmail", out.ProviderErrServer, "boom", nil, true))
	if transient.Code != "PROVIDER_TRANSIENT" {
		t.Errorf("retryable provider error code = %s, want PROVIDER_TRANSIENT", transient.Code)
	}

	terminal := classifyProviderError("watch",
		out.NewProviderError("gmail", out.ProviderErrAuth, "denied", nil, false))
	if terminal.Code != "PROVIDER_TERMINAL" {
		t.Errorf("terminal provider error code = %s, want PROVIDER_TERMINAL", terminal.Code)
	}

	unknown := classifyProviderError("watch", errors.New("weird"))
	if unknown.Code != "PROVIDER_TRANSIENT" {
		t.Errorf("unknown error code = %s, want PROVIDER_TRANSIENT", unknown.Code)
	}
}
