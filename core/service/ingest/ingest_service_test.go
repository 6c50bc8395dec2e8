package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailwatch_server/core/domain"
	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/apperr"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

type fakeAccountRepo struct {
	byEmail map[string]*out.AccountEntity
}

func (r *fakeAccountRepo) Create(ctx context.Context, e *out.AccountEntity) error { return nil }

func (r *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*out.AccountEntity, error) {
	for _, a := range r.byEmail {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*out.AccountEntity, error) {
	if a, ok := r.byEmail[email]; ok {
		return a, nil
	}
	return nil, out.ErrAccountNotFound
}

func (r *fakeAccountRepo) ListActive(ctx context.Context) ([]*out.AccountEntity, error) {
	return nil, nil
}

func (r *fakeAccountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*out.AccountEntity, error) {
	return nil, nil
}

func (r *fakeAccountRepo) UpdateTokens(ctx context.Context, id int64, a, rt string, e time.Time) error {
	return nil
}

func (r *fakeAccountRepo) MarkDisconnected(ctx context.Context, id int64) error { return nil }
func (r *fakeAccountRepo) Delete(ctx context.Context, id int64) error           { return nil }

type fakeWatchRepo struct {
	mu           sync.Mutex
	reg          *domain.WatchRegistration
	lastNotified []uint64
	resets       int
}

func (r *fakeWatchRepo) Upsert(ctx context.Context, reg *domain.WatchRegistration) (*domain.WatchRegistration, error) {
	return reg, nil
}

func (r *fakeWatchRepo) GetByID(ctx context.Context, id int64) (*domain.WatchRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg != nil && r.reg.ID == id {
		return r.reg, nil
	}
	return nil, out.ErrWatchNotFound
}

func (r *fakeWatchRepo) GetByAccountID(ctx context.Context, accountID int64) (*domain.WatchRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reg != nil && r.reg.AccountID == accountID {
		return r.reg, nil
	}
	return nil, out.ErrWatchNotFound
}

func (r *fakeWatchRepo) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchRegistration, error) {
	return nil, nil
}

func (r *fakeWatchRepo) ListByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchRegistration, error) {
	return nil, nil
}

func (r *fakeWatchRepo) ListActive(ctx context.Context) ([]*domain.WatchRegistration, error) {
	return nil, nil
}

func (r *fakeWatchRepo) UpdateStatus(ctx context.Context, id int64, status domain.WatchStatus, lastError string) error {
	return nil
}

func (r *fakeWatchRepo) IncrementFailureCount(ctx context.Context, id int64) (int, error) {
	return 0, nil
}

func (r *fakeWatchRepo) ResetFailureCount(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	if r.reg != nil {
		r.reg.FailureCount = 0
	}
	return nil
}

func (r *fakeWatchRepo) UpdateLastNotified(ctx context.Context, accountID int64, historyID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNotified = append(r.lastNotified, historyID)
	if r.reg != nil && historyID > r.reg.HistoryID {
		r.reg.HistoryID = historyID
	}
	return nil
}

func (r *fakeWatchRepo) Delete(ctx context.Context, id int64) error { return nil }

func (r *fakeWatchRepo) notifiedStamps() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.lastNotified...)
}

type fakeProducer struct {
	published []*out.NotificationJob
	err       error
}

func (p *fakeProducer) PublishTokenRefresh(ctx context.Context, job *out.TokenRefreshJob) error {
	return nil
}

func (p *fakeProducer) PublishWatchRenew(ctx context.Context, job *out.WatchRenewJob) error {
	return nil
}

func (p *fakeProducer) PublishWatchSetup(ctx context.Context, job *out.WatchSetupJob) error {
	return nil
}

func (p *fakeProducer) PublishNotification(ctx context.Context, job *out.NotificationJob) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, job)
	return nil
}

// fakeTokens hands out a fresh token unless scripted to fail.
type fakeTokens struct {
	err error
}

func (f *fakeTokens) GetValidToken(ctx context.Context, accountID int64) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

// fakeHistoryProvider records every history fetch.
type fakeHistoryProvider struct {
	mu       sync.Mutex
	history  *out.ProviderHistory
	fetchErr error
	fetched  []uint64
}

func (p *fakeHistoryProvider) Watch(ctx context.Context, tok *oauth2.Token) (*out.ProviderWatchResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeHistoryProvider) StopWatch(ctx context.Context, tok *oauth2.Token) error { return nil }

func (p *fakeHistoryProvider) GetProfile(ctx context.Context, tok *oauth2.Token) (*out.ProviderProfile, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeHistoryProvider) FetchHistoryChanges(ctx context.Context, tok *oauth2.Token, startHistoryID uint64) (*out.ProviderHistory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, startHistoryID)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if p.history != nil {
		return p.history, nil
	}
	return &out.ProviderHistory{HistoryID: startHistoryID}, nil
}

func (p *fakeHistoryProvider) fetchCalls() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.fetched...)
}

// fakeIdemStore stands in for the redis SETNX/DEL pair.
type fakeIdemStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{keys: make(map[string]bool)}
}

func (f *fakeIdemStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeIdemStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if f.keys[k] {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeIdemStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[key]
}

func knownAccount() *fakeAccountRepo {
	return &fakeAccountRepo{byEmail: map[string]*out.AccountEntity{
		"user@example.com": {ID: 1, Email: "user@example.com", IsActive: true},
	}}
}

func activeRegistration() *fakeWatchRepo {
	return &fakeWatchRepo{
		reg: &domain.WatchRegistration{ID: 9, AccountID: 1, Status: domain.WatchStatusActive, HistoryID: 50},
	}
}

func newTestService(accounts *fakeAccountRepo, watches *fakeWatchRepo, provider *fakeHistoryProvider, tokens *fakeTokens, producer *fakeProducer) *Service {
	var p out.MessageProducer
	if producer != nil {
		p = producer
	}
	return NewService(accounts, watches, provider, tokens, p, nil, nil)
}

func TestIngestUnknownAccount(t *testing.T) {
	svc := newTestService(knownAccount(), &fakeWatchRepo{}, &fakeHistoryProvider{}, &fakeTokens{}, &fakeProducer{})

	outcome := svc.Ingest(context.Background(), &Notification{
		Email:     "stranger@example.com",
		HistoryID: 100,
	})

	if outcome != domain.NotificationUnknown {
		t.Errorf("outcome = %s, want %s", outcome, domain.NotificationUnknown)
	}
}

func TestIngestPublishesJob(t *testing.T) {
	watches := &fakeWatchRepo{}
	producer := &fakeProducer{}
	svc := newTestService(knownAccount(), watches, &fakeHistoryProvider{}, &fakeTokens{}, producer)

	outcome := svc.Ingest(context.Background(), &Notification{
		Email:     "user@example.com",
		HistoryID: 100,
		MessageID: "m-1",
	})

	if outcome != domain.NotificationAccepted {
		t.Fatalf("outcome = %s, want %s", outcome, domain.NotificationAccepted)
	}
	if len(producer.published) != 1 {
		t.Fatalf("published %d jobs, want 1", len(producer.published))
	}
	job := producer.published[0]
	if job.AccountID != 1 || job.HistoryID != 100 {
		t.Errorf("job = %+v", job)
	}
	if stamps := watches.notifiedStamps(); len(stamps) != 1 || stamps[0] != 100 {
		t.Errorf("last notified stamps = %v, want [100]", stamps)
	}
}

func TestIngestFallsBackWhenPublishFails(t *testing.T) {
	producer := &fakeProducer{err: errors.New("stream down")}
	svc := newTestService(knownAccount(), activeRegistration(), &fakeHistoryProvider{}, &fakeTokens{}, producer)

	outcome := svc.Ingest(context.Background(), &Notification{
		Email:     "user@example.com",
		HistoryID: 100,
	})

	// Queue failure must not surface to the webhook; the notification is
	// accepted and handled directly.
	if outcome != domain.NotificationAccepted {
		t.Errorf("outcome = %s, want %s", outcome, domain.NotificationAccepted)
	}
}

func TestIngestWithoutProducerStillAccepts(t *testing.T) {
	svc := newTestService(knownAccount(), activeRegistration(), &fakeHistoryProvider{}, &fakeTokens{}, nil)

	outcome := svc.Ingest(context.Background(), &Notification{
		Email:     "user@example.com",
		HistoryID: 100,
	})
	if outcome != domain.NotificationAccepted {
		t.Errorf("outcome = %s, want %s", outcome, domain.NotificationAccepted)
	}
}

func TestIngestDuplicateDropped(t *testing.T) {
	store := newFakeIdemStore()
	producer := &fakeProducer{}
	svc := newTestService(knownAccount(), activeRegistration(), &fakeHistoryProvider{}, &fakeTokens{}, producer)
	svc.redis = store

	n := &Notification{Email: "user@example.com", HistoryID: 100}
	if outcome := svc.Ingest(context.Background(), n); outcome != domain.NotificationAccepted {
		t.Fatalf("first outcome = %s, want %s", outcome, domain.NotificationAccepted)
	}
	if outcome := svc.Ingest(context.Background(), n); outcome != domain.NotificationDuplicate {
		t.Errorf("second outcome = %s, want %s", outcome, domain.NotificationDuplicate)
	}
	if len(producer.published) != 1 {
		t.Errorf("published %d jobs, want 1", len(producer.published))
	}
}

func TestIngestReleasesIdempotencyOnDoubleFailure(t *testing.T) {
	store := newFakeIdemStore()
	provider := &fakeHistoryProvider{
		fetchErr: out.NewProviderError("gmail", out.ProviderErrServer, "unavailable", nil, true),
	}
	producer := &fakeProducer{err: errors.New("stream down")}
	svc := newTestService(knownAccount(), activeRegistration(), provider, &fakeTokens{}, producer)
	svc.redis = store

	outcome := svc.Ingest(context.Background(), &Notification{
		Email:     "user@example.com",
		HistoryID: 100,
	})
	if outcome != domain.NotificationAccepted {
		t.Fatalf("outcome = %s, want %s", outcome, domain.NotificationAccepted)
	}

	// The key must come back once the direct fallback also fails, so the
	// Pub/Sub redelivery is not swallowed as a duplicate.
	key := idempotencyKey(1, 100)
	deadline := time.Now().Add(2 * time.Second)
	for store.has(key) {
		if time.Now().After(deadline) {
			t.Fatal("idempotency key still held after fallback failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessFetchesHistoryWithExactID(t *testing.T) {
	watches := activeRegistration()
	provider := &fakeHistoryProvider{history: &out.ProviderHistory{
		HistoryID:       120,
		AddedMessageIDs: []string{"m-1", "m-2"},
	}}
	svc := newTestService(knownAccount(), watches, provider, &fakeTokens{}, nil)

	if err := svc.Process(context.Background(), 1, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	calls := provider.fetchCalls()
	if len(calls) != 1 || calls[0] != 100 {
		t.Fatalf("fetch calls = %v, want exactly one with history 100", calls)
	}
	if stamps := watches.notifiedStamps(); len(stamps) != 1 || stamps[0] != 120 {
		t.Errorf("cursor stamps = %v, want [120]", stamps)
	}
}

func TestProcessWithoutUsableTokenDrops(t *testing.T) {
	provider := &fakeHistoryProvider{}
	tokens := &fakeTokens{err: apperr.NoAccessToken(1)}
	svc := newTestService(knownAccount(), activeRegistration(), provider, tokens, nil)

	if err := svc.Process(context.Background(), 1, 100); err != nil {
		t.Errorf("Process without token = %v, want nil (log and drop)", err)
	}
	if calls := provider.fetchCalls(); len(calls) != 0 {
		t.Errorf("fetch calls = %v, want none without a usable token", calls)
	}
}

func TestProcessTerminalFetchErrorDrops(t *testing.T) {
	provider := &fakeHistoryProvider{
		fetchErr: out.NewProviderError("gmail", out.ProviderErrNotFound, "cursor too old", nil, false),
	}
	svc := newTestService(knownAccount(), activeRegistration(), provider, &fakeTokens{}, nil)

	if err := svc.Process(context.Background(), 1, 100); err != nil {
		t.Errorf("Process with terminal fetch error = %v, want nil", err)
	}
}

func TestProcessRetryableFetchErrorSurfaces(t *testing.T) {
	provider := &fakeHistoryProvider{
		fetchErr: out.NewProviderError("gmail", out.ProviderErrServer, "unavailable", nil, true),
	}
	svc := newTestService(knownAccount(), activeRegistration(), provider, &fakeTokens{}, nil)

	err := svc.Process(context.Background(), 1, 100)
	if err == nil {
		t.Fatal("Process with retryable fetch error must return it for the pool to retry")
	}
	if !apperr.IsRetryable(err) {
		t.Errorf("error %v must classify as retryable", err)
	}
}

func TestProcessResetsFailureStreak(t *testing.T) {
	watches := &fakeWatchRepo{
		reg: &domain.WatchRegistration{ID: 9, AccountID: 1, Status: domain.WatchStatusActive, FailureCount: 2},
	}
	svc := newTestService(knownAccount(), watches, &fakeHistoryProvider{}, &fakeTokens{}, nil)

	if err := svc.Process(context.Background(), 1, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if watches.resets != 1 {
		t.Errorf("failure count resets = %d, want 1", watches.resets)
	}
}

func TestProcessMissingRegistrationIsNotAnError(t *testing.T) {
	svc := newTestService(knownAccount(), &fakeWatchRepo{}, &fakeHistoryProvider{}, &fakeTokens{}, nil)

	if err := svc.Process(context.Background(), 1, 100); err != nil {
		t.Errorf("Process for account without registration = %v, want nil", err)
	}
}
