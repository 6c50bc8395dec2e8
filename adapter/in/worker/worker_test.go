package worker

import (
	"context"
	"testing"
	"time"
)

func TestParsePayloadRoundTrip(t *testing.T) {
	msg := NewMessage(JobTokenRefresh, map[string]any{
		"account_id": 42,
		"reason":     "expiring",
	})

	payload, err := ParsePayload[TokenRefreshPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.AccountID != 42 {
		t.Errorf("account id = %d, want 42", payload.AccountID)
	}
	if payload.Reason != "expiring" {
		t.Errorf("reason = %s, want expiring", payload.Reason)
	}
}

func TestParsePayloadNotification(t *testing.T) {
	msg := NewMessage(JobNotification, map[string]any{
		"account_id": 7,
		"email":      "user@example.com",
		"history_id": 123456,
	})

	payload, err := ParsePayload[NotificationPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.AccountID != 7 || payload.Email != "user@example.com" || payload.HistoryID != 123456 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestHandlerUnknownJobType(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	msg := NewMessage("no.such.job", map[string]any{})
	if err := handler.Process(context.Background(), msg); err != nil {
		t.Errorf("unknown job type must be dropped without error, got %v", err)
	}
}

func TestNewMessageDefaults(t *testing.T) {
	msg := NewMessage(JobWatchRenew, map[string]any{"registration_id": 1})

	if msg.ID == "" {
		t.Error("message must get a generated id")
	}
	if msg.Priority != PriorityNormal {
		t.Errorf("priority = %d, want normal", msg.Priority)
	}
	if msg.Retries != 0 {
		t.Errorf("retries = %d, want 0", msg.Retries)
	}
	if msg.IsPriority() {
		t.Error("normal priority message must not route to the priority queue")
	}

	urgent := NewPriorityMessage(JobWatchRenew, nil, PriorityCritical)
	if !urgent.IsPriority() {
		t.Error("critical message must route to the priority queue")
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	prev := time.Duration(0)
	for retries := 0; retries < 3; retries++ {
		backoff := retryBackoff(retries)
		base := time.Duration(1<<retries) * time.Second

		if backoff < base {
			t.Errorf("backoff for retry %d = %v, want at least %v", retries, backoff, base)
		}
		if backoff >= base+time.Second {
			t.Errorf("backoff for retry %d = %v, jitter out of range", retries, backoff)
		}
		if backoff <= prev-time.Second {
			t.Errorf("backoff must grow with the retry count, got %v after %v", backoff, prev)
		}
		prev = backoff
	}
}

func TestRateLimiterAllowsUpToBudget(t *testing.T) {
	limiter := NewRateLimiter(5, time.Second)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d within budget was rejected", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("request over budget must be rejected")
	}
}

func TestDefaultPoolConfigTimeouts(t *testing.T) {
	cfg := DefaultPoolConfig()

	if cfg.JobTimeout != 60*time.Second {
		t.Errorf("default job timeout = %v, want 60s", cfg.JobTimeout)
	}
	if cfg.MaxWorkers != 20 || cfg.QueueSize != 1000 {
		t.Errorf("default sizing = %d workers, queue %d, want 20 and 1000", cfg.MaxWorkers, cfg.QueueSize)
	}
	if cfg.BatchSize != 10 || cfg.WorkerChanSize != 100 {
		t.Errorf("default batching = %d/%d, want 10/100", cfg.BatchSize, cfg.WorkerChanSize)
	}
	for _, jobType := range []JobType{JobTokenRefresh, JobWatchRenew, JobWatchSetup, JobNotification} {
		if _, ok := cfg.JobTimeoutByType[jobType]; !ok {
			t.Errorf("missing per-type timeout for %s", jobType)
		}
	}
}
