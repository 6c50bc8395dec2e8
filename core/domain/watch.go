package domain

import (
	"time"

	"github.com/google/uuid"
)

// WatchStatus represents the state of a Gmail push watch registration.
type WatchStatus string

const (
	WatchStatusPending  WatchStatus = "pending"
	WatchStatusActive   WatchStatus = "active"
	WatchStatusExpired  WatchStatus = "expired"
	WatchStatusFailed   WatchStatus = "failed"
	WatchStatusDisabled WatchStatus = "disabled"
)

const (
	// WatchRenewalLead is how long before expiry a watch must be renewed.
	// Gmail watches live ~7 days; renewing a day early survives an outage.
	WatchRenewalLead = 24 * time.Hour

	// WatchFailureBudget is the number of consecutive renewal failures
	// before a registration is disabled.
	WatchFailureBudget = 3
)

// WatchRegistration tracks the push watch for one account. There is at most
// one registration per account (enforced by a unique constraint).
type WatchRegistration struct {
	ID             int64       `json:"id"`
	AccountID      int64       `json:"account_id"`
	UserID         uuid.UUID   `json:"user_id"`
	Topic          string      `json:"topic"`
	HistoryID      uint64      `json:"history_id"`
	Status         WatchStatus `json:"status"`
	FailureCount   int         `json:"failure_count"`
	LastError      string      `json:"last_error,omitempty"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastRenewedAt  *time.Time  `json:"last_renewed_at,omitempty"`
	LastNotifiedAt *time.Time  `json:"last_notified_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsExpired reports whether the watch has already lapsed.
func (w *WatchRegistration) IsExpired() bool {
	return time.Now().After(w.ExpiresAt)
}

// NeedsRenewal reports whether an active watch is inside the renewal lead.
// Non-active registrations are handled by reconciliation, not renewal.
func (w *WatchRegistration) NeedsRenewal() bool {
	if w.Status != WatchStatusActive {
		return false
	}
	return time.Now().Add(WatchRenewalLead).After(w.ExpiresAt)
}

// OverFailureBudget reports whether the registration has burned through its
// renewal failure budget and should be disabled.
func (w *WatchRegistration) OverFailureBudget() bool {
	return w.FailureCount >= WatchFailureBudget
}
