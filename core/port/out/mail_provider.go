package out

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ProviderErrorCode classifies provider failures.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError carries the classification the services need to decide
// between retrying and giving up.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a classified provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderWatchResponse is the provider's answer to a watch request.
type ProviderWatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
	TopicName  string
}

// ProviderProfile is the mailbox profile used to verify connectivity.
type ProviderProfile struct {
	Email     string
	HistoryID uint64
}

// ProviderHistory is the result of an incremental history fetch: the new
// cursor plus the message ids that changed since the requested one.
type ProviderHistory struct {
	HistoryID         uint64
	AddedMessageIDs   []string
	RemovedMessageIDs []string
}

// MailProviderPort is the outbound interface to the mail provider's push
// watch API.
type MailProviderPort interface {
	// Watch registers (or re-registers) a push watch on the mailbox.
	Watch(ctx context.Context, token *oauth2.Token) (*ProviderWatchResponse, error)
	// StopWatch tears the watch down.
	StopWatch(ctx context.Context, token *oauth2.Token) error
	// GetProfile fetches the mailbox profile, including the current history
	// cursor.
	GetProfile(ctx context.Context, token *oauth2.Token) (*ProviderProfile, error)
	// FetchHistoryChanges lists mailbox changes since the given history
	// cursor.
	FetchHistoryChanges(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*ProviderHistory, error)
}
