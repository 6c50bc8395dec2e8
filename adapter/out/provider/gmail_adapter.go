package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailwatch_server/core/port/out"
	"mailwatch_server/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerName = "gmail"

// GmailAdapter talks to the Gmail watch API behind a circuit breaker.
type GmailAdapter struct {
	config    *oauth2.Config
	topicName string
	cb        *gobreaker.CircuitBreaker
}

// GmailConfig carries the OAuth client and Pub/Sub settings.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	Topic        string
}

// NewGmailAdapter creates a Gmail adapter.
func NewGmailAdapter(cfg GmailConfig) *GmailAdapter {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.modify",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "gmail-push"
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &GmailAdapter{
		config:    oauthConfig,
		topicName: fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, topic),
		cb:        cb,
	}
}

// TopicName returns the fully qualified Pub/Sub topic watches publish to.
func (a *GmailAdapter) TopicName() string {
	return a.topicName
}

// Watch registers a push watch on the INBOX.
func (a *GmailAdapter) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}

	result, err := a.executeWithCircuitBreaker(func() (interface{}, error) {
		return svc.Users.Watch("me", req).Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError("watch", err)
	}

	resp := result.(*gmail.WatchResponse)
	return &out.ProviderWatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
		TopicName:  a.topicName,
	}, nil
}

// StopWatch tears down the push watch.
func (a *GmailAdapter) StopWatch(ctx context.Context, token *oauth2.Token) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}

	_, err = a.executeWithCircuitBreaker(func() (interface{}, error) {
		return nil, svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return a.wrapError("stop watch", err)
	}
	return nil
}

// GetProfile fetches the mailbox profile with the current history cursor.
func (a *GmailAdapter) GetProfile(ctx context.Context, token *oauth2.Token) (*out.ProviderProfile, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	result, err := a.executeWithCircuitBreaker(func() (interface{}, error) {
		return svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError("get profile", err)
	}

	profile := result.(*gmail.Profile)
	return &out.ProviderProfile{
		Email:     profile.EmailAddress,
		HistoryID: profile.HistoryId,
	}, nil
}

// FetchHistoryChanges lists mailbox changes since the given history cursor.
// A 404 means the cursor is too old for Gmail's history log and comes back
// as a non-retryable not-found error.
func (a *GmailAdapter) FetchHistoryChanges(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistory, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	history := &out.ProviderHistory{HistoryID: startHistoryID}
	seen := make(map[string]bool)
	pageToken := ""

	for {
		req := svc.Users.History.List("me").StartHistoryId(startHistoryID)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		result, err := a.executeWithCircuitBreaker(func() (interface{}, error) {
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, a.wrapError("history list", err)
		}

		resp := result.(*gmail.ListHistoryResponse)
		if resp.HistoryId > history.HistoryID {
			history.HistoryID = resp.HistoryId
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if !seen[added.Message.Id] {
					seen[added.Message.Id] = true
					history.AddedMessageIDs = append(history.AddedMessageIDs, added.Message.Id)
				}
			}
			for _, deleted := range h.MessagesDeleted {
				history.RemovedMessageIDs = append(history.RemovedMessageIDs, deleted.Message.Id)
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return history, nil
}

// getService builds an authenticated Gmail client.
func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(a.config.TokenSource(ctx, token)))
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrAuth, "failed to create gmail client", err, false)
	}
	return svc, nil
}

// nonCircuitError marks client-side failures (4xx) that must not trip the
// breaker; only provider-side trouble should open it.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

// executeWithCircuitBreaker runs a Gmail call through the breaker. Hard 4xx
// answers are wrapped so they count as successes for the breaker while still
// failing the caller.
func (a *GmailAdapter) executeWithCircuitBreaker(fn func() (interface{}, error)) (interface{}, error) {
	result, err := a.cb.Execute(func() (interface{}, error) {
		res, callErr := fn()
		if callErr == nil {
			return res, nil
		}

		var apiErr *googleapi.Error
		if errors.As(callErr, &apiErr) {
			switch apiErr.Code {
			case 400, 401, 403, 404:
				return res, &nonCircuitError{err: callErr}
			}
		}
		return res, callErr
	})
	if err != nil {
		var nce *nonCircuitError
		if errors.As(err, &nce) {
			return result, nce.err
		}
		return result, err
	}
	return result, nil
}

// wrapError classifies a Gmail API failure into a ProviderError.
func (a *GmailAdapter) wrapError(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerName, out.ProviderErrServer,
			fmt.Sprintf("circuit breaker rejected %s", operation), err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired,
				fmt.Sprintf("%s: token expired or revoked", operation), err, false)
		case 403:
			if isRateLimitError(apiErr) {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit,
					fmt.Sprintf("%s: rate limited", operation), err, true)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth,
				fmt.Sprintf("%s: forbidden", operation), err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound,
				fmt.Sprintf("%s: not found", operation), err, false)
		case 400:
			return out.NewProviderError(providerName, out.ProviderErrInvalidInput,
				fmt.Sprintf("%s: bad request", operation), err, false)
		case 429:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit,
				fmt.Sprintf("%s: rate limited", operation), err, true)
		case 500, 502, 503:
			return out.NewProviderError(providerName, out.ProviderErrServer,
				fmt.Sprintf("%s: server error", operation), err, true)
		}
	}

	return out.NewProviderError(providerName, out.ProviderErrNetwork,
		fmt.Sprintf("%s failed", operation), err, true)
}

// isRateLimitError distinguishes quota exhaustion from a plain 403.
func isRateLimitError(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

// CircuitBreakerState returns the breaker state for health reporting.
func (a *GmailAdapter) CircuitBreakerState() string {
	return a.cb.State().String()
}

// IsCircuitOpen reports whether Gmail calls are currently rejected.
func (a *GmailAdapter) IsCircuitOpen() bool {
	return a.cb.State() == gobreaker.StateOpen
}

var _ out.MailProviderPort = (*GmailAdapter)(nil)
