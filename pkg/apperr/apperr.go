package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeForbidden    = "FORBIDDEN"

	// Validation errors
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeMissingField     = "MISSING_FIELD"

	// Resource errors
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeConflict      = "CONFLICT"

	// Lifecycle errors - terminal, never retried
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeAccountNotRefreshable = "ACCOUNT_NOT_REFRESHABLE"
	CodeNoAccessToken         = "NO_ACCESS_TOKEN"
	CodeMalformedNotification = "MALFORMED_NOTIFICATION"
	CodeProviderTerminal      = "PROVIDER_TERMINAL"

	// Lifecycle errors - retryable
	CodeProviderTransient = "PROVIDER_TRANSIENT"
	CodeSchedulingFailure = "SCHEDULING_FAILURE"

	// External errors
	CodeOAuthFailed   = "OAUTH_FAILED"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// retryableCodes lists codes a worker may safely retry. Everything else is
// treated as terminal so failed jobs do not loop forever against the provider.
var retryableCodes = map[string]bool{
	CodeProviderTransient: true,
	CodeSchedulingFailure: true,
	CodeDatabaseError:     true,
	CodeTimeout:           true,
}

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Retryable reports whether a worker may retry the failed operation.
func (e *AppError) Retryable() bool {
	return retryableCodes[e.Code]
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func InvalidToken(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidToken,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func ValidationFailed(message string) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func AlreadyExists(resource string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists", resource),
		Status:  http.StatusConflict,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// Lifecycle errors

func AccountNotFound(accountID int64) *AppError {
	return &AppError{
		Code:    CodeAccountNotFound,
		Message: "account not found",
		Status:  http.StatusNotFound,
		Details: map[string]any{"account_id": accountID},
	}
}

func AccountNotRefreshable(email string) *AppError {
	return &AppError{
		Code:    CodeAccountNotRefreshable,
		Message: fmt.Sprintf("account %s has no refresh token, re-authentication required", email),
		Status:  http.StatusConflict,
	}
}

func NoAccessToken(accountID int64) *AppError {
	return &AppError{
		Code:    CodeNoAccessToken,
		Message: "account has no access token",
		Status:  http.StatusConflict,
		Details: map[string]any{"account_id": accountID},
	}
}

func MalformedNotification(reason string) *AppError {
	return &AppError{
		Code:    CodeMalformedNotification,
		Message: fmt.Sprintf("malformed push notification: %s", reason),
		Status:  http.StatusBadRequest,
	}
}

// ProviderTerminal wraps a provider answer that will never succeed on retry
// (revoked grant, invalid client, hard 4xx).
func ProviderTerminal(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderTerminal,
		Message: fmt.Sprintf("provider rejected %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// ProviderTransient wraps a provider answer worth retrying (429, 5xx, network).
func ProviderTransient(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderTransient,
		Message: fmt.Sprintf("provider temporarily failed %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func SchedulingFailure(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeSchedulingFailure,
		Message: fmt.Sprintf("failed to schedule %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// External errors
func OAuthFailed(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeOAuthFailed,
		Message: fmt.Sprintf("OAuth failed for %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Common error instances
var (
	ErrNotFound     = NotFound("resource")
	ErrUnauthorized = Unauthorized("")
	ErrForbidden    = Forbidden("")
	ErrBadRequest   = BadRequest("bad request")
	ErrInternal     = Internal("")
	ErrConflict     = Conflict("resource conflict")
	ErrRateLimited  = New("RATE_LIMITED", "too many requests", http.StatusTooManyRequests)
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// IsRetryable classifies an error for the worker retry loop. Unknown errors
// default to retryable so transient infrastructure hiccups get a second try;
// only explicitly terminal codes stop the retry chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return true
}

// IsTerminal reports the opposite of IsRetryable for non-nil errors.
func IsTerminal(err error) bool {
	return err != nil && !IsRetryable(err)
}
