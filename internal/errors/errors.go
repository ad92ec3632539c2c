// Package errors provides the typed error taxonomy used by the dispatcher
// to classify upstream and pool failures without a catch-all branch.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProxyError is the base error type every taxonomy member embeds.
type ProxyError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ProxyError) Error() string {
	return e.Message
}

// ToJSON converts the error to a client-facing JSON body.
func (e *ProxyError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"name":      "ProxyError",
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *ProxyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewProxyError creates a new base ProxyError.
func NewProxyError(message, code string, retryable bool, metadata map[string]interface{}) *ProxyError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &ProxyError{
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Metadata:  metadata,
	}
}

// RateLimitError corresponds to the RateLimited / QuotaExhausted taxonomy entries.
type RateLimitError struct {
	*ProxyError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if resetMs != nil {
		metadata["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "RATE_LIMITED",
			Retryable: true,
			Metadata:  metadata,
		},
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// AuthError corresponds to the Unauthorized / Forbidden-TOS / Forbidden-Verify taxonomy entries.
type AuthError struct {
	*ProxyError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates a new AuthError.
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "AUTH_INVALID",
			Retryable: false,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// NoAccountsError means no candidate survived Selector filtering.
type NoAccountsError struct {
	*ProxyError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError creates a new NoAccountsError.
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
			Metadata: map[string]interface{}{
				"allRateLimited": allRateLimited,
			},
		},
		AllRateLimited: allRateLimited,
	}
}

// PoolExhaustedError corresponds to the PoolExhausted taxonomy entry (§4.6:
// every candidate over ceiling and the condvar wait budget elapsed).
type PoolExhaustedError struct {
	*ProxyError
	WaitedMs int64 `json:"waitedMs"`
}

// NewPoolExhaustedError creates a new PoolExhaustedError.
func NewPoolExhaustedError(message string, waitedMs int64) *PoolExhaustedError {
	if message == "" {
		message = "No account became available within the wait budget"
	}
	return &PoolExhaustedError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "POOL_EXHAUSTED",
			Retryable: false,
			Metadata: map[string]interface{}{
				"waitedMs": waitedMs,
			},
		},
		WaitedMs: waitedMs,
	}
}

// MaxRetriesError is returned when the dispatcher exhausts max_attempts.
type MaxRetriesError struct {
	*ProxyError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a new MaxRetriesError.
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "MAX_RETRIES",
			Retryable: false,
			Metadata: map[string]interface{}{
				"attempts": attempts,
			},
		},
		Attempts: attempts,
	}
}

// UpstreamError wraps a raw status/body from the upstream generateContent API.
type UpstreamError struct {
	*ProxyError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(message string, statusCode int, errorType string) *UpstreamError {
	if errorType == "" {
		errorType = "upstream_error"
	}
	return &UpstreamError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      strings.ToUpper(errorType),
			Retryable: statusCode >= 500,
			Metadata: map[string]interface{}{
				"statusCode": statusCode,
				"errorType":  errorType,
			},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError corresponds to an upstream stream that yielded no content parts.
type EmptyResponseError struct {
	*ProxyError
}

// NewEmptyResponseError creates a new EmptyResponseError.
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from upstream"
	}
	return &EmptyResponseError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "EMPTY_RESPONSE",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// CapacityExhaustedError corresponds to the ModelCapacityExhausted taxonomy entry.
type CapacityExhaustedError struct {
	*ProxyError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityExhaustedError creates a new CapacityExhaustedError.
func NewCapacityExhaustedError(message string, retryAfterMs *int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]interface{}{}
	if retryAfterMs != nil {
		metadata["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityExhaustedError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "CAPACITY_EXHAUSTED",
			Retryable: true,
			Metadata:  metadata,
		},
		RetryAfterMs: retryAfterMs,
	}
}

// CredentialCorruptedError corresponds to ConfigError/CredentialCorrupted: a
// malformed persisted account record, fatal for that one account only.
type CredentialCorruptedError struct {
	*ProxyError
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewCredentialCorruptedError creates a new CredentialCorruptedError.
func NewCredentialCorruptedError(message, accountEmail string) *CredentialCorruptedError {
	if message == "" {
		message = "Persisted credential state is malformed"
	}
	return &CredentialCorruptedError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "CREDENTIAL_CORRUPTED",
			Retryable: false,
			Metadata: map[string]interface{}{
				"accountEmail": accountEmail,
			},
		},
		AccountEmail: accountEmail,
	}
}

// Error checking functions

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	if _, ok := err.(*AuthError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// IsEmptyResponseError checks if an error is an empty response error.
func IsEmptyResponseError(err error) bool {
	if _, ok := err.(*EmptyResponseError); ok {
		return true
	}
	if pe, ok := err.(*ProxyError); ok {
		return pe.Code == "EMPTY_RESPONSE"
	}
	return false
}

// IsCapacityExhaustedError checks if an error is a capacity exhausted error.
func IsCapacityExhaustedError(err error) bool {
	if _, ok := err.(*CapacityExhaustedError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_capacity_exhausted") ||
		strings.Contains(msg, "capacity_exhausted") ||
		strings.Contains(msg, "model is currently overloaded") ||
		strings.Contains(msg, "service temporarily unavailable")
}

// IsPoolExhaustedError checks if an error is a pool exhausted error.
func IsPoolExhaustedError(err error) bool {
	_, ok := err.(*PoolExhaustedError)
	return ok
}

// WrapError wraps a standard error as a ProxyError.
func WrapError(err error, code string, retryable bool) *ProxyError {
	if err == nil {
		return nil
	}
	return NewProxyError(err.Error(), code, retryable, nil)
}

// FormatAPIError formats an error for an API response body.
func FormatAPIError(err error) map[string]interface{} {
	switch e := err.(type) {
	case *ProxyError:
		return e.ToJSON()
	case *RateLimitError:
		return e.ToJSON()
	case *AuthError:
		return e.ToJSON()
	case *NoAccountsError:
		return e.ToJSON()
	case *PoolExhaustedError:
		return e.ToJSON()
	case *MaxRetriesError:
		return e.ToJSON()
	case *UpstreamError:
		return e.ToJSON()
	case *EmptyResponseError:
		return e.ToJSON()
	case *CapacityExhaustedError:
		return e.ToJSON()
	case *CredentialCorruptedError:
		return e.ToJSON()
	}

	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}

// HTTPStatusFromError returns the HTTP status code the ingress should use for err.
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *NoAccountsError:
		if e.AllRateLimited {
			return 429
		}
		return 503
	case *PoolExhaustedError:
		return 503
	case *MaxRetriesError:
		return 503
	case *UpstreamError:
		return e.StatusCode
	case *EmptyResponseError:
		return 502
	case *CapacityExhaustedError:
		return 503
	case *CredentialCorruptedError:
		return 500
	default:
		return 500
	}
}

// ErrorWithContext prefixes err with a short description of where it occurred.
func ErrorWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
