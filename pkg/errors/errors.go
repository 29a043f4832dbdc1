// Package errors defines the broker's typed failure taxonomy. Every upstream
// or internal failure surfaced to a caller is one of these kinds, so callers
// can distinguish "your credential is exhausted" from "the model is down"
// from "the model rejected this request".
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Error kinds, one per failure class.
const (
	KindNoCredential      = "no_credential_available"
	KindRateLimited       = "rate_limit_error"
	KindNoModel           = "no_model_available"
	KindUpstreamTransient = "upstream_transient_error"
	KindUpstreamRejected  = "upstream_rejected_error"
	KindExhausted         = "all_models_exhausted"
	KindStoreUnavailable  = "store_unavailable"
	KindTimeout           = "timeout_error"
)

// BrokerError is the standard error shape for broker failures.
type BrokerError struct {
	Kind       string        `json:"kind"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message"`
	Model      string        `json:"model,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Retryable  bool          `json:"-"`
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("[%s] %s (model=%s, code=%d)", e.Kind, e.Message, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// NewNoCredentialError reports an empty or fully inactive credential pool.
func NewNoCredentialError(message string) *BrokerError {
	return &BrokerError{
		Kind:      KindNoCredential,
		Message:   message,
		Retryable: false,
	}
}

// NewRateLimitedError reports a quota or minimum-interval limit.
// retryAfter carries the caller-facing backoff hint; zero means unknown.
func NewRateLimitedError(message string, retryAfter time.Duration) *BrokerError {
	return &BrokerError{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewNoModelError reports an empty candidate set for a category.
func NewNoModelError(message string) *BrokerError {
	return &BrokerError{
		Kind:      KindNoModel,
		Message:   message,
		Retryable: false,
	}
}

// NewUpstreamTransientError reports a retryable upstream failure
// (429, 5xx, timeout, connection error).
func NewUpstreamTransientError(model, message string, statusCode int, retryAfter time.Duration) *BrokerError {
	return &BrokerError{
		Kind:       KindUpstreamTransient,
		StatusCode: statusCode,
		Message:    message,
		Model:      model,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewUpstreamRejectedError reports a non-retryable upstream 4xx. The request
// should fall through to the next model without retrying this one.
func NewUpstreamRejectedError(model, message string, statusCode int) *BrokerError {
	return &BrokerError{
		Kind:       KindUpstreamRejected,
		StatusCode: statusCode,
		Message:    message,
		Model:      model,
		Retryable:  false,
	}
}

// NewStoreError reports an unrecoverable usage-store failure. This category
// is process-fatal and is never retried by the gateway.
func NewStoreError(message string) *BrokerError {
	return &BrokerError{
		Kind:      KindStoreUnavailable,
		Message:   message,
		Retryable: false,
	}
}

// NewTimeoutError reports that the caller's deadline expired mid-chain.
func NewTimeoutError(message string) *BrokerError {
	return &BrokerError{
		Kind:       KindTimeout,
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Retryable:  false,
	}
}

// IsRetryable reports whether an upstream status code warrants retrying the
// same model. 429 and all 5xx are retryable; other 4xx are not.
func IsRetryable(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout {
		return true
	}
	return statusCode >= 500
}

// ModelAttempt records the final outcome of one model in the fallback chain.
type ModelAttempt struct {
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// ExhaustedError aggregates the per-model failures of a completed fallback
// chain. It carries the last error per attempted model for diagnosis.
type ExhaustedError struct {
	Attempts []ModelAttempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("[%s] no models attempted", KindExhausted)
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("[%s] %d model(s) failed, last: %v", KindExhausted, len(e.Attempts), last.Err)
}

// LastError returns the error of the final attempted model.
func (e *ExhaustedError) LastError() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
