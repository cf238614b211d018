package facebook

// Error classification for the Marketing API. Transient conditions (rate
// limiting, server trouble, network timeouts) are wrapped in RetryableError
// and retried by the orchestrator; authentication and malformed-request
// failures are wrapped in FatalError and abort the account sync immediately.

import (
	"errors"
	"fmt"
	"net/http"
)

// GraphError is the error object embedded in Graph API error responses.
type GraphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	TraceID string `json:"fbtrace_id"`
}

// Error fulfills the error interface requirement for GraphError.
func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api error %d (%s): %s", e.Code, e.Type, e.Message)
}

// retryableGraphCodes are the Graph API error codes documented as transient:
// unknown errors, service temporarily unavailable, and the application,
// user and custom rate limits.
var retryableGraphCodes = map[int]bool{
	1:     true, // unknown error
	2:     true, // service temporarily unavailable
	4:     true, // application request limit reached
	17:    true, // user request limit reached
	32:    true, // page request limit reached
	613:   true, // custom rate limit
	80000: true, // insights throttling
	80004: true, // ads management throttling
}

// RetryableError marks a transient fetch failure the orchestrator should
// retry.
type RetryableError struct {
	Op  string
	Err error
}

// Error fulfills the error interface requirement for RetryableError.
func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

// Unwrap supports errors.Is and errors.As chains.
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a non-transient fetch failure, such as an expired token
// or malformed request, that must not consume retry budget.
type FatalError struct {
	Op  string
	Err error
}

// Error fulfills the error interface requirement for FatalError.
func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v (fatal)", e.Op, e.Err)
}

// Unwrap supports errors.Is and errors.As chains.
func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is, or wraps, a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// classifyHTTP wraps an error according to the HTTP status and any decoded
// Graph error object.
func classifyHTTP(op string, status int, gerr *GraphError) error {
	var err error = gerr
	if gerr == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return &RetryableError{Op: op, Err: err}
	case gerr != nil && retryableGraphCodes[gerr.Code]:
		return &RetryableError{Op: op, Err: err}
	default:
		return &FatalError{Op: op, Err: err}
	}
}

// classifyTransport wraps a transport-level error (connection refused,
// timeout) which is always worth retrying.
func classifyTransport(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}
