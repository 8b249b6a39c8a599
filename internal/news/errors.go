package news

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies terminal fetch and dispatch failures.
type ErrorCode string

// Error codes surfaced to callers. Cancelled is internal: a cancelled worker
// emits no callback, so the code only appears in logs.
const (
	CodeInvalidQuery     ErrorCode = "invalid_query"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeTimeout          ErrorCode = "timeout"
	CodeRemoteRejected   ErrorCode = "remote_rejected"
	CodeMalformedPayload ErrorCode = "malformed_payload"
	CodeCancelled        ErrorCode = "cancelled"
	CodeInternal         ErrorCode = "internal"
)

// ErrInvalidQuery is returned synchronously from dispatch when the raw query
// has no search term; it never reaches a worker.
var ErrInvalidQuery = &Error{Code: CodeInvalidQuery, Message: "query has no search term"}

// ErrCancelled marks a worker that stopped because its request was cancelled
// or superseded. It is never delivered through the failure callback.
var ErrCancelled = &Error{Code: CodeCancelled, Message: "request cancelled"}

// Error is the typed error carried through worker failure callbacks.
type Error struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so callers can compare against the sentinel values.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// NewError wraps err with a code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify extracts the ErrorCode from any error chain.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeInternal
}

// Retryable reports whether the fetch worker may try again: rate limits,
// timeouts, and transient network failures. Invalid queries, remote
// rejections, malformed payloads, and cancellation never retry.
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeRateLimited, CodeTimeout:
		return true
	case CodeInvalidQuery, CodeRemoteRejected, CodeMalformedPayload, CodeCancelled:
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
