// Package errs provides structured error types shared across the quoter.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a transport or exchange error category.
type Code string

const (
	// CodeAuth indicates rejected credentials. Fatal for the process.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeTransient indicates temporary exchange unavailability (5xx).
	CodeTransient Code = "transient"
	// CodeInvalid indicates a request the exchange rejected as malformed.
	// Not retryable: resubmitting an invalid order is never correct.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a socket timeout or connection failure.
	CodeNetwork Code = "network"
	// CodeBudget indicates the retry budget for a call chain was exhausted.
	CodeBudget Code = "budget_exceeded"
	// CodeDesync indicates a book or order-table inconsistency.
	CodeDesync Code = "desync"
	// CodeExchange captures uncategorized exchange-side failures.
	CodeExchange Code = "exchange_error"
)

// E captures structured error information produced across the stack.
type E struct {
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange response body.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the category from err, or CodeExchange when untyped.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeExchange
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return CodeOf(err) == CodeAuth
}

// IsRetryable reports whether the transport may re-issue the failed call.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeTransient, CodeNetwork:
		return true
	default:
		return false
	}
}
