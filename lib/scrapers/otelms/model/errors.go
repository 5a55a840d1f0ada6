package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means otelms rejected the credentials twice in a row, it is fatal
	// for a run and never retried.
	ErrAuth = errors.New("otelms: credentials rejected")
	// ErrLoginUnavailable means the login endpoint could not be reached even
	// after one retry.
	ErrLoginUnavailable = errors.New("otelms: login unavailable")
	// ErrSessionExpired is returned when a response shows the session was lost,
	// it is recoverable through a single re-login.
	ErrSessionExpired = errors.New("otelms: session expired")
	// ErrFetchExhausted is returned once every retry for a request was spent.
	ErrFetchExhausted = errors.New("otelms: fetch retries exhausted")
	// ErrNotRetryable is returned for 4xx responses that are neither auth nor
	// rate limiting related.
	ErrNotRetryable = errors.New("otelms: request not retryable")
	// ErrBudgetExhausted is returned once the request budget of a run is spent.
	ErrBudgetExhausted = errors.New("otelms: request budget exhausted")
	// ErrParse means the structural anchors of a page are entirely absent.
	ErrParse = errors.New("otelms: unusable page")
	// ErrRunAborted means too many consecutive page level failures happened.
	ErrRunAborted = errors.New("otelms: run aborted")
)

// ErrorKind returns the short taxonomy name of err, used as the reason of
// skipped pages and reservations.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrLoginUnavailable):
		return "LoginUnavailable"
	case errors.Is(err, ErrSessionExpired):
		return "SessionExpired"
	case errors.Is(err, ErrFetchExhausted):
		return "FetchExhausted"
	case errors.Is(err, ErrNotRetryable):
		return "NotRetryable"
	case errors.Is(err, ErrBudgetExhausted):
		return "BudgetExhausted"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrRunAborted):
		return "RunAborted"
	}
	return "Unknown"
}

// IsFatal reports whether err must stop a run instead of being recorded as a
// gap.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrLoginUnavailable) ||
		errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrRunAborted)
}

// AbortError carries the context of a run that stopped on a fatal error.
type AbortError struct {
	LastPage int
	Records  int
	Cause    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf(
		"otelms: run stopped after page %d with %d records: %v",
		e.LastPage, e.Records, e.Cause,
	)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}
