package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/go-resty/resty/v2"
)

// Outcome is the classification of a single attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeRateLimited
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeFatal:
		return "non-retryable"
	}
	return "unknown"
}

// Classify maps the result of an attempt to an Outcome. The returned error
// describes why an attempt did not succeed, it is nil on success.
//
// 401 and 403 count as success here, telling an expired session apart from
// a real failure is the fetcher's job.
func Classify(res *resty.Response, err error, throttleMarkers []string) (Outcome, error) {
	if err != nil {
		return classifyError(err)
	}
	if res == nil {
		return OutcomeRetryable, errors.New("no response")
	}

	status := res.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited, fmt.Errorf("status %d", status)
	case status >= 500:
		return OutcomeRetryable, fmt.Errorf("status %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeSuccess, nil
	case status >= 400:
		return OutcomeFatal, fmt.Errorf("status %d", status)
	}

	body := res.Body()
	for _, marker := range throttleMarkers {
		if marker != "" && bytes.Contains(body, []byte(marker)) {
			return OutcomeRateLimited, fmt.Errorf("throttle marker %q", marker)
		}
	}
	return OutcomeSuccess, nil
}

func classifyError(err error) (Outcome, error) {
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetryable, fmt.Errorf("timeout: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeRetryable, fmt.Errorf("timeout: %w", err)
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return OutcomeRetryable, fmt.Errorf("connection: %w", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return OutcomeRetryable, fmt.Errorf("connection closed: %w", err)
	}
	// anything else that made it out of the transport (dns hiccups, tls
	// handshakes) is worth another attempt
	return OutcomeRetryable, err
}
