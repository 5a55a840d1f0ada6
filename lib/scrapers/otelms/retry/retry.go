// Package retry wraps every request made to otelms with politeness spacing,
// classified retries and a request budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_controller_execute = "controller.execute"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to every backoff interval.
	Jitter float64
	// Cooldown is the wait after a rate limited response without Retry-After.
	Cooldown time.Duration
	// MaxCooldown caps the wait requested by a Retry-After header.
	MaxCooldown time.Duration
	// Timeout applies to every single attempt.
	Timeout time.Duration
	// MinSpacing is the minimum delay between two attempts, successful or not.
	MinSpacing time.Duration
	// Budget is the maximum number of attempts over the life of the
	// controller, zero means unlimited.
	Budget          int64
	ThrottleMarkers []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		Cooldown:        30 * time.Second,
		MaxCooldown:     5 * time.Minute,
		Timeout:         30 * time.Second,
		MinSpacing:      500 * time.Millisecond,
		ThrottleMarkers: []string{"Demasiadas solicitudes", "Too many requests"},
	}
}

// Attempt performs a single request, the context it receives carries the
// per attempt timeout.
type Attempt func(ctx context.Context) (*resty.Response, error)

type Controller struct {
	policy  Policy
	limiter *rate.Limiter
	clock   chrono.API
	tel     telemetry.API
	used    atomic.Int64
}

func NewController(policy Policy, clock chrono.API, tel telemetry.API) *Controller {
	assert.NotNil(clock)
	assert.NotNil(tel)

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}

	limit := rate.Inf
	if policy.MinSpacing > 0 {
		limit = rate.Every(policy.MinSpacing)
	}

	return &Controller{
		policy:  policy,
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
		tel:     telemetry.NewScopedAPI("otelms_retry", tel),
	}
}

// Used returns the number of attempts made so far.
func (c *Controller) Used() int64 {
	return c.used.Load()
}

type state int

const (
	stateAttempting state = iota
	stateWaiting
	stateExhausted
)

// Execute runs fn until it succeeds, fails with a non-retryable outcome or
// runs out of attempts (model.ErrFetchExhausted).
//
// The loop is a small state machine: attempting -> waiting -> attempting,
// bounded by MaxAttempts, ending in success, a non-retryable failure or
// exhaustion.
func (c *Controller) Execute(ctx context.Context, fn Attempt) (*resty.Response, error) {
	intervals := c.newBackoff()

	current := stateAttempting
	attempts := 0
	var wait time.Duration
	var lastErr error

	for {
		switch current {
		case stateAttempting:
			if !c.reserve() {
				c.tel.ReportWarning(report_controller_execute, model.ErrBudgetExhausted, c.policy.Budget)
				return nil, model.ErrBudgetExhausted
			}
			err := c.limiter.Wait(ctx)
			if err != nil {
				c.used.Add(-1)
				return nil, err
			}
			attempts++

			res, err := c.try(ctx, fn)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			outcome, reason := Classify(res, err, c.policy.ThrottleMarkers)
			switch outcome {
			case OutcomeSuccess:
				return res, nil
			case OutcomeFatal:
				return res, fmt.Errorf("%w: %w", model.ErrNotRetryable, reason)
			case OutcomeRetryable:
				wait = intervals.NextBackOff()
			case OutcomeRateLimited:
				wait = c.retryAfter(res)
			}
			lastErr = reason
			c.tel.ReportDebug("attempt failed", attempts, outcome.String(), reason, wait.String())

			if attempts >= c.policy.MaxAttempts {
				current = stateExhausted
				continue
			}
			current = stateWaiting
		case stateWaiting:
			err := sleep(ctx, wait)
			if err != nil {
				return nil, err
			}
			current = stateAttempting
		case stateExhausted:
			c.tel.ReportWarning(report_controller_execute, lastErr, attempts)
			return nil, fmt.Errorf("%w after %d attempts: %w", model.ErrFetchExhausted, attempts, lastErr)
		}
	}
}

// reserve takes one attempt out of the budget. The check and the increment
// are a single step so concurrent callers never overspend it.
func (c *Controller) reserve() bool {
	n := c.used.Add(1)
	if c.policy.Budget > 0 && n > c.policy.Budget {
		c.used.Add(-1)
		return false
	}
	return true
}

func (c *Controller) try(ctx context.Context, fn Attempt) (*resty.Response, error) {
	if c.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (c *Controller) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.RandomizationFactor = c.policy.Jitter
	b.Multiplier = c.policy.Multiplier
	b.MaxInterval = c.policy.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryAfter reads the Retry-After header as either seconds or an http date.
func (c *Controller) retryAfter(res *resty.Response) time.Duration {
	wait := c.policy.Cooldown
	if res != nil {
		header := strings.TrimSpace(res.Header().Get("Retry-After"))
		if seconds, err := strconv.Atoi(header); err == nil {
			wait = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			wait = at.Sub(c.clock.Now())
		}
	}
	if wait < 0 {
		wait = 0
	}
	if c.policy.MaxCooldown > 0 && wait > c.policy.MaxCooldown {
		wait = c.policy.MaxCooldown
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsExhausted reports whether err means retries ran out.
func IsExhausted(err error) bool {
	return errors.Is(err, model.ErrFetchExhausted)
}
