// Package retry decides whether a failed attempt is retried and after what delay.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dalfonso89/resilient-rpc/internal/config"
)

// Class is the classification a failure arrives with.
type Class int

const (
	Transient Class = iota
	RateLimited
	Permanent
)

// Failure is a classified attempt failure.
type Failure struct {
	Class      Class
	Ambiguous  bool
	RetryAfter time.Duration
}

// Reason explains a GiveUp decision.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPermanent
	ReasonAmbiguous
	ReasonAttemptsExhausted
	ReasonDeadlineExceeded
)

func (reason Reason) String() string {
	switch reason {
	case ReasonPermanent:
		return "permanent"
	case ReasonAmbiguous:
		return "ambiguous outcome on non-idempotent request"
	case ReasonAttemptsExhausted:
		return "attempts exhausted"
	case ReasonDeadlineExceeded:
		return "deadline exceeded"
	default:
		return "none"
	}
}

// Decision is Retry after a delay, or GiveUp with a reason.
type Decision struct {
	Retry  bool
	After  time.Duration
	Reason Reason
}

// Context is the retry state of one logical request.
type Context struct {
	AttemptCount int
	Tried        map[string]struct{}
	LastError    error

	schedule *backoff.ExponentialBackOff
}

// RecordAttempt notes a failed attempt against an endpoint. The endpoint is excluded from
// selection until every candidate has been tried.
func (retryContext *Context) RecordAttempt(endpointID string, err error) {
	retryContext.AttemptCount++
	retryContext.Tried[endpointID] = struct{}{}
	retryContext.LastError = err
}

// Policy computes retry decisions from the configured bounds.
type Policy struct {
	configuration config.RetryConfig
	jitter        func(limit time.Duration) time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithJitter overrides the jitter source. The function returns a value in [0, limit].
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(retryPolicy *Policy) {
		retryPolicy.jitter = jitter
	}
}

// NewPolicy creates a retry policy.
func NewPolicy(configuration config.RetryConfig, options ...Option) *Policy {
	retryPolicy := &Policy{configuration: configuration, jitter: uniformJitter}
	for _, option := range options {
		option(retryPolicy)
	}
	return retryPolicy
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

// NewContext starts the retry state for one logical request.
func (retryPolicy *Policy) NewContext() *Context {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = retryPolicy.configuration.BaseDelay
	schedule.MaxInterval = retryPolicy.configuration.MaxDelay
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	return &Context{
		Tried:    make(map[string]struct{}),
		schedule: schedule,
	}
}

// Decide returns the decision for a failure after retryContext.RecordAttempt.
// Permanent failures are never retried; ambiguous transient failures of non-idempotent
// requests are terminal. A zero deadline means no deadline.
func (retryPolicy *Policy) Decide(failure Failure, retryContext *Context, idempotent bool, deadline, now time.Time) Decision {
	if failure.Class == Permanent {
		return Decision{Reason: ReasonPermanent}
	}
	if failure.Class == Transient && failure.Ambiguous && !idempotent {
		return Decision{Reason: ReasonAmbiguous}
	}
	if retryContext.AttemptCount >= retryPolicy.configuration.MaxAttempts {
		return Decision{Reason: ReasonAttemptsExhausted}
	}

	delay := retryPolicy.delay(failure, retryContext)
	if !deadline.IsZero() && now.Add(delay).After(deadline) {
		return Decision{Reason: ReasonDeadlineExceeded}
	}
	return Decision{Retry: true, After: delay}
}

func (retryPolicy *Policy) delay(failure Failure, retryContext *Context) time.Duration {
	if failure.Class == RateLimited && failure.RetryAfter > 0 {
		return failure.RetryAfter
	}
	base := retryContext.schedule.NextBackOff()
	if base == backoff.Stop {
		base = retryPolicy.configuration.MaxDelay
	}
	return base + retryPolicy.jitter(base/2)
}
