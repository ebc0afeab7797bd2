package ratelimit

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/config"
)

// Admission is the outcome of TryAcquire.
type Admission struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Admitted is the admission returned when a token was taken.
var Admitted = Admission{Admitted: true}

// Denied builds a denial carrying the wait before a retry can succeed.
func Denied(retryAfter time.Duration) Admission {
	return Admission{RetryAfter: retryAfter}
}

// Limiter admits outbound requests against one bucket per endpoint plus one global bucket.
// The endpoint table is built once, so lookups need no lock; each bucket synchronizes itself.
type Limiter struct {
	global    *TokenBucket
	endpoints map[string]*TokenBucket
	clock     func() time.Time
	logger    *logrus.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(rateLimiter *Limiter) {
		rateLimiter.clock = clock
	}
}

// NewLimiter creates an outbound limiter for the configured endpoints.
// Each bucket holds one second worth of tokens.
func NewLimiter(endpoints []config.EndpointConfig, globalPerSecond int, logger *logrus.Logger, options ...Option) *Limiter {
	rateLimiter := &Limiter{
		global:    NewTokenBucket(float64(globalPerSecond), globalPerSecond),
		endpoints: make(map[string]*TokenBucket, len(endpoints)),
		clock:     time.Now,
		logger:    logger,
	}
	for _, endpoint := range endpoints {
		rateLimiter.endpoints[endpoint.ID] = NewTokenBucket(float64(endpoint.MaxRequestsPerSecond), endpoint.MaxRequestsPerSecond)
	}
	for _, option := range options {
		option(rateLimiter)
	}
	return rateLimiter
}

// TryAcquire takes one token from the endpoint bucket and one from the global bucket, or neither.
// A denial reports the shorter refill wait of the denying buckets. It never blocks.
// An unknown scope is governed by the global bucket only.
func (rateLimiter *Limiter) TryAcquire(scope string) Admission {
	now := rateLimiter.clock()

	endpointBucket, known := rateLimiter.endpoints[scope]
	if !known {
		rateLimiter.logger.WithField("scope", scope).Debug("rate limit scope not configured, using global bucket only")
		if allowed, wait := rateLimiter.global.AllowAt(now); !allowed {
			return Denied(wait)
		}
		return Admitted
	}

	// Lock order is always endpoint then global.
	endpointBucket.mu.Lock()
	defer endpointBucket.mu.Unlock()
	rateLimiter.global.mu.Lock()
	defer rateLimiter.global.mu.Unlock()

	endpointAllowed, endpointWait := endpointBucket.available(now)
	globalAllowed, globalWait := rateLimiter.global.available(now)

	switch {
	case endpointAllowed && globalAllowed:
		endpointBucket.take(now)
		rateLimiter.global.take(now)
		return Admitted
	case !endpointAllowed && !globalAllowed:
		return Denied(min(endpointWait, globalWait))
	case !endpointAllowed:
		return Denied(endpointWait)
	default:
		return Denied(globalWait)
	}
}

// Scopes lists the configured endpoint scopes.
func (rateLimiter *Limiter) Scopes() []string {
	scopes := make([]string, 0, len(rateLimiter.endpoints))
	for scope := range rateLimiter.endpoints {
		scopes = append(scopes, scope)
	}
	return scopes
}
