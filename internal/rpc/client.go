// Package rpc is the resilient multi-endpoint RPC client.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dalfonso89/resilient-rpc/internal/cache"
	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/health"
	"github.com/dalfonso89/resilient-rpc/internal/ratelimit"
	"github.com/dalfonso89/resilient-rpc/internal/retry"
	"github.com/dalfonso89/resilient-rpc/internal/selector"
)

const defaultMaxConcurrent = 64

// Client sends requests to a pool of endpoints with rate limiting, health tracking,
// retries, caching and coalescing.
type Client struct {
	configuration *config.Config
	logger        *logrus.Logger

	transport     Transport
	limiter       *ratelimit.Limiter
	monitor       *health.Monitor
	policy        *retry.Policy
	responseCache *cache.Cache
	flights       *cache.Group
	slots         *semaphore.Weighted

	observer     Observer
	sink         Sink
	clock        func() time.Time
	retryOptions []retry.Option

	counters clientCounters
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the JSON-RPC over HTTP transport.
func WithTransport(transport Transport) Option {
	return func(client *Client) {
		client.transport = transport
	}
}

// WithObserver sets the per-attempt observability sink.
func WithObserver(observer Observer) Option {
	return func(client *Client) {
		client.observer = observer
	}
}

// WithSink sets the persistence sink for successful responses.
func WithSink(sink Sink) Option {
	return func(client *Client) {
		client.sink = sink
	}
}

// WithClock overrides the time source for the limiter, monitor, cache and deadlines.
func WithClock(clock func() time.Time) Option {
	return func(client *Client) {
		client.clock = clock
	}
}

// WithRetryOptions passes options to the retry policy.
func WithRetryOptions(options ...retry.Option) Option {
	return func(client *Client) {
		client.retryOptions = append(client.retryOptions, options...)
	}
}

// NewClient builds a client for the configured endpoints.
func NewClient(configuration *config.Config, logger *logrus.Logger, options ...Option) *Client {
	client := &Client{
		configuration: configuration,
		logger:        logger,
		flights:       cache.NewGroup(),
		observer:      discardObserver{},
		sink:          discardSink{},
		clock:         time.Now,
	}
	for _, option := range options {
		option(client)
	}

	if client.transport == nil {
		client.transport = NewHTTPTransport(logger)
	}
	client.limiter = ratelimit.NewLimiter(configuration.Endpoints, configuration.GlobalRateLimit, logger, ratelimit.WithClock(client.clock))
	client.monitor = health.NewMonitor(configuration.Endpoints, configuration.Health, logger, health.WithClock(client.clock))
	client.policy = retry.NewPolicy(configuration.Retry, client.retryOptions...)
	client.responseCache = cache.New(uint64(configuration.CacheCapacity), cache.WithClock(client.clock))

	maxConcurrent := configuration.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	client.slots = semaphore.NewWeighted(int64(maxConcurrent))

	return client
}

// Send executes one logical request and returns its payload or a *ClientError.
func (client *Client) Send(ctx context.Context, envelope Envelope) (json.RawMessage, error) {
	client.counters.totalRequests.Add(1)
	started := client.clock()

	if envelope.Deadline.IsZero() {
		envelope.Deadline = started.Add(client.configuration.RequestDeadline)
	}
	if envelope.TTL <= 0 {
		envelope.TTL = client.configuration.CacheDefaultTTL
	}

	payload, err := client.send(ctx, envelope)
	client.counters.recordResult(err, client.clock().Sub(started))

	if err != nil {
		client.logger.WithFields(logrus.Fields{
			"method": envelope.Method,
			"error":  err.Error(),
		}).Warn("RPC request failed")
	}
	return payload, err
}

func (client *Client) send(ctx context.Context, envelope Envelope) (json.RawMessage, error) {
	if !envelope.Cacheable {
		return client.execute(ctx, envelope)
	}

	if payload, hit := client.lookup(envelope); hit {
		return payload, nil
	}

	payload, shared, err := client.flights.Do(ctx, envelope.Fingerprint, func(flightContext context.Context) (json.RawMessage, error) {
		if cached, hit := client.responseCache.Peek(envelope.Fingerprint); hit {
			return cached, nil
		}
		return client.execute(flightContext, envelope)
	})
	if shared {
		client.counters.coalescedRequests.Add(1)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, contextError(ctx, envelope, 0)
	}
	return payload, err
}

func (client *Client) lookup(envelope Envelope) (json.RawMessage, bool) {
	payload, hit := client.responseCache.Get(envelope.Fingerprint)
	if hit {
		client.counters.cacheHits.Add(1)
	} else {
		client.counters.cacheMisses.Add(1)
	}
	if cacheObserver, ok := client.observer.(CacheObserver); ok {
		cacheObserver.ObserveCache(envelope.Method, hit)
	}
	return payload, hit
}

// execute runs the select, dispatch, retry loop. Attempts are strictly sequential.
func (client *Client) execute(ctx context.Context, envelope Envelope) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, envelope.Deadline.Sub(client.clock()))
	defer cancel()

	if err := client.slots.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx, envelope, 0)
	}
	defer client.slots.Release(1)

	retryContext := client.policy.NewContext()
	for {
		selection := selector.Next(client.monitor.Candidates(), retryContext.Tried, client.limiter)
		if selection.Exhausted {
			wait, available := client.exhaustedWait(selection)
			if !available || client.clock().Add(wait).After(envelope.Deadline) {
				return nil, &ClientError{
					Kind:     KindAllEndpointsUnavailable,
					Method:   envelope.Method,
					Attempts: retryContext.AttemptCount,
					Cause:    retryContext.LastError,
				}
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, contextError(ctx, envelope, retryContext.AttemptCount)
			}
			continue
		}

		attemptNumber := retryContext.AttemptCount + 1
		payload, err := client.attempt(ctx, envelope, selection.EndpointID, attemptNumber)
		if ctx.Err() != nil {
			return nil, contextError(ctx, envelope, attemptNumber)
		}
		if err == nil {
			return payload, nil
		}

		failure := Classify(err)
		retryContext.RecordAttempt(selection.EndpointID, failure)
		decision := client.policy.Decide(retryFailure(failure), retryContext, envelope.Idempotent, envelope.Deadline, client.clock())
		if !decision.Retry {
			return nil, terminalError(envelope, retryContext, failure, decision.Reason)
		}

		client.counters.retriedAttempts.Add(1)
		client.logger.WithFields(logrus.Fields{
			"method":   envelope.Method,
			"endpoint": selection.EndpointID,
			"attempt":  attemptNumber,
			"kind":     failure.Kind.String(),
			"delay_ms": decision.After.Milliseconds(),
		}).Debug("Retrying RPC request")

		if err := sleep(ctx, decision.After); err != nil {
			return nil, contextError(ctx, envelope, retryContext.AttemptCount)
		}
	}
}

// exhaustedWait is the rate-limit wait, or with no candidates at all, the time until
// the first open circuit allows a trial request. It reports false when nothing will ever become available.
func (client *Client) exhaustedWait(selection selector.Selection) (time.Duration, bool) {
	if selection.RetryAfter > 0 {
		return selection.RetryAfter, true
	}
	reopenAt, found := client.monitor.NextReopenAt()
	if !found {
		return 0, false
	}
	wait := reopenAt.Sub(client.clock())
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, true
}

// attempt performs one network call. When the owning context is done by the time the
// call returns, the result is discarded without touching health or cache.
func (client *Client) attempt(ctx context.Context, envelope Envelope, endpointID string, attemptNumber int) (json.RawMessage, error) {
	endpoint, _ := client.monitor.Endpoint(endpointID)
	attemptContext, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	started := client.clock()
	payload, err := client.transport.Call(attemptContext, endpoint, envelope.Method, envelope.Params)
	latency := client.clock().Sub(started)

	if ctx.Err() != nil {
		client.logger.WithFields(logrus.Fields{
			"method":   envelope.Method,
			"endpoint": endpointID,
			"attempt":  attemptNumber,
		}).Debug("RPC attempt abandoned")
		return nil, ctx.Err()
	}

	event := AttemptEvent{
		EndpointID: endpointID,
		Method:     envelope.Method,
		Attempt:    attemptNumber,
		Latency:    latency,
	}

	if err != nil {
		failure := Classify(err)
		if errors.Is(attemptContext.Err(), context.DeadlineExceeded) {
			failure = &Failure{Kind: KindTransient, Ambiguous: true, Cause: err}
		}
		client.monitor.RecordOutcome(endpointID, health.Failure(healthFailure(failure)))
		event.Outcome = failure.Kind.String()
		client.observer.ObserveAttempt(event)
		client.logger.WithFields(logrus.Fields{
			"method":   envelope.Method,
			"endpoint": endpointID,
			"attempt":  attemptNumber,
			"kind":     failure.Kind.String(),
			"error":    failure.Error(),
		}).Debug("RPC attempt failed")
		return nil, failure
	}

	client.monitor.RecordOutcome(endpointID, health.Success(latency))
	event.Outcome = "success"
	event.Bytes = len(payload)
	client.observer.ObserveAttempt(event)
	client.counters.bytesReceived.Add(uint64(len(payload)))

	if envelope.Cacheable {
		client.responseCache.Put(envelope.Fingerprint, payload, envelope.TTL)
	}
	client.sink.Persist(Record{
		Fingerprint: envelope.Fingerprint,
		Method:      envelope.Method,
		Payload:     payload,
		Timestamp:   client.clock(),
	})
	return payload, nil
}

// HealthSnapshot returns the current state of every endpoint.
func (client *Client) HealthSnapshot() []health.EndpointSnapshot {
	return client.monitor.Snapshot()
}

// Metrics returns aggregate request counters and the cache size.
func (client *Client) Metrics() ClientMetrics {
	metrics := client.counters.snapshot()
	metrics.CacheEntries = client.responseCache.Stats().Size
	return metrics
}

// Close stops background cache expiry.
func (client *Client) Close() error {
	client.responseCache.Close()
	return nil
}

func sleep(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contextError(ctx context.Context, envelope Envelope, attempts int) error {
	kind := KindCanceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindDeadlineExceeded
	}
	return &ClientError{Kind: kind, Method: envelope.Method, Attempts: attempts, Cause: ctx.Err()}
}

func terminalError(envelope Envelope, retryContext *retry.Context, failure *Failure, reason retry.Reason) error {
	kind := failure.Kind
	switch reason {
	case retry.ReasonAttemptsExhausted:
		kind = KindAttemptsExhausted
	case retry.ReasonDeadlineExceeded:
		kind = KindDeadlineExceeded
	}
	return &ClientError{Kind: kind, Method: envelope.Method, Attempts: retryContext.AttemptCount, Cause: failure}
}

func retryFailure(failure *Failure) retry.Failure {
	class := retry.Transient
	switch failure.Kind {
	case KindRateLimited:
		class = retry.RateLimited
	case KindPermanent:
		class = retry.Permanent
	}
	return retry.Failure{Class: class, Ambiguous: failure.Ambiguous, RetryAfter: failure.RetryAfter}
}

// healthFailure maps an attempt failure to its health effect. Only failures to get
// an answer at all count against the endpoint.
func healthFailure(failure *Failure) health.FailureKind {
	switch {
	case failure.Kind == KindRateLimited:
		return health.FailureRateLimited
	case failure.Kind == KindPermanent:
		return health.FailurePermanent
	case failure.Answered:
		return health.FailureRejected
	default:
		return health.FailureTransient
	}
}
