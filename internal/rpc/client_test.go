package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/health"
	"github.com/dalfonso89/resilient-rpc/internal/testutils"
)

// scriptedTransport counts calls per endpoint and answers with handle.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error)
}

func newScriptedTransport(handle func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error)) *scriptedTransport {
	return &scriptedTransport{calls: make(map[string]int), handle: handle}
}

func (transport *scriptedTransport) Call(ctx context.Context, endpoint config.EndpointConfig, method string, params json.RawMessage) (json.RawMessage, error) {
	transport.mu.Lock()
	transport.calls[endpoint.ID]++
	transport.mu.Unlock()
	return transport.handle(ctx, endpoint)
}

func (transport *scriptedTransport) count(endpointID string) int {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return transport.calls[endpointID]
}

func (transport *scriptedTransport) total() int {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	total := 0
	for _, calls := range transport.calls {
		total += calls
	}
	return total
}

func succeed(payload string) func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
	return func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	}
}

func newTestClient(t *testing.T, cfg *config.Config, transport Transport, options ...Option) *Client {
	t.Helper()
	client := NewClient(cfg, testutils.QuietLogger(), append([]Option{WithTransport(transport)}, options...)...)
	t.Cleanup(func() { client.Close() })
	return client
}

func uncachedEnvelope(t *testing.T, method string, params ...interface{}) Envelope {
	t.Helper()
	envelope, err := NewEnvelope(method, params...)
	require.NoError(t, err)
	return envelope.WithoutCache()
}

func TestClient_Send_Success(t *testing.T) {
	transport := newScriptedTransport(succeed(`{"value":1}`))
	client := newTestClient(t, testutils.MockConfig(), transport)

	payload, err := client.Send(context.Background(), uncachedEnvelope(t, "getBalance", "addr"))

	require.NoError(t, err)
	assert.JSONEq(t, `{"value":1}`, string(payload))
	assert.Equal(t, 1, transport.count("primary"))
	assert.Zero(t, transport.count("secondary"))

	metrics := client.Metrics()
	assert.Equal(t, uint64(1), metrics.TotalRequests)
	assert.Equal(t, uint64(1), metrics.SuccessfulRequests)
	assert.Equal(t, uint64(len(`{"value":1}`)), metrics.BytesReceived)
}

func TestClient_Send_FailoverAfterCircuitOpens(t *testing.T) {
	cfg := testutils.MockConfigWithURLs("https://a.test", "https://b.test", "https://c.test")
	cfg.Health.DegradedAfter = 5
	cfg.Health.CooldownBase = time.Minute
	cfg.Health.CooldownMax = time.Hour

	transport := newScriptedTransport(func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error) {
		if endpoint.ID == "primary" {
			return nil, &Failure{Kind: KindTransient, Cause: errors.New("connection refused")}
		}
		return json.RawMessage(`"ok"`), nil
	})
	client := newTestClient(t, cfg, transport)

	// Each request fails on primary once, then succeeds on secondary.
	for i := 0; i < 5; i++ {
		_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))
		require.NoError(t, err)
	}
	require.Equal(t, 5, transport.count("primary"))
	require.Equal(t, health.Unhealthy, snapshotStatus(client, "primary"))

	for i := 0; i < 10; i++ {
		_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))
		require.NoError(t, err)
	}

	assert.Equal(t, 5, transport.count("primary"), "open circuit must not be attempted")
	assert.Equal(t, 15, transport.count("secondary"))
	assert.Zero(t, transport.count("tertiary"))
}

func TestClient_Send_CoalescesIdenticalReads(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	transport := newScriptedTransport(func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-release
		return json.RawMessage(`{"blockhash":"abc"}`), nil
	})
	client := newTestClient(t, testutils.MockConfig(), transport)

	envelope, err := NewEnvelope("getBlock", 100)
	require.NoError(t, err)

	const callers = 20
	var waitGroup sync.WaitGroup
	errs := make([]error, callers)
	payloads := make([]string, callers)
	for i := 0; i < callers; i++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			payload, err := client.Send(context.Background(), envelope)
			payloads[index], errs[index] = string(payload), err
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitGroup.Wait()

	assert.Equal(t, 1, transport.total())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"blockhash":"abc"}`, payloads[i])
	}
}

func TestClient_Send_CacheHitSkipsNetwork(t *testing.T) {
	transport := newScriptedTransport(succeed(`42`))
	client := newTestClient(t, testutils.MockConfig(), transport)

	envelope, err := NewEnvelope("getSlot")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		payload, err := client.Send(context.Background(), envelope)
		require.NoError(t, err)
		assert.Equal(t, "42", string(payload))
	}

	assert.Equal(t, 1, transport.total())
	metrics := client.Metrics()
	assert.Equal(t, uint64(2), metrics.CacheHits)
	assert.Equal(t, uint64(1), metrics.CacheMisses)
	assert.Equal(t, 1, metrics.CacheEntries)

	stats := client.responseCache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestClient_Send_CacheExpiresWithClock(t *testing.T) {
	clock := testutils.NewFakeClock(time.Unix(1700000000, 0))
	transport := newScriptedTransport(succeed(`42`))
	client := newTestClient(t, testutils.MockConfig(), transport, WithClock(clock.Now))

	envelope, err := NewEnvelope("getSlot")
	require.NoError(t, err)
	envelope = envelope.WithCache(2 * time.Second)

	_, err = client.Send(context.Background(), envelope)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = client.Send(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, 1, transport.total())

	clock.Advance(2 * time.Second)
	_, err = client.Send(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.total())
}

func TestClient_Send_TerminalErrors(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*config.Config)
		envelope  func(*testing.T) Envelope
		failure   *Failure
		sentinel  error
		calls     int
	}{
		{
			name:     "permanent surfaces immediately",
			envelope: func(t *testing.T) Envelope { return uncachedEnvelope(t, "getBalance", "bad") },
			failure:  &Failure{Kind: KindPermanent, Code: -32602, Cause: errors.New("invalid params")},
			sentinel: ErrPermanent,
			calls:    1,
		},
		{
			name:     "transient exhausts attempts",
			envelope: func(t *testing.T) Envelope { return uncachedEnvelope(t, "getSlot") },
			failure:  &Failure{Kind: KindTransient, Cause: errors.New("503")},
			sentinel: ErrAttemptsExhausted,
			calls:    3,
		},
		{
			name: "ambiguous failure on non-idempotent request is not retried",
			envelope: func(t *testing.T) Envelope {
				return uncachedEnvelope(t, "sendTransaction", "dHg=")
			},
			failure:  &Failure{Kind: KindTransient, Ambiguous: true, Cause: errors.New("connection reset")},
			sentinel: ErrTransient,
			calls:    1,
		},
		{
			name: "backoff past deadline",
			configure: func(cfg *config.Config) {
				cfg.Retry.BaseDelay = time.Second
				cfg.Retry.MaxDelay = time.Second
			},
			envelope: func(t *testing.T) Envelope {
				return uncachedEnvelope(t, "getSlot").WithDeadline(time.Now().Add(200 * time.Millisecond))
			},
			failure:  &Failure{Kind: KindTransient, Cause: errors.New("timeout")},
			sentinel: ErrDeadlineExceeded,
			calls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testutils.MockConfig()
			if tt.configure != nil {
				tt.configure(cfg)
			}
			transport := newScriptedTransport(func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
				return nil, tt.failure
			})
			client := newTestClient(t, cfg, transport)

			_, err := client.Send(context.Background(), tt.envelope(t))

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "error %v is not %v", err, tt.sentinel)
			var clientError *ClientError
			require.True(t, errors.As(err, &clientError))
			assert.Equal(t, tt.calls, clientError.Attempts)
			assert.Equal(t, tt.calls, transport.total())
			assert.Equal(t, uint64(1), client.Metrics().FailedRequests)
		})
	}
}

func TestClient_Send_DistinctExhaustionKinds(t *testing.T) {
	transport := newScriptedTransport(func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
		return nil, &Failure{Kind: KindTransient, Cause: errors.New("down")}
	})
	client := newTestClient(t, testutils.MockConfig(), transport)

	_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))

	assert.True(t, errors.Is(err, ErrAttemptsExhausted))
	assert.False(t, errors.Is(err, ErrDeadlineExceeded))
}

func TestClient_Send_RateLimitedRetriesElsewhere(t *testing.T) {
	transport := newScriptedTransport(func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error) {
		if endpoint.ID == "primary" {
			return nil, &Failure{Kind: KindRateLimited, RetryAfter: 10 * time.Millisecond, StatusCode: 429, Cause: errors.New("slow down")}
		}
		return json.RawMessage(`"ok"`), nil
	})
	client := newTestClient(t, testutils.MockConfig(), transport)

	payload, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))

	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(payload))
	assert.Equal(t, 1, transport.count("primary"))
	assert.Equal(t, 1, transport.count("secondary"))
	assert.Equal(t, health.Healthy, snapshotStatus(client, "primary"), "rate limiting does not degrade health")
}

func TestClient_Send_CancellationAbandonsAttempt(t *testing.T) {
	transport := newScriptedTransport(func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := newTestClient(t, testutils.MockConfig(), transport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Send(ctx, uncachedEnvelope(t, "getSlot"))

	assert.True(t, errors.Is(err, ErrCanceled))
	snapshot := snapshotOf(client, "primary")
	assert.Zero(t, snapshot.ConsecutiveFailures)
	assert.True(t, snapshot.LastFailureAt.IsZero(), "abandoned attempt must not update health")
}

func TestClient_Send_AttemptTimeoutCountsAsTransient(t *testing.T) {
	cfg := testutils.MockConfig()
	cfg.Endpoints[0].Timeout = 20 * time.Millisecond

	transport := newScriptedTransport(func(ctx context.Context, endpoint config.EndpointConfig) (json.RawMessage, error) {
		if endpoint.ID == "primary" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`1`), nil
	})
	client := newTestClient(t, cfg, transport)

	_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))

	require.NoError(t, err)
	assert.Equal(t, 1, snapshotOf(client, "primary").ConsecutiveFailures)
}

func TestClient_Send_AllEndpointsUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testing.T, *Client)
	}{
		{
			name: "rate limit wait exceeds deadline",
			setup: func(t *testing.T, client *Client) {
				_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))
				require.NoError(t, err)
			},
		},
		{
			name: "every circuit open",
			setup: func(t *testing.T, client *Client) {
				for i := 0; i < 5; i++ {
					client.monitor.RecordOutcome("primary", health.Failure(health.FailureTransient))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testutils.MockConfigWithURLs("https://a.test")
			cfg.Endpoints[0].MaxRequestsPerSecond = 1

			transport := newScriptedTransport(succeed(`1`))
			client := newTestClient(t, cfg, transport)
			tt.setup(t, client)
			before := transport.total()

			envelope := uncachedEnvelope(t, "getSlot").WithDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := client.Send(context.Background(), envelope)

			assert.True(t, errors.Is(err, ErrAllEndpointsUnavailable), "got %v", err)
			assert.Equal(t, before, transport.total())
		})
	}
}

func TestClient_Send_WaitsForRateLimitWithinDeadline(t *testing.T) {
	cfg := testutils.MockConfigWithURLs("https://a.test")
	cfg.Endpoints[0].MaxRequestsPerSecond = 10

	transport := newScriptedTransport(succeed(`1`))
	client := newTestClient(t, cfg, transport)

	for i := 0; i < 12; i++ {
		_, err := client.Send(context.Background(), uncachedEnvelope(t, "getSlot"))
		require.NoError(t, err)
	}
	assert.Equal(t, 12, transport.total())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []AttemptEvent
	hits   int
	misses int
}

func (observer *recordingObserver) ObserveAttempt(event AttemptEvent) {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	observer.events = append(observer.events, event)
}

func (observer *recordingObserver) ObserveCache(method string, hit bool) {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	if hit {
		observer.hits++
	} else {
		observer.misses++
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (sink *recordingSink) Persist(record Record) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.records = append(sink.records, record)
}

func TestClient_Send_ObserverAndSink(t *testing.T) {
	calls := 0
	transport := newScriptedTransport(func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, &Failure{Kind: KindTransient, Cause: errors.New("blip")}
		}
		return json.RawMessage(`"sig"`), nil
	})
	observer := &recordingObserver{}
	sink := &recordingSink{}
	client := newTestClient(t, testutils.MockConfig(), transport, WithObserver(observer), WithSink(sink))

	envelope, err := NewEnvelope("getTransaction", "sig")
	require.NoError(t, err)
	_, err = client.Send(context.Background(), envelope)
	require.NoError(t, err)

	require.Len(t, observer.events, 2)
	assert.Equal(t, "primary", observer.events[0].EndpointID)
	assert.Equal(t, "transient", observer.events[0].Outcome)
	assert.Equal(t, 1, observer.events[0].Attempt)
	assert.Equal(t, "secondary", observer.events[1].EndpointID)
	assert.Equal(t, "success", observer.events[1].Outcome)
	assert.Equal(t, 2, observer.events[1].Attempt)
	assert.Equal(t, 1, observer.misses)

	require.Len(t, sink.records, 1)
	assert.Equal(t, envelope.Fingerprint, sink.records[0].Fingerprint)
	assert.Equal(t, "getTransaction", sink.records[0].Method)
	assert.Equal(t, `"sig"`, string(sink.records[0].Payload))
	assert.Equal(t, uint64(1), client.Metrics().RetriedAttempts)
}

func TestClient_Send_FailedAttemptsNeverCached(t *testing.T) {
	fail := true
	transport := newScriptedTransport(func(context.Context, config.EndpointConfig) (json.RawMessage, error) {
		if fail {
			return nil, &Failure{Kind: KindPermanent, Cause: errors.New("bad")}
		}
		return json.RawMessage(`1`), nil
	})
	client := newTestClient(t, testutils.MockConfig(), transport)

	envelope, err := NewEnvelope("getSlot")
	require.NoError(t, err)

	_, err = client.Send(context.Background(), envelope)
	require.Error(t, err)

	fail = false
	payload, err := client.Send(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, "1", string(payload))
	assert.Equal(t, 2, transport.total())
}

func snapshotOf(client *Client, endpointID string) health.EndpointSnapshot {
	for _, snapshot := range client.HealthSnapshot() {
		if snapshot.ID == endpointID {
			return snapshot
		}
	}
	return health.EndpointSnapshot{}
}

func snapshotStatus(client *Client, endpointID string) health.Status {
	return snapshotOf(client, endpointID).Status
}
