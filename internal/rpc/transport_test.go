package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/models"
	"github.com/dalfonso89/resilient-rpc/internal/testutils"
)

func TestHTTPTransport_Call(t *testing.T) {
	tests := []struct {
		name       string
		reply      testutils.RPCReply
		kind       ErrorKind
		ambiguous  bool
		retryAfter time.Duration
		result     string
	}{
		{
			name:   "success",
			reply:  testutils.RPCReply{Result: map[string]int{"slot": 42}},
			result: `{"slot":42}`,
		},
		{
			name:   "null result",
			reply:  testutils.RPCReply{Result: nil},
			result: `null`,
		},
		{
			name:       "http 429 with retry-after",
			reply:      testutils.RPCReply{Status: http.StatusTooManyRequests, Header: map[string]string{"Retry-After": "3"}},
			kind:       KindRateLimited,
			retryAfter: 3 * time.Second,
		},
		{
			name:      "http 503",
			reply:     testutils.RPCReply{Status: http.StatusServiceUnavailable},
			kind:      KindTransient,
			ambiguous: true,
		},
		{
			name:  "http 401",
			reply: testutils.RPCReply{Status: http.StatusUnauthorized},
			kind:  KindPermanent,
		},
		{
			name:  "method not found",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32601, Message: "Method not found"}},
			kind:  KindPermanent,
		},
		{
			name:  "invalid params",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32602, Message: "Invalid params"}},
			kind:  KindPermanent,
		},
		{
			name:  "rate limit code",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32429, Message: "slow down"}},
			kind:  KindRateLimited,
		},
		{
			name:  "rate limit message",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32005, Message: "Request limit exceeded"}},
			kind:  KindRateLimited,
		},
		{
			name:  "transaction simulation failed",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32002, Message: "Transaction simulation failed"}},
			kind:  KindPermanent,
		},
		{
			name:  "signature verification failure",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32003, Message: "Transaction signature verification failure"}},
			kind:  KindPermanent,
		},
		{
			name:  "node behind",
			reply: testutils.RPCReply{Error: &models.JSONRPCError{Code: -32004, Message: "Block not available for slot"}},
			kind:  KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutils.NewRPCServer(t, func(models.JSONRPCRequest) testutils.RPCReply { return tt.reply })
			transport := NewHTTPTransport(testutils.QuietLogger())
			endpoint := config.EndpointConfig{ID: "test", URL: server.URL, Timeout: time.Second}

			payload, err := transport.Call(context.Background(), endpoint, "getSlot", json.RawMessage(`[]`))

			if tt.result != "" {
				require.NoError(t, err)
				assert.JSONEq(t, tt.result, string(payload))
				return
			}
			require.Error(t, err)
			var failure *Failure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tt.kind, failure.Kind)
			assert.Equal(t, tt.ambiguous, failure.Ambiguous)
			assert.Equal(t, tt.retryAfter, failure.RetryAfter)
			assert.Equal(t, tt.reply.Error != nil, failure.Answered)
		})
	}
}

func TestHTTPTransport_SendsJSONRPCRequest(t *testing.T) {
	var received models.JSONRPCRequest
	server := testutils.NewRPCServer(t, func(request models.JSONRPCRequest) testutils.RPCReply {
		received = request
		return testutils.RPCReply{Result: 1}
	})
	transport := NewHTTPTransport(testutils.QuietLogger())

	_, err := transport.Call(context.Background(), config.EndpointConfig{URL: server.URL}, "getBalance", json.RawMessage(`["addr"]`))
	require.NoError(t, err)

	assert.Equal(t, "2.0", received.JSONRPC)
	assert.Equal(t, "getBalance", received.Method)
	assert.JSONEq(t, `["addr"]`, string(received.Params))
	assert.NotEmpty(t, received.ID)
}

func TestHTTPTransport_TimeoutIsAmbiguous(t *testing.T) {
	server := testutils.NewRPCServer(t, func(models.JSONRPCRequest) testutils.RPCReply {
		return testutils.RPCReply{Delay: time.Second, Result: 1}
	})
	transport := NewHTTPTransport(testutils.QuietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := transport.Call(ctx, config.EndpointConfig{URL: server.URL}, "getSlot", nil)

	failure := Classify(err)
	assert.Equal(t, KindTransient, failure.Kind)
	assert.True(t, failure.Ambiguous)
}

func TestHTTPTransport_ConnectionRefusedIsUnambiguous(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport := NewHTTPTransport(testutils.QuietLogger())
	_, err := transport.Call(context.Background(), config.EndpointConfig{URL: url}, "getSlot", nil)

	failure := Classify(err)
	assert.Equal(t, KindTransient, failure.Kind)
	assert.False(t, failure.Ambiguous)
}

func TestHTTPTransport_InvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway</html>"))
	}))
	defer server.Close()

	transport := NewHTTPTransport(testutils.QuietLogger())
	_, err := transport.Call(context.Background(), config.EndpointConfig{URL: server.URL}, "getSlot", nil)

	failure := Classify(err)
	assert.Equal(t, KindTransient, failure.Kind)
	assert.True(t, failure.Ambiguous)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "2", 2 * time.Second},
		{"negative", "-1", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryAfter(tt.value, now))
		})
	}
}
