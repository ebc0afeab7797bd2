package models

import (
	"encoding/json"
	"time"
)

// JSONRPCVersion is the protocol version sent on every request.
const JSONRPCVersion = "2.0"

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (rpcError *JSONRPCError) Error() string {
	return rpcError.Message
}

type EndpointStatus struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Priority            int        `json:"priority"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RollingLatencyMs    float64    `json:"rolling_latency_ms"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

type EndpointsResponse struct {
	Endpoints []EndpointStatus `json:"endpoints"`
	Timestamp time.Time        `json:"timestamp"`
}

type ClientMetricsResponse struct {
	TotalRequests        uint64    `json:"total_requests"`
	SuccessfulRequests   uint64    `json:"successful_requests"`
	FailedRequests       uint64    `json:"failed_requests"`
	RetriedAttempts      uint64    `json:"retried_attempts"`
	CacheHits            uint64    `json:"cache_hits"`
	CacheMisses          uint64    `json:"cache_misses"`
	CoalescedRequests    uint64    `json:"coalesced_requests"`
	AverageLatencyMs     float64   `json:"average_latency_ms"`
	CacheEntries         int       `json:"cache_entries"`
	BytesReceived        uint64    `json:"bytes_received"`
	PersistDropped       uint64    `json:"persist_dropped"`
	HealthyEndpoints     int       `json:"healthy_endpoints"`
	DegradedEndpoints    int       `json:"degraded_endpoints"`
	UnavailableEndpoints int       `json:"unavailable_endpoints"`
	Timestamp            time.Time `json:"timestamp"`
}

type AddressTransaction struct {
	Signature   string          `json:"signature"`
	Slot        uint64          `json:"slot"`
	BlockTime   *int64          `json:"block_time,omitempty"`
	Failed      bool            `json:"failed"`
	Transaction json.RawMessage `json:"transaction"`
}

type AddressTransactionsResponse struct {
	Address      string               `json:"address"`
	Transactions []AddressTransaction `json:"transactions"`
	Skipped      int                  `json:"skipped"`
	Next         string               `json:"next,omitempty"`
	Done         bool                 `json:"done"`
	Timestamp    time.Time            `json:"timestamp"`
}

type HealthCheck struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	Uptime           string    `json:"uptime"`
	HealthyEndpoints int       `json:"healthy_endpoints"`
	TotalEndpoints   int       `json:"total_endpoints"`
	Persistence      string    `json:"persistence,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
