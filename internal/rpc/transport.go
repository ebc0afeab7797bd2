package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/models"
)

// Transport issues one request against one endpoint. Errors should be *Failure;
// anything else is classified with Classify.
type Transport interface {
	Call(ctx context.Context, endpoint config.EndpointConfig, method string, params json.RawMessage) (json.RawMessage, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint config.EndpointConfig, method string, params json.RawMessage) (json.RawMessage, error)

func (call TransportFunc) Call(ctx context.Context, endpoint config.EndpointConfig, method string, params json.RawMessage) (json.RawMessage, error) {
	return call(ctx, endpoint, method, params)
}

const maxResponseBytes = 64 << 20

// JSON-RPC error codes that mean the request itself is wrong.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeTooManyRequest = -32429

	// Solana transaction rejections.
	codePreflightFailure           = -32002
	codeSignatureVerification      = -32003
	codePrecompileVerification     = -32006
	codeSignatureLenMismatch       = -32013
	codeUnsupportedTxVersion       = -32015
)

// HTTPTransport speaks JSON-RPC 2.0 over HTTP POST.
type HTTPTransport struct {
	logger     *logrus.Logger
	httpClient *http.Client
}

// NewHTTPTransport creates a transport with pooled keep-alive connections.
// Timeouts come from the per-attempt context.
func NewHTTPTransport(logger *logrus.Logger) *HTTPTransport {
	httpTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	}
	return &HTTPTransport{
		logger:     logger,
		httpClient: &http.Client{Transport: httpTransport},
	}
}

// Call posts one JSON-RPC request and classifies the outcome.
func (httpTransport *HTTPTransport) Call(ctx context.Context, endpoint config.EndpointConfig, method string, params json.RawMessage) (json.RawMessage, error) {
	requestID := uuid.NewString()
	encodedID, _ := json.Marshal(requestID)

	body, err := json.Marshal(models.JSONRPCRequest{
		JSONRPC: models.JSONRPCVersion,
		ID:      encodedID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, &Failure{Kind: KindPermanent, Cause: fmt.Errorf("encode request: %w", err)}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Kind: KindPermanent, Cause: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Request-ID", requestID)

	response, err := httpTransport.httpClient.Do(request)
	if err != nil {
		return nil, Classify(err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &Failure{Kind: KindTransient, Ambiguous: true, StatusCode: response.StatusCode, Cause: fmt.Errorf("read response: %w", err)}
	}

	if failure := classifyStatus(response, responseBody); failure != nil {
		return nil, failure
	}

	var rpcResponse models.JSONRPCResponse
	if err := json.Unmarshal(responseBody, &rpcResponse); err != nil {
		return nil, &Failure{Kind: KindTransient, Ambiguous: true, StatusCode: response.StatusCode, Cause: fmt.Errorf("invalid response: %w", err)}
	}
	if rpcResponse.Error != nil {
		return nil, classifyRPCError(rpcResponse.Error)
	}

	httpTransport.logger.WithFields(logrus.Fields{
		"endpoint":   endpoint.ID,
		"method":     method,
		"request_id": requestID,
		"bytes":      len(responseBody),
	}).Debug("RPC call completed")

	if len(rpcResponse.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return rpcResponse.Result, nil
}

func classifyStatus(response *http.Response, body []byte) *Failure {
	statusCode := response.StatusCode
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return &Failure{
			Kind:       KindRateLimited,
			RetryAfter: parseRetryAfter(response.Header.Get("Retry-After"), time.Now()),
			StatusCode: statusCode,
			Cause:      errors.New(snippet(body)),
		}
	case statusCode >= 500:
		return &Failure{Kind: KindTransient, Ambiguous: true, StatusCode: statusCode, Cause: errors.New(snippet(body))}
	case statusCode == http.StatusRequestTimeout:
		return &Failure{Kind: KindTransient, Ambiguous: true, StatusCode: statusCode, Cause: errors.New(snippet(body))}
	default:
		return &Failure{Kind: KindPermanent, StatusCode: statusCode, Cause: errors.New(snippet(body))}
	}
}

func classifyRPCError(rpcError *models.JSONRPCError) *Failure {
	failure := &Failure{Code: rpcError.Code, Answered: true, Cause: rpcError}
	message := strings.ToLower(rpcError.Message)
	switch {
	case rpcError.Code == codeParseError,
		rpcError.Code == codeInvalidRequest,
		rpcError.Code == codeMethodNotFound,
		rpcError.Code == codeInvalidParams,
		rpcError.Code == codePreflightFailure,
		rpcError.Code == codeSignatureVerification,
		rpcError.Code == codePrecompileVerification,
		rpcError.Code == codeSignatureLenMismatch,
		rpcError.Code == codeUnsupportedTxVersion:
		failure.Kind = KindPermanent
	case rpcError.Code == codeTooManyRequest,
		strings.Contains(message, "rate limit"),
		strings.Contains(message, "limit exceeded"),
		strings.Contains(message, "too many requests"):
		failure.Kind = KindRateLimited
	default:
		failure.Kind = KindTransient
	}
	return failure
}

// parseRetryAfter reads a Retry-After header as delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 256
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty body"
	}
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
