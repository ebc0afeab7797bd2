package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalfonso89/resilient-rpc/internal/models"
)

// LoadTestConfig holds configuration for load testing
type LoadTestConfig struct {
	URL             string
	Method          string
	Params          string
	DistinctParams  bool
	ConcurrentUsers int
	RequestsPerUser int
	Timeout         time.Duration
	TestDuration    time.Duration
	RampUpDuration  time.Duration
	ThinkTime       time.Duration
}

// LoadTestResult holds the result of a single request
type LoadTestResult struct {
	UserID     int
	RequestID  int
	StatusCode int
	RPCCode    int
	Duration   time.Duration
	Success    bool
	Error      error
	Timestamp  time.Time
}

func main() {
	var config LoadTestConfig

	flag.StringVar(&config.URL, "url", "http://localhost:8080/api/v1/rpc", "JSON-RPC gateway URL")
	flag.StringVar(&config.Method, "method", "getSlot", "JSON-RPC method to call")
	flag.StringVar(&config.Params, "params", "[]", "JSON array of params")
	flag.BoolVar(&config.DistinctParams, "distinct", false, "Append a unique param per request to defeat the cache")
	flag.IntVar(&config.ConcurrentUsers, "users", 10, "Number of concurrent users")
	flag.IntVar(&config.RequestsPerUser, "requests", 100, "Number of requests per user")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Request timeout")
	flag.DurationVar(&config.TestDuration, "duration", 0, "Test duration (0 = run until all requests complete)")
	flag.DurationVar(&config.RampUpDuration, "rampup", 5*time.Second, "Ramp-up duration")
	flag.DurationVar(&config.ThinkTime, "think", 100*time.Millisecond, "Think time between requests")
	flag.Parse()

	var params []json.RawMessage
	if err := json.Unmarshal([]byte(config.Params), &params); err != nil {
		fmt.Printf("Invalid -params %q: must be a JSON array (%v)\n", config.Params, err)
		return
	}

	fmt.Printf("Starting load test...\n")
	fmt.Printf("URL: %s\n", config.URL)
	fmt.Printf("Method: %s %s (distinct params: %v)\n", config.Method, config.Params, config.DistinctParams)
	fmt.Printf("Concurrent Users: %d\n", config.ConcurrentUsers)
	fmt.Printf("Requests per User: %d\n", config.RequestsPerUser)
	fmt.Printf("Timeout: %v\n", config.Timeout)
	fmt.Printf("Ramp-up Duration: %v\n", config.RampUpDuration)
	fmt.Printf("Think Time: %v\n", config.ThinkTime)
	fmt.Printf("Test Duration: %v\n", config.TestDuration)
	fmt.Println()

	summary := runLoadTest(config, params)

	printSummary(summary)
}

func runLoadTest(config LoadTestConfig, params []json.RawMessage) LoadTestSummary {
	results := make(chan LoadTestResult, config.ConcurrentUsers*config.RequestsPerUser)

	client := &http.Client{
		Timeout: config.Timeout,
	}

	startTime := time.Now()

	ctx := context.Background()
	if config.TestDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.TestDuration)
		defer cancel()
	}

	var wg sync.WaitGroup
	rampUpDelay := config.RampUpDuration / time.Duration(max(config.ConcurrentUsers, 1))

	for userID := 0; userID < config.ConcurrentUsers; userID++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()

			time.Sleep(time.Duration(uid) * rampUpDelay)

			for reqID := 0; reqID < config.RequestsPerUser; reqID++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				body, err := requestBody(config, params, uid, reqID)
				if err != nil {
					results <- LoadTestResult{UserID: uid, RequestID: reqID, Error: err, Timestamp: time.Now()}
					continue
				}
				results <- makeRequest(ctx, client, config.URL, body, uid, reqID)

				if config.ThinkTime > 0 {
					time.Sleep(config.ThinkTime)
				}
			}
		}(userID)
	}

	wg.Wait()
	close(results)

	return processResults(results, time.Since(startTime))
}

// requestBody builds one JSON-RPC request. With distinct params every request
// gets a unique trailing param so the gateway cannot serve it from cache.
func requestBody(config LoadTestConfig, params []json.RawMessage, userID, requestID int) ([]byte, error) {
	requestParams := params
	if config.DistinctParams {
		unique, err := json.Marshal(map[string]int{"minContextSlot": userID*config.RequestsPerUser + requestID})
		if err != nil {
			return nil, err
		}
		requestParams = append(append([]json.RawMessage{}, params...), unique)
	}

	encodedParams, err := json.Marshal(requestParams)
	if err != nil {
		return nil, err
	}
	id, err := json.Marshal(userID*config.RequestsPerUser + requestID)
	if err != nil {
		return nil, err
	}

	return json.Marshal(models.JSONRPCRequest{
		JSONRPC: models.JSONRPCVersion,
		ID:      id,
		Method:  config.Method,
		Params:  encodedParams,
	})
}

func makeRequest(ctx context.Context, client *http.Client, url string, body []byte, userID, requestID int) LoadTestResult {
	start := time.Now()
	result := LoadTestResult{
		UserID:    userID,
		RequestID: requestID,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = err
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	var rpcResponse models.JSONRPCResponse
	decodeError := json.NewDecoder(resp.Body).Decode(&rpcResponse)
	result.Duration = time.Since(start)
	result.StatusCode = resp.StatusCode

	switch {
	case decodeError != nil:
		result.Error = fmt.Errorf("decode response: %w", decodeError)
	case rpcResponse.Error != nil:
		result.RPCCode = rpcResponse.Error.Code
		result.Error = rpcResponse.Error
	default:
		result.Success = resp.StatusCode == http.StatusOK
	}

	return result
}
