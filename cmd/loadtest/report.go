package main

import (
	"fmt"
	"sort"
	"time"
)

// LoadTestSummary holds the summary of load test results
type LoadTestSummary struct {
	TotalRequests       int
	SuccessfulRequests  int
	FailedRequests      int
	TotalDuration       time.Duration
	AverageResponseTime time.Duration
	MinResponseTime     time.Duration
	MaxResponseTime     time.Duration
	RequestsPerSecond   float64
	ErrorRate           float64
	ResponseTime95th    time.Duration
	ResponseTime99th    time.Duration
	// StatusCodes counts HTTP statuses; RPCErrorCodes counts JSON-RPC error codes
	StatusCodes   map[int]int
	RPCErrorCodes map[int]int
}

func processResults(results <-chan LoadTestResult, totalDuration time.Duration) LoadTestSummary {
	summary := LoadTestSummary{
		TotalDuration: totalDuration,
		StatusCodes:   make(map[int]int),
		RPCErrorCodes: make(map[int]int),
	}
	var responseTimes []time.Duration

	for result := range results {
		summary.TotalRequests++
		responseTimes = append(responseTimes, result.Duration)
		summary.StatusCodes[result.StatusCode]++
		if result.RPCCode != 0 {
			summary.RPCErrorCodes[result.RPCCode]++
		}

		if result.Success {
			summary.SuccessfulRequests++
		} else {
			summary.FailedRequests++
		}
	}

	if summary.TotalRequests == 0 {
		return summary
	}

	summary.ErrorRate = float64(summary.FailedRequests) / float64(summary.TotalRequests) * 100
	if totalDuration > 0 {
		summary.RequestsPerSecond = float64(summary.TotalRequests) / totalDuration.Seconds()
	}

	sort.Slice(responseTimes, func(i, j int) bool { return responseTimes[i] < responseTimes[j] })

	var totalResponseTime time.Duration
	for _, responseTime := range responseTimes {
		totalResponseTime += responseTime
	}
	summary.MinResponseTime = responseTimes[0]
	summary.MaxResponseTime = responseTimes[len(responseTimes)-1]
	summary.AverageResponseTime = totalResponseTime / time.Duration(len(responseTimes))
	summary.ResponseTime95th = percentile(responseTimes, 95)
	summary.ResponseTime99th = percentile(responseTimes, 99)

	return summary
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * float64(p) / 100.0)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func printSummary(summary LoadTestSummary) {
	fmt.Println("=== Load Test Results ===")
	if summary.TotalRequests == 0 {
		fmt.Println("No requests were sent")
		return
	}
	fmt.Printf("Total Requests: %d\n", summary.TotalRequests)
	fmt.Printf("Successful Requests: %d (%.2f%%)\n", summary.SuccessfulRequests,
		float64(summary.SuccessfulRequests)/float64(summary.TotalRequests)*100)
	fmt.Printf("Failed Requests: %d (%.2f%%)\n", summary.FailedRequests, summary.ErrorRate)
	fmt.Printf("Total Duration: %v\n", summary.TotalDuration)
	fmt.Printf("Requests per Second: %.2f\n", summary.RequestsPerSecond)
	fmt.Printf("Average Response Time: %v\n", summary.AverageResponseTime)
	fmt.Printf("Min Response Time: %v\n", summary.MinResponseTime)
	fmt.Printf("Max Response Time: %v\n", summary.MaxResponseTime)
	fmt.Printf("95th Percentile Response Time: %v\n", summary.ResponseTime95th)
	fmt.Printf("99th Percentile Response Time: %v\n", summary.ResponseTime99th)

	fmt.Println("\n=== Responses ===")
	for _, status := range sortedKeys(summary.StatusCodes) {
		fmt.Printf("HTTP %d: %d\n", status, summary.StatusCodes[status])
	}
	for _, code := range sortedKeys(summary.RPCErrorCodes) {
		fmt.Printf("JSON-RPC error %d: %d\n", code, summary.RPCErrorCodes[code])
	}

	fmt.Println("\n=== Performance Assessment ===")
	if summary.ErrorRate > 5.0 {
		fmt.Printf("⚠️  High error rate: %.2f%% (target: < 5%%)\n", summary.ErrorRate)
	} else {
		fmt.Printf("✅ Error rate: %.2f%% (good)\n", summary.ErrorRate)
	}

	if summary.AverageResponseTime > 2*time.Second {
		fmt.Printf("⚠️  High average response time: %v (target: < 2s)\n", summary.AverageResponseTime)
	} else {
		fmt.Printf("✅ Average response time: %v (good)\n", summary.AverageResponseTime)
	}

	if summary.RequestsPerSecond < 10 {
		fmt.Printf("⚠️  Low throughput: %.2f req/s (target: > 10 req/s)\n", summary.RequestsPerSecond)
	} else {
		fmt.Printf("✅ Throughput: %.2f req/s (good)\n", summary.RequestsPerSecond)
	}
}

func sortedKeys(counts map[int]int) []int {
	keys := make([]int, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}
