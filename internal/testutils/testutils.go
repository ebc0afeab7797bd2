package testutils

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/config"
	"github.com/dalfonso89/resilient-rpc/internal/logger"
)

// MockLogger creates a mock logger for testing
func MockLogger() *logrus.Logger {
	return logger.New("debug")
}

// QuietLogger creates a logger that discards output, for tests that log heavily
func QuietLogger() *logrus.Logger {
	return logger.NewWithOutput("error", io.Discard)
}

// MockConfig creates a mock configuration for testing with two endpoints.
// The URLs are placeholders; tests talking HTTP replace them with MockConfigWithURLs.
func MockConfig() *config.Config {
	return MockConfigWithURLs("https://primary.test", "https://secondary.test")
}

// MockConfigWithURLs creates a mock configuration with one endpoint per URL.
// Endpoints are named primary, secondary, tertiary, then endpoint-N, with priority following order.
func MockConfigWithURLs(urls ...string) *config.Config {
	endpoints := make([]config.EndpointConfig, 0, len(urls))
	for index, url := range urls {
		endpoints = append(endpoints, config.EndpointConfig{
			ID:                   EndpointName(index),
			URL:                  url,
			Priority:             index,
			MaxRequestsPerSecond: 1000,
			Timeout:              2 * time.Second,
		})
	}

	return &config.Config{
		Port:     "8081",
		LogLevel: "debug",

		Endpoints:             endpoints,
		GlobalRateLimit:       1000,
		MaxConcurrentRequests: 16,
		RequestDeadline:       5 * time.Second,

		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		Health: config.HealthConfig{
			DegradedAfter:   3,
			UnhealthyAfter:  5,
			CooldownBase:    time.Second,
			CooldownMax:     time.Minute,
			LatencyMultiple: 4,
		},

		CacheDefaultTTL: 2 * time.Second,
		CacheCapacity:   1000,

		Persist: config.PersistConfig{
			Enabled:       false,
			Path:          "rpc-audit.db",
			BatchSize:     10,
			FlushInterval: 10 * time.Millisecond,
		},

		RateLimitEnabled:  true,
		RateLimitRequests: 100,
		RateLimitWindow:   60 * time.Second,
		RateLimitBurst:    10,
	}
}

// EndpointName returns the conventional test endpoint id for a position
func EndpointName(index int) string {
	switch index {
	case 0:
		return "primary"
	case 1:
		return "secondary"
	case 2:
		return "tertiary"
	default:
		return fmt.Sprintf("endpoint-%d", index)
	}
}
