package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// maxEndpoints bounds the RPC_ENDPOINT_<n>_* scan.
const maxEndpoints = 20

// EndpointConfig represents a single remote RPC endpoint
type EndpointConfig struct {
	ID                   string
	URL                  string
	Priority             int // Lower number = higher priority
	MaxRequestsPerSecond int
	Timeout              time.Duration
}

// RetryConfig controls how transient failures are retried
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// HealthConfig holds the endpoint health thresholds
type HealthConfig struct {
	DegradedAfter   int
	UnhealthyAfter  int
	CooldownBase    time.Duration
	CooldownMax     time.Duration
	LatencyMultiple float64
}

// PersistConfig configures the response audit sink
type PersistConfig struct {
	Enabled       bool
	Path          string
	BatchSize     int
	FlushInterval time.Duration
}

// Config holds all configuration for the application
type Config struct {
	Port     string
	LogLevel string

	// RPC endpoints, sorted by priority
	Endpoints             []EndpointConfig
	GlobalRateLimit       int
	MaxConcurrentRequests int
	RequestDeadline       time.Duration

	Retry  RetryConfig
	Health HealthConfig

	CacheDefaultTTL time.Duration
	CacheCapacity   int

	Persist PersistConfig

	// Inbound rate limiting for the HTTP surface
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	configuration := &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Endpoints:             loadEndpoints(),
		GlobalRateLimit:       mustAtoi(getEnv("GLOBAL_RATE_LIMIT_RPS", "100")),
		MaxConcurrentRequests: mustAtoi(getEnv("MAX_CONCURRENT_REQUESTS", "64")),
		RequestDeadline:       time.Duration(mustAtoi(getEnv("REQUEST_DEADLINE_SECONDS", "30"))) * time.Second,

		Retry: RetryConfig{
			MaxAttempts: mustAtoi(getEnv("RETRY_MAX_ATTEMPTS", "5")),
			BaseDelay:   getDurationMs("RETRY_BASE_DELAY_MS", "100"),
			MaxDelay:    getDurationMs("RETRY_MAX_DELAY_MS", "10000"),
		},
		Health: HealthConfig{
			DegradedAfter:   mustAtoi(getEnv("HEALTH_DEGRADED_AFTER", "3")),
			UnhealthyAfter:  mustAtoi(getEnv("HEALTH_UNHEALTHY_AFTER", "5")),
			CooldownBase:    getDurationMs("HEALTH_COOLDOWN_BASE_MS", "1000"),
			CooldownMax:     getDurationMs("HEALTH_COOLDOWN_MAX_MS", "60000"),
			LatencyMultiple: mustAtof(getEnv("HEALTH_LATENCY_MULTIPLE", "4")),
		},

		CacheDefaultTTL: time.Duration(mustAtoi(getEnv("CACHE_DEFAULT_TTL_SECONDS", "2"))) * time.Second,
		CacheCapacity:   mustAtoi(getEnv("CACHE_CAPACITY", "10000")),

		Persist: PersistConfig{
			Enabled:       getEnv("PERSIST_ENABLED", "false") == "true",
			Path:          getEnv("PERSIST_PATH", "rpc-audit.db"),
			BatchSize:     mustAtoi(getEnv("PERSIST_BATCH_SIZE", "100")),
			FlushInterval: getDurationMs("PERSIST_FLUSH_INTERVAL_MS", "500"),
		},

		RateLimitEnabled:  getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRequests: mustAtoi(getEnv("RATE_LIMIT_REQUESTS", "100")),
		RateLimitWindow:   time.Duration(mustAtoi(getEnv("RATE_LIMIT_WINDOW_SECONDS", "60"))) * time.Second,
		RateLimitBurst:    mustAtoi(getEnv("RATE_LIMIT_BURST", "10")),
	}

	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	return configuration, nil
}

// Validate checks the loaded configuration for values the client cannot run with
func (configuration *Config) Validate() error {
	if len(configuration.Endpoints) == 0 {
		return fmt.Errorf("no RPC endpoints configured")
	}

	seen := make(map[string]struct{}, len(configuration.Endpoints))
	for _, endpoint := range configuration.Endpoints {
		parsed, err := url.Parse(endpoint.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("endpoint %q: invalid url %q", endpoint.ID, endpoint.URL)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint.ID, parsed.Scheme)
		}
		if endpoint.MaxRequestsPerSecond <= 0 {
			return fmt.Errorf("endpoint %q: max requests per second must be positive", endpoint.ID)
		}
		if endpoint.Timeout <= 0 {
			return fmt.Errorf("endpoint %q: timeout must be positive", endpoint.ID)
		}
		if _, duplicate := seen[endpoint.ID]; duplicate {
			return fmt.Errorf("duplicate endpoint id %q", endpoint.ID)
		}
		seen[endpoint.ID] = struct{}{}
	}

	switch {
	case configuration.GlobalRateLimit <= 0:
		return fmt.Errorf("global rate limit must be positive")
	case configuration.Retry.MaxAttempts <= 0:
		return fmt.Errorf("retry max attempts must be positive")
	case configuration.Retry.BaseDelay <= 0 || configuration.Retry.MaxDelay < configuration.Retry.BaseDelay:
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	case configuration.Health.DegradedAfter <= 0 || configuration.Health.UnhealthyAfter < configuration.Health.DegradedAfter:
		return fmt.Errorf("health thresholds must satisfy 0 < degraded <= unhealthy")
	case configuration.Health.CooldownBase <= 0 || configuration.Health.CooldownMax < configuration.Health.CooldownBase:
		return fmt.Errorf("cooldowns must satisfy 0 < base <= max")
	case configuration.CacheDefaultTTL < 0:
		return fmt.Errorf("cache ttl must not be negative")
	}
	return nil
}

// loadEndpoints loads RPC endpoints from environment variables
func loadEndpoints() []EndpointConfig {
	endpoints := []EndpointConfig{}
	derivedIDs := make(map[string]bool)

	// RPC_ENDPOINT_1_URL, RPC_ENDPOINT_2_URL, ...
	for i := 1; i <= maxEndpoints; i++ {
		endpointURL := getEnv(fmt.Sprintf("RPC_ENDPOINT_%d_URL", i), "")
		if endpointURL == "" {
			break
		}

		// hosts shared by several keyed URLs get the index appended
		derivedID := endpointID(endpointURL, i)
		if derivedIDs[derivedID] {
			derivedID = fmt.Sprintf("%s-%d", derivedID, i)
		}
		derivedIDs[derivedID] = true

		endpoint := EndpointConfig{
			ID:                   getEnv(fmt.Sprintf("RPC_ENDPOINT_%d_ID", i), derivedID),
			URL:                  endpointURL,
			Priority:             mustAtoi(getEnv(fmt.Sprintf("RPC_ENDPOINT_%d_PRIORITY", i), strconv.Itoa(i-1))),
			MaxRequestsPerSecond: mustAtoi(getEnv(fmt.Sprintf("RPC_ENDPOINT_%d_MAX_RPS", i), "10")),
			Timeout:              getDurationMs(fmt.Sprintf("RPC_ENDPOINT_%d_TIMEOUT_MS", i), "5000"),
		}
		endpoints = append(endpoints, endpoint)
	}

	if len(endpoints) == 0 {
		endpoints = append(endpoints, EndpointConfig{
			ID:                   "mainnet-beta",
			URL:                  "https://api.mainnet-beta.solana.com",
			Priority:             0,
			MaxRequestsPerSecond: 10,
			Timeout:              5 * time.Second,
		})
	}

	// Sort by priority (lower number = higher priority), keeping declaration order on ties
	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].Priority < endpoints[j].Priority
	})

	return endpoints
}

// endpointID derives a stable identifier from the endpoint host
func endpointID(endpointURL string, index int) string {
	parsed, err := url.Parse(endpointURL)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("endpoint-%d", index)
	}
	return strings.ToLower(parsed.Host)
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDurationMs reads a millisecond count from the environment
func getDurationMs(key, fallback string) time.Duration {
	return time.Duration(mustAtoi(getEnv(key, fallback))) * time.Millisecond
}

func mustAtoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 60
	}
	return i
}

func mustAtof(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
