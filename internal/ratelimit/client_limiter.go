package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/resilient-rpc/internal/config"
)

// ClientLimiter implements a token bucket rate limiter per client IP for the inbound API
type ClientLimiter struct {
	Configuration *config.Config
	logger        *logrus.Logger

	// Map of IP -> token bucket
	clientBuckets map[string]*TokenBucket
	bucketsMutex  sync.RWMutex

	// Cleanup goroutine control
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	idleTimeout   time.Duration
}

// NewClientLimiter creates a new per-client rate limiter
func NewClientLimiter(configuration *config.Config, logger *logrus.Logger) *ClientLimiter {
	clientLimiter := &ClientLimiter{
		Configuration: configuration,
		logger:        logger,
		clientBuckets: make(map[string]*TokenBucket),
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCleanup:   make(chan struct{}),
		idleTimeout:   24 * time.Hour,
	}

	go clientLimiter.cleanup()

	return clientLimiter
}

// Allow checks if a request from the given IP is allowed
func (clientLimiter *ClientLimiter) Allow(clientIP string) bool {
	if !clientLimiter.Configuration.RateLimitEnabled {
		return true
	}
	return clientLimiter.bucket(clientIP).Allow()
}

func (clientLimiter *ClientLimiter) bucket(clientIP string) *TokenBucket {
	clientLimiter.bucketsMutex.RLock()
	tokenBucket, bucketExists := clientLimiter.clientBuckets[clientIP]
	clientLimiter.bucketsMutex.RUnlock()
	if bucketExists {
		return tokenBucket
	}

	clientLimiter.bucketsMutex.Lock()
	defer clientLimiter.bucketsMutex.Unlock()
	if tokenBucket, bucketExists = clientLimiter.clientBuckets[clientIP]; bucketExists {
		return tokenBucket
	}
	perSecond := float64(clientLimiter.Configuration.RateLimitRequests) / clientLimiter.Configuration.RateLimitWindow.Seconds()
	tokenBucket = NewTokenBucket(perSecond, clientLimiter.Configuration.RateLimitBurst)
	clientLimiter.clientBuckets[clientIP] = tokenBucket
	return tokenBucket
}

// SetLimitHeaders writes the X-RateLimit-* headers for a rejected request
func (clientLimiter *ClientLimiter) SetLimitHeaders(header http.Header) {
	header.Set("X-RateLimit-Limit", fmt.Sprintf("%d", clientLimiter.Configuration.RateLimitRequests))
	header.Set("X-RateLimit-Remaining", "0")
	header.Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(clientLimiter.Configuration.RateLimitWindow).Unix()))
}

// GetClientIP extracts the real client IP from the request
func GetClientIP(request *http.Request) string {
	// X-Forwarded-For may carry a chain; the first entry is the client
	if xForwardedFor := request.Header.Get("X-Forwarded-For"); xForwardedFor != "" {
		first, _, _ := strings.Cut(xForwardedFor, ",")
		first = strings.TrimSpace(first)
		if clientIP := net.ParseIP(first); clientIP != nil {
			return clientIP.String()
		}
		if host, _, err := net.SplitHostPort(first); err == nil {
			if clientIP := net.ParseIP(host); clientIP != nil {
				return clientIP.String()
			}
		}
	}

	if xRealIP := request.Header.Get("X-Real-IP"); xRealIP != "" {
		if clientIP := net.ParseIP(xRealIP); clientIP != nil {
			return clientIP.String()
		}
	}

	clientIP, _, parseError := net.SplitHostPort(request.RemoteAddr)
	if parseError != nil {
		return request.RemoteAddr
	}
	return clientIP
}

// cleanup removes idle buckets to prevent memory leaks
func (clientLimiter *ClientLimiter) cleanup() {
	for {
		select {
		case <-clientLimiter.cleanupTicker.C:
			if evicted := clientLimiter.evictIdle(time.Now()); evicted > 0 {
				clientLimiter.logger.WithField("evicted", evicted).Debug("Evicted idle client buckets")
			}
		case <-clientLimiter.stopCleanup:
			clientLimiter.cleanupTicker.Stop()
			return
		}
	}
}

func (clientLimiter *ClientLimiter) evictIdle(currentTime time.Time) int {
	clientLimiter.bucketsMutex.Lock()
	defer clientLimiter.bucketsMutex.Unlock()

	evicted := 0
	for clientIP, tokenBucket := range clientLimiter.clientBuckets {
		if currentTime.Sub(tokenBucket.idleSince()) > clientLimiter.idleTimeout {
			delete(clientLimiter.clientBuckets, clientIP)
			evicted++
		}
	}
	return evicted
}

// Stop stops the cleanup goroutine
func (clientLimiter *ClientLimiter) Stop() {
	clientLimiter.stopOnce.Do(func() {
		close(clientLimiter.stopCleanup)
	})
}
