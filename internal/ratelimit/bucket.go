package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a continuously refilled token bucket.
// Methods ending in At take the current time explicitly so callers can drive it from a test clock.
type TokenBucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a bucket refilling perSecond tokens per second, holding at most burst tokens.
// The bucket starts full.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// available reports whether a token can be taken at now and, if not, how long until one can.
// The caller holds tokenBucket.mu.
func (tokenBucket *TokenBucket) available(now time.Time) (bool, time.Duration) {
	tokenBucket.lastSeen = now
	tokens := tokenBucket.limiter.TokensAt(now)
	if tokens >= 1 {
		return true, 0
	}
	perSecond := float64(tokenBucket.limiter.Limit())
	if perSecond <= 0 {
		return false, time.Second
	}
	wait := time.Duration((1 - tokens) / perSecond * float64(time.Second))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return false, wait
}

// take consumes one token. The caller holds tokenBucket.mu and has checked available.
func (tokenBucket *TokenBucket) take(now time.Time) {
	tokenBucket.limiter.AllowN(now, 1)
}

// AllowAt consumes a token if one is available at now, without ever waiting.
func (tokenBucket *TokenBucket) AllowAt(now time.Time) (bool, time.Duration) {
	tokenBucket.mu.Lock()
	defer tokenBucket.mu.Unlock()

	allowed, wait := tokenBucket.available(now)
	if allowed {
		tokenBucket.take(now)
	}
	return allowed, wait
}

// Allow checks if a token is available in the bucket right now
func (tokenBucket *TokenBucket) Allow() bool {
	allowed, _ := tokenBucket.AllowAt(time.Now())
	return allowed
}

// TokensAt reports the tokens available at now.
func (tokenBucket *TokenBucket) TokensAt(now time.Time) float64 {
	tokenBucket.mu.Lock()
	defer tokenBucket.mu.Unlock()
	return tokenBucket.limiter.TokensAt(now)
}

func (tokenBucket *TokenBucket) idleSince() time.Time {
	tokenBucket.mu.Lock()
	defer tokenBucket.mu.Unlock()
	return tokenBucket.lastSeen
}
